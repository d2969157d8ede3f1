package relay

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
)

// EditFile implements the read-modify-write operation of spec.md §4.5:
// FILE_READ, string-substitution, FILE_WRITE. There is no locking across
// the two legs; concurrent remote modification between read and write is
// undetectable and explicitly accepted as a limitation (spec.md §4.5).
func (e *Engine) EditFile(ctx context.Context, path, oldString, newString string, replaceAll bool) error {
	content, err := e.ReadFile(ctx, path)
	if err != nil {
		return trace.Wrap(err)
	}

	text := string(content)
	count := strings.Count(text, oldString)
	if count == 0 {
		return trace.BadParameter("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return trace.BadParameter("old_string found %d times", count)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(text, oldString, newString)
	} else {
		updated = strings.Replace(text, oldString, newString, 1)
	}

	mode := uint16(0o644)
	if st, err := e.Stat(ctx, path); err == nil && st.Exists && st.Mode != 0 {
		mode = uint16(st.Mode)
	}

	return trace.Wrap(e.WriteFile(ctx, path, []byte(updated), mode))
}
