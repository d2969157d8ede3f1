package mcpserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nathanodle/claude-telepresence/lib/defaults"
	"github.com/nathanodle/claude-telepresence/lib/relay"
)

const maxRenderedLineLength = defaults.ReadFileMaxLineLength

// renderReadFile implements spec.md §4.8's read_file rendering rule: UTF-8
// decode with replacement, offset/limit over lines, per-line truncation,
// right-justified 1-based line numbers, and an optional footer when more
// lines remain.
func renderReadFile(data []byte, offset, limit int) string {
	if len(data) == 0 {
		return ""
	}
	text := strings.ToValidUTF8(string(data), "�")
	lines := strings.Split(text, "\n")
	total := len(lines)

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaults.ReadFileDefaultLimit
	}
	end := offset + limit
	if end > total {
		end = total
	}
	if offset > total {
		offset = total
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		line := lines[i]
		if len(line) > maxRenderedLineLength {
			line = line[:maxRenderedLineLength] + "… (truncated)"
		}
		if i > offset {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d\t%s", i+1, line)
	}
	if end < total {
		fmt.Fprintf(&b, "\n[Lines %d-%d of %d]", offset+1, end, total)
	}
	return b.String()
}

// renderListDir implements list_directory's trailing-marker rendering.
func renderListDir(entries []relay.DirEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		switch e.Type {
		case 'd':
			name += "/"
		case 'l':
			name += "@"
		}
		lines = append(lines, name)
	}
	return strings.Join(lines, "\n")
}

// renderFileInfo implements file_info's size/mtime/type/mode rendering.
func renderFileInfo(st *relay.StatResult) string {
	if !st.Exists {
		return "does not exist"
	}
	typeName := "file"
	switch st.Type {
	case 'd':
		typeName = "directory"
	case 'l':
		typeName = "symlink"
	}
	mtime := time.Unix(int64(st.Mtime), 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("type: %s\nsize: %d\nmtime: %s\nmode: %04o", typeName, st.Size, mtime, st.Mode&0o7777)
}

// renderExec implements execute_command's stdout/[stderr]/[exit status]
// concatenation rule (spec.md §4.8, literal scenario 3).
func renderExec(res *relay.ExecResult) string {
	var b strings.Builder
	b.Write(res.Stdout)
	if len(res.Stderr) > 0 {
		b.WriteString("\n[stderr]\n")
		b.Write(res.Stderr)
	}
	if res.ExitCode != 0 {
		b.WriteString("\n[exit status: ")
		b.WriteString(strconv.Itoa(int(res.ExitCode)))
		b.WriteString("]")
	}
	return b.String()
}

func renderSearch(matches []relay.SearchMatch) string {
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("%s:%d:%s", m.Path, m.LineNo, m.Line))
	}
	return strings.Join(lines, "\n")
}

func renderFind(names []string) string {
	return strings.Join(names, "\n")
}
