package relay

import (
	"os"

	"golang.org/x/term"
)

// defaultSize returns the relay process's own controlling terminal size,
// used to seed a PTY before the remote client's first TERM_RESIZE arrives.
// Falls back to 24x80 when stdout isn't a terminal (the common case when
// the relay runs as a daemon).
func defaultSize() (rows, cols uint16) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return 24, 80
	}
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 24, 80
	}
	return uint16(h), uint16(w)
}
