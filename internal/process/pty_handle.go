package process

import "io"

// PtyHandle abstracts the platform pseudo-terminal: creack/pty on unix,
// ConPTY on windows.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error
}
