package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner shows progress on an interactive terminal and degrades to plain
// lines otherwise.
type Spinner struct {
	sp *spinner.Spinner
	w  io.Writer
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// NewSpinner starts a spinner with message on stderr. Without a terminal,
// or in verbose mode where logs would interleave, it prints the message
// once instead.
func NewSpinner(message string) *Spinner {
	s := &Spinner{w: os.Stderr}
	if !IsTerminal(os.Stderr) || IsVerbose() {
		fmt.Fprintf(s.w, "%s\n", message)
		return s
	}
	// Use dots spinner style (CharSet 14)
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the message.
func (s *Spinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

// Success stops the spinner and prints a success message
func (s *Spinner) Success(message string) {
	s.stop()
	fmt.Fprintf(s.w, "  %s %s\n", color.GreenString("✓"), message)
}

// Fail stops the spinner and prints an error message
func (s *Spinner) Fail(message string) {
	s.stop()
	fmt.Fprintf(s.w, "  %s %s\n", color.RedString("✗"), message)
}

func (s *Spinner) stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.w, "\r\033[K") // Clear the line
	}
}
