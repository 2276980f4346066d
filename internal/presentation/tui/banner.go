package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the Parley banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"  ____            _", "#34d399"},
		{" |  _ \\ __ _ _ __| | ___ _   _", "#2dd4bf"},
		{" | |_) / _` | '__| |/ _ \\ | | |", "#22d3ee"},
		{" |  __/ (_| | |  | |  __/ |_| |", "#38bdf8"},
		{" |_|   \\__,_|_|  |_|\\___|\\__, |", "#60a5fa"},
		{"                         |___/", "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

// Status colors a check result the way the validate command prints it.
func Status(ok bool, text string) string {
	p := termenv.ColorProfile()
	if ok {
		return termenv.String(text).Foreground(p.Color("#34d399")).String()
	}
	return termenv.String(text).Foreground(p.Color("#f87171")).Bold().String()
}
