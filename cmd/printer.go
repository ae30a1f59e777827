// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the arflow subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"
)

// ConsolePrinter writes user-facing command output.
type ConsolePrinter struct {
	Out io.Writer
}

// Printer is where subcommands print. Tests swap Out.
var Printer = &ConsolePrinter{Out: os.Stdout}

func (p *ConsolePrinter) Printf(format string, args ...any) {
	fmt.Fprintf(p.Out, format, args...)
}

func (p *ConsolePrinter) Println(args ...any) {
	fmt.Fprintln(p.Out, args...)
}

func (p *ConsolePrinter) Fprintf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// Version is stamped at build time with -ldflags "-X grimm.is/arflow/cmd.Version=...".
var Version = "dev"

// RunVersion prints the build version.
func RunVersion() {
	Printer.Printf("arflow %s\n", Version)
}
