package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/exitprobe/instrument"
	"github.com/chazu/exitprobe/unit"
)

// handleAsmCommand processes the `exitprobe asm` subcommand.
// Usage:
//
//	exitprobe asm -dir units a.uasm b.uasm   # units/<name>.unit per input
//	exitprobe asm -o out.unit a.uasm         # single input, explicit output
func handleAsmCommand(args []string) {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	outDir := fs.String("dir", "units", "Directory to write <unit name>.unit files into")
	output := fs.String("o", "", "Output file (single input only)")
	verbose := fs.Bool("verbose", false, "Print each unit written")
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		fatalf("asm needs at least one source file")
	}
	if *output != "" && len(inputs) != 1 {
		fatalf("-o requires exactly one input")
	}

	for _, in := range inputs {
		src, err := os.ReadFile(in)
		if err != nil {
			fatalf("%v", err)
		}
		u, err := unit.Assemble(string(src))
		if err != nil {
			fatalf("%s: %v", in, err)
		}
		data, err := unit.Encode(u)
		if err != nil {
			fatalf("%s: %v", in, err)
		}

		path := *output
		if path == "" {
			path = filepath.Join(*outDir, filepath.FromSlash(u.Name)+unit.FileExt)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fatalf("%v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fatalf("%v", err)
		}
		if *verbose {
			fmt.Printf("%s -> %s (%d methods, %d bytes)\n", in, path, len(u.Methods), len(data))
		}
	}
}

// handleDisCommand processes the `exitprobe dis` subcommand.
func handleDisCommand(args []string) {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	method := fs.String("m", "", "Only show the method with this signature, e.g. 'deposit:(1)'")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fatalf("dis needs at least one .unit file")
	}
	for i, path := range fs.Args() {
		data, err := instrument.ReadDump(path)
		if err != nil {
			fatalf("%v", err)
		}
		u, err := unit.Parse(data)
		if err != nil {
			fatalf("%s: %v", path, err)
		}
		if i > 0 {
			fmt.Println()
		}
		if err := writeListing(os.Stdout, u, *method); err != nil {
			fatalf("%s: %v", path, err)
		}
	}
}

func writeListing(w io.Writer, u *unit.Unit, only string) error {
	fmt.Fprintf(w, "unit %s\n", u.Name)
	if u.Super != "" {
		fmt.Fprintf(w, "super %s\n", u.Super)
	}
	if len(u.Ivars) > 0 {
		fmt.Fprintf(w, "ivars %s\n", strings.Join(u.Ivars, " "))
	}

	shown := 0
	for _, m := range u.Methods {
		if only != "" && m.Signature() != only {
			continue
		}
		shown++
		fmt.Fprintf(w, "\nmethod %s  temps=%d max-stack=%d\n", m.Signature(), m.NumTemps, m.MaxStack)
		if dis := m.Disassemble(u.Literals); dis != "" {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(dis, "\n", "\n  "))
		}
		for _, h := range m.Handlers {
			class := "any"
			if h.Class != unit.AnyClass {
				class, _ = u.StringAt(int(h.Class))
			}
			fmt.Fprintf(w, "  handler [%04d, %04d) -> %04d %s\n", h.Start, h.End, h.Target, class)
		}
		for _, f := range m.Frames {
			fmt.Fprintf(w, "  frame %04d depth=%d\n", f.Offset, f.Depth)
		}
		for _, l := range m.Lines {
			fmt.Fprintf(w, "  line %04d %d\n", l.Offset, l.Line)
		}
	}
	if only != "" && shown == 0 {
		return fmt.Errorf("no method %s", only)
	}
	return nil
}
