// exitprobe - the agent CLI: runs tests against instrumented units and
// works with unit files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: exitprobe <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run    Run the configured tests and stream snapshots to the controller\n")
	fmt.Fprintf(os.Stderr, "  asm    Assemble unit source files into .unit containers\n")
	fmt.Fprintf(os.Stderr, "  dis    Disassemble .unit containers (and .unit.zst dumps)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  exitprobe run -config probe.toml                 # report to stdout\n")
	fmt.Fprintf(os.Stderr, "  exitprobe run -report-addr 127.0.0.1:9000        # report over TCP\n")
	fmt.Fprintf(os.Stderr, "  exitprobe run -target 'acme.bank.Account.deposit:(1)'\n")
	fmt.Fprintf(os.Stderr, "  exitprobe asm -dir units src/*.uasm\n")
	fmt.Fprintf(os.Stderr, "  exitprobe dis dump/acme%%2Fbank%%2FAccount.unit.zst\n")
}

// logFlags registers the logging flags shared by every command.
func logFlags(fs *flag.FlagSet) func() {
	verbose := fs.Int("v", 0, "Log verbosity (0 = errors only, 1 = info, 2 = debug)")
	logFile := fs.String("log", "", "Write logs to this file instead of stderr")
	return func() {
		var path *string
		if *logFile != "" {
			path = logFile
		}
		commonlog.Configure(*verbose, path)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		handleRunCommand(args)
	case "asm":
		handleAsmCommand(args)
	case "dis":
		handleDisCommand(args)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}
