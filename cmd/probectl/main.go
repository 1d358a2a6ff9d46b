// probectl - launches the exitprobe agent, collects its report stream and
// keeps the results in a SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/exitprobe/config"
	"github.com/chazu/exitprobe/controller"
	"github.com/chazu/exitprobe/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: probectl [options] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run          Launch the agent and record the run (default)\n")
	fmt.Fprintf(os.Stderr, "  collect      Record a report stream read from stdin\n")
	fmt.Fprintf(os.Stderr, "  list         List recorded runs, newest first\n")
	fmt.Fprintf(os.Stderr, "  show <id>    Show one run with its tests and snapshots\n")
	fmt.Fprintf(os.Stderr, "  delete <id>  Delete a run\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  probectl -config probe.toml run\n")
	fmt.Fprintf(os.Stderr, "  exitprobe run | probectl collect\n")
	fmt.Fprintf(os.Stderr, "  probectl -n 5 list\n")
}

func main() {
	configPath := flag.String("config", "", "Path to probe.toml (default: search upward from the working directory)")
	agentCmd := flag.String("agent", "exitprobe run", "Agent command line; the report address flag is appended")
	storePath := flag.String("store", "", "Override the result database path")
	limit := flag.Int("n", 20, "Number of runs to list")
	verbose := flag.Int("v", 0, "Log verbosity (0 = errors only, 1 = info, 2 = debug)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	flag.Usage = usage
	flag.Parse()

	var logPath *string
	if *logFile != "" {
		logPath = logFile
	}
	commonlog.Configure(*verbose, logPath)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		argv := strings.Fields(*agentCmd)
		if *configPath != "" {
			argv = append(argv, "-config", *configPath)
		}
		rec, err := controller.New(cfg, argv, controller.WithStore(st)).Run(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		printRun(os.Stdout, rec, false)
		if rec.Status != store.StatusComplete {
			os.Exit(1)
		}
	case "collect":
		rec, err := controller.New(cfg, nil, controller.WithStore(st)).Collect(ctx, os.Stdin)
		if err != nil {
			fatalf("%v", err)
		}
		printRun(os.Stdout, rec, false)
		if rec.Status != store.StatusComplete {
			os.Exit(1)
		}
	case "list":
		runs, err := st.Runs(ctx, *limit)
		if err != nil {
			fatalf("%v", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tCODE\tTESTS\tSNAPSHOTS\tTARGET")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				r.ID, r.Started.Format("2006-01-02 15:04:05"), r.Status, r.Code, r.Tests, r.Snapshots, r.Target)
		}
		tw.Flush()
	case "show", "delete":
		if len(args) != 1 {
			fatalf("%s needs a run id", cmd)
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			fatalf("bad run id %q: %v", args[0], err)
		}
		if cmd == "delete" {
			if err := st.DeleteRun(ctx, id); err != nil {
				fatalf("%v", err)
			}
			return
		}
		rec, err := st.Run(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		printRun(os.Stdout, rec, true)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func printRun(w io.Writer, rec *store.Run, snapshots bool) {
	fmt.Fprintf(w, "run %s: %s (code %s)\n", rec.ID, rec.Status, rec.Code)
	if rec.Target != "" {
		fmt.Fprintf(w, "  target %s\n", rec.Target)
	}
	if rec.Detail != "" {
		fmt.Fprintf(w, "  %s\n", rec.Detail)
	}
	for _, t := range rec.Tests {
		fmt.Fprintf(w, "  %s: %d snapshots\n", t.Name, len(t.Snapshots))
		if !snapshots {
			continue
		}
		for _, s := range t.Snapshots {
			fmt.Fprintf(w, "    site %d %s value=%s receiver=%s\n", s.Site, s.Kind, s.Value, s.Receiver)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
