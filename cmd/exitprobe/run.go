package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/exitprobe/agent"
	"github.com/chazu/exitprobe/config"
	"github.com/chazu/exitprobe/report"
)

// handleRunCommand processes the `exitprobe run` subcommand. The process
// exits with the code carried by DONE.
func handleRunCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to probe.toml (default: search upward from the working directory)")
	reportAddr := fs.String("report-addr", "", "Controller address to stream reports to (default: stdout)")
	target := fs.String("target", "", "Override the target method, e.g. 'acme.bank.Account.deposit:(1)'")
	dumpDir := fs.String("dump-dir", "", "Override the diagnostics dump directory")
	configureLog := logFlags(fs)
	fs.Parse(args)
	configureLog()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *target != "" {
		cfg.Target.Method = *target
	}
	if *dumpDir != "" {
		cfg.Diagnostics.DumpDir = *dumpDir
	}

	a, err := agent.New(cfg)
	if err != nil {
		fatalf("%v", err)
	}

	var w io.Writer = os.Stdout
	var conn net.Conn
	if *reportAddr != "" {
		if conn, err = net.Dial("tcp", *reportAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot reach controller: %v\n", err)
			os.Exit(int(report.ExitReportFailure))
		}
		w = conn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := a.Run(ctx, w)
	stop()
	if conn != nil {
		conn.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(int(code))
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
