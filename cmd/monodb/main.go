// Command monodb starts a MonoDB server: a wire-protocol listener plus
// the scheduled maintenance loop, serving one data file. Flag handling
// follows agent-task's cmd/tk/main.go shape — parse flags, wire up a
// signal channel, run until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/monodb/monodb/internal/config"
	"github.com/monodb/monodb/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("monodb", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a YAML config file (optional)")
	dataDir := fs.String("data-dir", "", "overrides the config file's data directory")
	listenAddr := fs.StringP("listen", "l", "", "overrides the config file's listen address")
	wireEnabled := fs.Bool("wire", true, "serve the OP_MSG/OP_QUERY wire protocol")
	verbose := fs.BoolP("verbose", "v", false, "enable debug-level logging")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, "monodb:", err)
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, "monodb: load config:", err)
			return 1
		}
		cfg = *loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if fs.Changed("wire") {
		cfg.WireEnabled = *wireEnabled
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	srv, err := server.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "monodb: open database:", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "monodb: start server:", err)
		return 1
	}
	logger.Info("monodb started", "dataDir", cfg.DataDir, "listenAddr", cfg.ListenAddr, "wireEnabled", cfg.WireEnabled)

	<-ctx.Done()
	logger.Info("monodb shutting down")
	if err := srv.Stop(); err != nil {
		fmt.Fprintln(stderr, "monodb: shutdown:", err)
		return 1
	}
	return 0
}
