package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BitOpenCode/MRKT/internal/config"
	"github.com/BitOpenCode/MRKT/internal/daemon"
	"github.com/BitOpenCode/MRKT/internal/mcpserver"
)

var Version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "", "path to drawd.yaml")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio instead of printing the banner")
	flag.Parse()

	// In MCP mode stdout carries the protocol, so logs go to stderr only.
	if *mcpMode {
		log.SetOutput(os.Stderr)
	} else {
		fmt.Printf(`
     _                         _
  __| |_ __ __ ___      ____ _| |
 / _`+"`"+` | '__/ _`+"`"+` \ \ /\ / / _`+"`"+` | |
| (_| | | | (_| |\ V  V / (_| |_|
 \__,_|_|  \__,_| \_/\_/ \__,_(_)

  provably-fair draw engine  v%s
`, Version)
	}

	// Resolve config path
	if *cfgPath == "" {
		home, _ := os.UserHomeDir()
		*cfgPath = filepath.Join(home, ".drawd", "drawd.yaml")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[main] Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("[main] Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatalf("[main] Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	log.Printf("[main] Data dir: %s", cfg.DataDir)

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("[main] Failed to create daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		log.Fatalf("[main] Failed to start daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mcpMode {
		srv := mcpserver.New(Version, d, d.Lottery())
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[main] MCP server stopped: %v", err)
		}
	} else {
		<-ctx.Done()
		log.Println("[main] Received signal, shutting down...")
	}

	d.Stop()
	log.Println("[main] Goodbye.")
}
