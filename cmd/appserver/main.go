// Command appserver boots the supervisor (spec 4.8): it loads the
// configuration document, builds one reactor per configured application,
// binds the configured HTTP service, and serves until interrupted.
//
// Grounded on the teacher's cmd/gateway/main.go flag-and-signal shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/miniapp-host/internal/config"
	"github.com/R3E-Network/miniapp-host/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code (spec 6, "Exit codes": "0 on clean
// shutdown, non-zero on bind failure, configuration parse failure, or
// unrecoverable backend error").
func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (or set CONFIG_FILE)")
	addr := flag.String("addr", "", "HTTP listen address (overrides the first Http service's listen field)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("appserver: configuration error: %v", err)
		return 1
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Printf("appserver: startup error: %v", err)
		return 1
	}

	listenAddr := *addr
	if listenAddr == "" {
		for _, svc := range cfg.Services {
			if svc.Listen != "" {
				listenAddr = svc.Listen
				break
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Serve(ctx, listenAddr); err != nil {
		log.Printf("appserver: serve error: %v", err)
		return 1
	}
	return 0
}
