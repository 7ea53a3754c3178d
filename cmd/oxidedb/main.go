// Command oxidedb is the server's bootstrap entry point: a single binary
// accepting a configuration path, per spec.md §6.5.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oxidedb/oxidedb/internal/config"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/dispatch"
	"github.com/oxidedb/oxidedb/internal/log"
	"github.com/oxidedb/oxidedb/internal/server"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/shadow"
	"github.com/oxidedb/oxidedb/internal/storage"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on normal shutdown, non-zero on bind
// or fatal bootstrap failure (spec.md §6.5).
func run() int {
	logger := log.Named("bootstrap")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: oxidedb <config-path>")
		return 1
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		logger.Errorw("config load failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facade, err := storage.NewPGFacade(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Errorw("storage bootstrap failed", "err", err)
		return 1
	}

	cursors := cursor.NewRegistry()
	sessions := session.NewRegistry()

	var shadowFwd *shadow.Forwarder
	if cfg.Shadow.Enabled {
		shadowFwd, err = shadow.Dial(ctx, cfg.Shadow)
		if err != nil {
			logger.Errorw("shadow dial failed", "err", err)
			return 1
		}
		defer shadowFwd.Close(context.Background())
	}

	disp := dispatch.New(facade, cursors, sessions)
	srv := server.New(disp, cursors, sessions, shadowFwd)
	srv.StartSweepers(cfg)
	defer srv.StopSweepers()

	logger.Infow("oxidedb starting", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Errorw("server exited with error", "err", err)
		return 1
	}

	logger.Infow("oxidedb shut down")
	return 0
}
