// Command cascata-sim serves a scripted cascade backend for local
// development and demos: the full HTTP contract (trigger, progress, report,
// stream, read models) backed by the simulator engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/run"

	"github.com/provana/cascata/internal/sim"
)

var (
	app   = kingpin.New("cascata-sim", "Scripted cascade backend for development.")
	addr  = app.Flag("addr", "Listen address.").Default(":8090").String()
	debug = app.Flag("debug", "Enable debug logging.").Bool()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	engine := sim.New(sim.WithLogger(logger))
	server := sim.NewServer(engine, sim.WithServerLogger(logger))

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		logger.Info("simulator listening", slog.String("addr", *addr))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		engine.Stop()
	})

	if err := g.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			logger.Error("simulator failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}
