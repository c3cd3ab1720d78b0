package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/raterudder/energybill/pkg/coordinator"
	"github.com/raterudder/energybill/pkg/leneda"
	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/mqtt"
	"github.com/raterudder/energybill/pkg/sensor"
	"github.com/raterudder/energybill/pkg/server"
	"github.com/raterudder/energybill/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	l := leneda.Configured()
	hass := sensor.Configured()
	pub := mqtt.Configured()
	c := coordinator.Configured(s, leneda.NewAggregator(l), hass, pub)

	// init server
	srv := server.Configured(s, c, l)

	logFormat := lflag.String("log-format", "json", "Log output format (json or text)")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	handler, err := log.NewHandler(os.Stdout, *logFormat)
	if err != nil {
		panic(err)
	}
	log.SetDefault(slog.New(handler))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if !l.HasCredentials() {
		log.Ctx(ctx).WarnContext(ctx, "leneda credentials not set, metering endpoints will return 401")
	}

	// publishing is best effort, the dashboard works without a broker
	if err := pub.Connect(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to connect to mqtt broker", slog.Any("error", err))
	}
	defer pub.Close()

	if err := c.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start coordinator", slog.Any("error", err))
		os.Exit(1)
	}
	defer c.Stop()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
