package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"runtimeloader.dev/internal/logging"
	"runtimeloader.dev/internal/mockserver"
)

func main() {
	fs := pflag.NewFlagSet("mockserver", pflag.ExitOnError)
	var (
		addr     = fs.String("addr", ":8080", "http listen address")
		ping     = fs.Duration("ping", 5*time.Second, "ping interval (0 disables)")
		poses    = fs.Duration("poses", 0, "UpdateEntity stream interval (0 disables)")
		spawn    = fs.Bool("spawn-on-join", true, "send a rotating program object after every join")
		assetURL = fs.String("asset-url", "", "glTF url sent to clients (default: served by this process)")
		logLevel = fs.String("log-level", "info", "trace|debug|info|warn|error")
		logJSON  = fs.Bool("log-json", false, "write JSON log lines")
	)
	_ = fs.Parse(os.Args[1:])

	lc := logging.Config{Level: *logLevel, Format: "console"}
	if *logJSON {
		lc.Format = "json"
	}
	logger := logging.New(lc, "mockserver")

	s := mockserver.New(mockserver.Config{
		PingInterval: *ping,
		PoseInterval: *poses,
		SpawnOnJoin:  *spawn,
		AssetURL:     *assetURL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go s.Run(ctx)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}
}
