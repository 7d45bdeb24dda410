package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/spf13/pflag"

	"runtimeloader.dev/internal/behavior"
	"runtimeloader.dev/internal/client"
	"runtimeloader.dev/internal/config"
	"runtimeloader.dev/internal/logging"
	"runtimeloader.dev/internal/persistence/indexdb"
	"runtimeloader.dev/internal/persistence/journal"
	"runtimeloader.dev/internal/persistence/objstore"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/scene"
)

func main() {
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	var (
		cfgPath    = fs.String("config", "", "path to client.yaml (optional)")
		url        = fs.String("url", "", "server websocket url")
		room       = fs.String("room", "", "room to join after every connect")
		strict     = fs.Bool("strict", false, "validate inbound frames against the embedded schemas")
		offline    = fs.Bool("offline-assets", false, "build asset nodes without downloading")
		journalDir = fs.String("journal", "", "directory for the frame journal (empty disables)")
		indexPath  = fs.String("index", "", "sqlite index path (empty disables)")
		logLevel   = fs.String("log-level", "", "trace|debug|info|warn|error")
		sendDet    = fs.Bool("show-send", false, "log outbound frame bodies")
		recvDet    = fs.Bool("show-receive", false, "log inbound frame bodies")
		poseHz     = fs.Int("head-pose-hz", 0, "send an identity HeadPose at this rate (0 disables)")
	)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if fs.Changed("url") {
		cfg.URL = *url
	}
	if fs.Changed("room") {
		cfg.Room = *room
	}
	if fs.Changed("strict") {
		cfg.StrictSchemas = *strict
	}
	if fs.Changed("offline-assets") {
		cfg.OfflineAssets = *offline
	}
	if fs.Changed("journal") {
		cfg.JournalDir = *journalDir
	}
	if fs.Changed("index") {
		cfg.IndexDB = *indexPath
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("show-send") {
		cfg.ShowSendDetails = *sendDet
	}
	if fs.Changed("show-receive") {
		cfg.ShowReceiveDetails = *recvDet
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log, "client")
	id := ksuid.New().String()

	opts := client.Options{
		Config:   cfg,
		Log:      logger,
		ClientID: id,
		Callbacks: client.Callbacks{
			OnCompiled: func(id string, res behavior.Result) {
				ev := logger.Info()
				if !res.OK() {
					ev = logger.Warn().Err(res.Err)
				}
				ev.Str("id", id).Str("behavior", res.Name).Stringer("stage", res.Stage).Msg("behavior compiled")
			},
			OnRoomError: func(op, reason string) {
				logger.Warn().Str("op", op).Str("reason", reason).Msg("room error")
			},
		},
	}
	if cfg.OfflineAssets {
		opts.Loader = scene.StubLoader{}
	}

	if cfg.JournalDir != "" {
		j := journal.NewFrameJournal(cfg.JournalDir, logger.With().Str("component", "journal").Logger())
		if cfg.Mirror.Enabled() {
			m, err := newMirror(cfg, id, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("mirror")
			}
			defer m.Close()
			j.OnFileClosed(m.Enqueue)
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn().Err(err).Msg("journal close")
			}
		}()
		opts.Recorder = j
	}
	if cfg.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.IndexDB).Msg("open index")
		}
		defer func() {
			st := idx.Stats()
			logger.Info().Uint64("dropped_entity", st.DropEntityTotal).Uint64("dropped_compile", st.DropCompileTotal).Msg("index closed")
			_ = idx.Close()
		}()
		opts.Index = idx
	}

	c, err := client.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *poseHz > 0 {
		go streamHeadPose(ctx, c, *poseHz, logger)
	}

	logger.Info().Str("url", cfg.URL).Str("client_id", c.ID()).Msg("starting")
	if err := c.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("run")
	}
	logStats(logger, c)
}

func newMirror(cfg config.Config, id string, log zerolog.Logger) (*objstore.Mirror, error) {
	oc, err := objstore.New(cfg.Mirror)
	if err != nil {
		return nil, err
	}
	return objstore.NewMirror(oc, objstore.MirrorOptions{
		BaseDir: cfg.JournalDir,
		Prefix:  path.Join(cfg.Mirror.Prefix, id),
	}, log.With().Str("component", "mirror").Logger()), nil
}

func streamHeadPose(ctx context.Context, c *client.Client, hz int, log zerolog.Logger) {
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()
	pose := protocol.Pose{Scale: protocol.UnitScale}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.SendHeadPose(ctx, pose); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("head pose not sent")
			}
		}
	}
}

func logStats(log zerolog.Logger, c *client.Client) {
	dropped, flushes := c.Audio().Stats()
	log.Info().Int("audio_dropped", dropped).Int("audio_flushes", flushes).Msg("stopped")
}
