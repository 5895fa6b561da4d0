package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/httpapi"
	"github.com/MimeLyc/sizetrimmer/internal/media"
	"github.com/MimeLyc/sizetrimmer/internal/metrics"
	"github.com/MimeLyc/sizetrimmer/internal/persistence"
	"github.com/MimeLyc/sizetrimmer/internal/pipeline"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

const shutdownTimeout = 15 * time.Second

type lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to load .env: %v", err)
	}

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	level := log.ParseLevel(cfg.Log.Level)
	log.InitLogger(level)
	if cfg.Log.File != "" {
		fileLogger, err := log.NewFileLogger(cfg.Log.File, level)
		if err != nil {
			log.Fatal("Failed to open log file: %v", err)
		}
		defer fileLogger.Close()
		log.SetLogger(fileLogger.Logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	initial, settingsFault := loadSettings(cfg.System.SettingsFile)
	settings, err := config.NewSettingsStore(cfg.System.SettingsFile, initial)
	if err != nil {
		return err
	}

	encoder := media.NewEncoder(cfg.Engine.FFmpegPath, cfg.Engine.CancelGrace)
	if err := encoder.Available(); err != nil {
		log.Warn("Codec engine unavailable, conversions will fail until it is installed: %v", err)
	}

	coord, err := pipeline.NewCoordinator(pipeline.Deps{
		Settings:      settings,
		History:       store,
		JobStore:      store,
		Prober:        media.NewProber(cfg.Engine.FFprobePath),
		Encoder:       encoder,
		Metrics:       metrics.NewSystemProvider(cfg.Engine.NvidiaSMIPath),
		SettingsFault: settingsFault,
	})
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(coord, httpapi.WithUI(cfg.HTTP.UIStaticDir, cfg.HTTP.UIEnabled))
	return runWithComponents(ctx, cfg, coord, srv)
}

// loadSettings reads the settings file. A missing file is seeded with the
// defaults; a corrupt one yields the defaults plus a fault that halts
// admissions until the dashboard saves valid settings.
func loadSettings(path string) (config.Settings, error) {
	settings, err := config.LoadSettingsFile(path)
	switch {
	case err == nil:
		return settings, nil
	case errors.Is(err, fs.ErrNotExist):
		defaults := config.DefaultSettings()
		if werr := config.WriteSettingsFile(path, defaults); werr != nil {
			log.Warn("Failed to write default settings to %s: %v", path, werr)
		} else {
			log.Info("Wrote default settings to %s", path)
		}
		return defaults, nil
	case errors.Is(err, config.ErrCorruptSettings):
		log.Error("Settings file is corrupt, admissions are halted until settings are saved: %v", err)
		return config.DefaultSettings(), err
	default:
		log.Error("Failed to read settings from %s: %v", path, err)
		return config.DefaultSettings(), err
	}
}

func runWithComponents(ctx context.Context, cfg *config.Config, pipe lifecycle, srv httpServer) error {
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer pipe.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
