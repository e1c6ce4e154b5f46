package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/config"
	"github.com/Sanaapathann/webrtc-vlm/detections"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type AppState struct {
	Config   *config.Config
	Detector Detector
	Pool     *ModelSessionPool
	Logger   *zap.Logger

	started time.Time
	stats   *requestStats
	now     func() time.Time
}

func newAppState(cfg *config.Config, detector Detector, pool *ModelSessionPool, logger *zap.Logger) *AppState {
	return &AppState{
		Config:   cfg,
		Detector: detector,
		Pool:     pool,
		Logger:   logger,
		started:  time.Now(),
		stats:    &requestStats{},
		now:      time.Now,
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	app := &cli.App{
		Name:  "frame-infer",
		Usage: "serve object detection for uploaded video frames",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides ADDR",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "ONNX model path, overrides MODEL_PATH",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "development logging with per-request timings",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("model") {
		cfg.ModelPath = c.String("model")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	return cfg, cfg.Validate()
}

func loadLabels(cfg *config.Config) (detections.Labels, error) {
	if cfg.LabelsPath == "" {
		return detections.DefaultLabels(), nil
	}
	return detections.LoadLabels(cfg.LabelsPath)
}

func run(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	labels, err := loadLabels(cfg)
	if err != nil {
		return err
	}
	if err := checkModelFile(cfg.ModelPath); err != nil {
		return err
	}

	if cfg.Backend == detections.BackendONNXRuntime {
		destroyEnv, initErr := initRuntime(cfg.LibraryPath)
		if initErr != nil {
			return initErr
		}
		defer func() { err = multierr.Append(err, destroyEnv()) }()
	}

	sessionCfg := detections.SessionConfig{
		ModelPath:      cfg.ModelPath,
		InputName:      cfg.InputName,
		OutputName:     cfg.OutputName,
		InputSize:      cfg.InputSize,
		NumClasses:     len(labels),
		IntraOpThreads: cfg.IntraOpThreads,
	}
	pool, err := NewModelSessionPool(func() (detections.Session, error) {
		return detections.NewSession(cfg.Backend, sessionCfg)
	}, cfg.PoolSize, cfg.AcquireTimeout.Std())
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer func() { err = multierr.Append(err, pool.Destroy()) }()

	detector := NewPoolDetector(pool, labels, detections.Options{
		InputSize: cfg.InputSize,
		Decode: detections.DecodeOptions{
			NumClasses:    len(labels),
			ConfThreshold: float32(cfg.ConfThreshold),
			IoUThreshold:  float32(cfg.IoUThreshold),
			MaxDetections: cfg.MaxDetections,
		},
	})
	state := newAppState(cfg, detector, pool, logger.Named("server"))

	srv := &http.Server{
		Handler:           newRouter(state),
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	logger.Info("starting server",
		zap.String("addr", srv.Addr),
		zap.String("backend", cfg.Backend),
		zap.String("model", cfg.ModelPath),
		zap.Int("input_size", cfg.InputSize),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("labels", len(labels)),
		zap.String("response_format", cfg.ResponseFormat),
		zap.Strings("cpu_features", detections.CPUFeatures()),
	)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
