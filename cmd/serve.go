package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/api"
	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/events"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/mask"
	"github.com/andresmejia3/sentinel-blur/internal/notify"
	"github.com/andresmejia3/sentinel-blur/internal/objectstore"
	"github.com/andresmejia3/sentinel-blur/internal/store"
	"github.com/andresmejia3/sentinel-blur/internal/tracing"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr      string
	serveSynthetic bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for uploading, analyzing and blurring videos",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: $HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveSynthetic, "synthetic", false, "Use generated frames instead of ffmpeg and python (for demos)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log := appLog
	if serveAddr != "" {
		cfg.HTTPAddr = serveAddr
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Tracing is optional; a broken collector must not stop the service.
	shutdownTracing, err := tracing.Init(ctx, cfg.OTelEndpoint, "sentinel-blur")
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	var (
		db       *store.Store
		backend  mask.Backend
		recorder *store.Recorder
	)
	if cfg.DatabaseURL != "" {
		db, err = openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		backend = db
		recorder = store.NewRecorder(db, log)
	} else {
		log.Warn("no database configured, jobs will not survive a restart")
	}

	publishers, closePublishers := connectPublishers(log)
	defer closePublishers()

	// Background writers outlive ctx so the last job changes still get out.
	// They stop after the pipelines and before the database closes.
	bg, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var background sync.WaitGroup
	defer func() {
		stopBackground()
		background.Wait()
	}()

	opts := optionsFromConfig()
	opts.Synthetic = serveSynthetic
	// Detector processes must survive ctx until running pipelines have drained.
	e, err := newEngine(context.WithoutCancel(ctx), opts, backend, log)
	if err != nil {
		return err
	}
	defer e.Close()
	registry := e.registry

	if db != nil {
		if err := restoreJobs(ctx, db, registry, recorder, log); err != nil {
			return err
		}
		registry.Observe(recorder)
		background.Add(1)
		go func() {
			defer background.Done()
			recorder.Run(bg)
		}()
	}

	bus := events.NewBus(cfg.EventBuffer)
	registry.Observe(bus)

	if len(publishers) > 0 {
		notifier := notify.NewNotifier(log, publishers...)
		registry.Observe(notifier)
		background.Add(1)
		go func() {
			defer background.Done()
			notifier.Run(bg)
		}()
	}

	ctrlOpts := controller.Options{
		Registry:           registry,
		Masks:              e.masks,
		Analyzer:           e.analyzer,
		Renderer:           e.renderer,
		Prober:             controller.ProbeFunc(utils.ProbeVideo),
		DataDir:            cfg.DataDir,
		DetectionThreshold: cfg.DetectionThreshold,
		FaceMargin:         cfg.FaceMargin,
		Log:                log,
	}
	if serveSynthetic {
		ctrlOpts.Prober = controller.ProbeFunc(func(ctx context.Context, path string) (types.VideoInfo, error) {
			return e.probe(ctx, Options{Synthetic: true, InputPath: path})
		})
	}
	ctrlOpts.Forgetters = []controller.Forgetter{bus}
	if recorder != nil {
		ctrlOpts.Forgetters = append(ctrlOpts.Forgetters, recorder)
	}
	if cfg.MinIOEndpoint != "" {
		storage, err := connectObjectStore(ctx)
		if err != nil {
			return err
		}
		e.renderer.Publisher = storage
		ctrlOpts.Linker = storage
		ctrlOpts.Artifacts = storage
		log.Info("publishing renders to object storage", zap.String("endpoint", cfg.MinIOEndpoint), zap.String("bucket", cfg.MinIOBucket))
	}

	ctrl := controller.New(ctrlOpts)
	go ctrl.RunJanitor(ctx, cfg.SweepInterval, cfg.JobTTL)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Options{
			Jobs:           ctrl,
			Events:         bus,
			Log:            log,
			MaxUploadBytes: cfg.MaxUploadBytes(),
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	ctrl.Shutdown(shutdownCtx)
	log.Info("stopped")
	return nil
}

// restoreJobs loads persisted jobs. Jobs interrupted mid-pipeline come back
// failed and are written back in that state.
func restoreJobs(ctx context.Context, db *store.Store, registry *job.Registry, recorder *store.Recorder, log *zap.Logger) error {
	jobs, err := db.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}
	registry.Restore(jobs)

	interrupted := 0
	for _, j := range registry.List() {
		if j.Status == job.StatusError && j.Error == job.InterruptedError {
			recorder.JobChanged(job.Job{}, j)
			interrupted++
		}
	}
	recorder.Flush(ctx)
	log.Info("jobs restored", zap.Int("count", len(jobs)), zap.Int("interrupted", interrupted))
	return nil
}

func connectPublishers(log *zap.Logger) ([]notify.Publisher, func()) {
	var (
		publishers []notify.Publisher
		closers    []func()
	)
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn("nats unavailable, status notifications disabled", zap.Error(err))
		} else {
			publishers = append(publishers, nc)
			closers = append(closers, nc.Close)
		}
	}
	if cfg.RabbitMQURL != "" {
		mq, err := notify.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			log.Warn("rabbitmq unavailable, status notifications disabled", zap.Error(err))
		} else {
			publishers = append(publishers, mq)
			closers = append(closers, func() { _ = mq.Close() })
		}
	}
	return publishers, func() {
		for _, c := range closers {
			c()
		}
	}
}

func connectObjectStore(ctx context.Context) (*objectstore.Storage, error) {
	storage, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
		Region:    cfg.MinIORegion,
		URLExpiry: cfg.MinIOURLExpiry,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.MinIOBucket, err)
	}
	return storage, nil
}
