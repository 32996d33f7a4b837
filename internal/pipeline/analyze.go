// Package pipeline runs the frame-by-frame analysis and render passes of a job.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/detector"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/mask"
	"github.com/andresmejia3/sentinel-blur/internal/media"
	"github.com/andresmejia3/sentinel-blur/internal/metrics"
	"github.com/andresmejia3/sentinel-blur/internal/tracing"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultProgressInterval bounds how often a pipeline writes progress.
const DefaultProgressInterval = 250 * time.Millisecond

// Analyzer detects faces in every frame of a video and stores them as the job's masks.
type Analyzer struct {
	Registry *job.Registry
	Masks    *mask.Store
	Source   media.Source
	Detector detector.FaceDetector
	// Workers is the number of frames detected concurrently.
	Workers          int
	ProgressInterval time.Duration
	Log              *zap.Logger
	Tracer           trace.Tracer
}

type detection struct {
	index   int
	regions []types.Region
}

// Run analyzes the job's video at ref. The job must already be in the analyzing
// status. Success moves it to analyzed; any failure moves it to error and is
// also returned.
func (a *Analyzer) Run(ctx context.Context, id, ref string) error {
	log := a.logger().With(zap.String("job_id", id), zap.String("phase", string(job.PhaseAnalysis)))
	ctx, span := a.tracer().Start(ctx, "pipeline.analyze", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	metrics.ActivePipelines.WithLabelValues(metrics.PhaseAnalysis).Inc()
	defer metrics.ActivePipelines.WithLabelValues(metrics.PhaseAnalysis).Dec()
	start := time.Now()

	frames, err := a.analyze(ctx, id, ref, log)
	if err == nil {
		err = a.Registry.AdvancePhase(id, job.StatusAnalyzed, "Analysis complete")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.PipelineDuration.WithLabelValues(metrics.PhaseAnalysis, metrics.OutcomeFailure).Observe(time.Since(start).Seconds())

		if derr := a.Masks.Discard(context.WithoutCancel(ctx), id); derr != nil {
			log.Warn("failed to discard partial masks", zap.Error(derr))
		}
		if ferr := a.Registry.Fail(id, err); ferr != nil {
			log.Error("failed to record analysis failure", zap.Error(ferr))
		}
		log.Warn("analysis failed", zap.Error(err))
		return err
	}

	span.SetAttributes(attribute.Int("frames", frames))
	metrics.PipelineDuration.WithLabelValues(metrics.PhaseAnalysis, metrics.OutcomeSuccess).Observe(time.Since(start).Seconds())
	log.Info("analysis complete", zap.Int("frames", frames), zap.Duration("took", time.Since(start)))
	return nil
}

func (a *Analyzer) analyze(ctx context.Context, id, ref string, log *zap.Logger) (int, error) {
	j, err := a.Registry.Get(id)
	if err != nil {
		return 0, err
	}
	info := j.Info
	workers := max(a.Workers, 1)

	a.Masks.Begin(id)

	reader, err := a.Source.Open(ctx, ref, info)
	if err != nil {
		return 0, &Error{Phase: job.PhaseAnalysis, Frame: -1, Kind: job.ErrDecode, Err: err}
	}
	defer reader.Close()

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan types.FrameTask, workers)
	results := make(chan detection, workers*2)

	// Stage 1: decode
	decoded := 0
	g.Go(func() error {
		defer close(tasks)
		for idx := 0; ; idx++ {
			frame, err := reader.Next()
			if errors.Is(err, io.EOF) {
				decoded = idx
				return nil
			}
			if err != nil {
				return &Error{Phase: job.PhaseAnalysis, Frame: idx, Kind: job.ErrDecode, Err: err}
			}
			select {
			case tasks <- types.FrameTask{Index: idx, Image: frame}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Stage 2: detect
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for task := range tasks {
				regions, err := a.Detector.Detect(gctx, task.Image)
				if err != nil {
					return &Error{Phase: job.PhaseAnalysis, Frame: task.Index, Kind: job.ErrDetection, Err: err}
				}
				select {
				case results <- detection{index: task.Index, regions: regions}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	// Stage 3: collect in frame order
	progress := newProgressReporter(a.Registry, id, "Analyzing", info.TotalFrames, a.interval())
	buffer := newReorderBuffer[[]types.Region]()
	g.Go(func() error {
		for res := range results {
			err := buffer.push(res.index, res.regions, func(idx int, regions []types.Region) error {
				if err := a.Masks.Append(id, idx, regions); err != nil {
					return err
				}
				metrics.FramesProcessedTotal.WithLabelValues(metrics.PhaseAnalysis).Inc()
				metrics.FacesDetectedTotal.Add(float64(len(regions)))
				if len(regions) > 0 {
					log.Debug("faces detected", zap.Int("frame", idx), zap.Int("faces", len(regions)))
				}
				progress.frameDone(idx + 1)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := buffer.gap(); err != nil {
			return &Error{Phase: job.PhaseAnalysis, Frame: buffer.released(), Kind: job.ErrDecode, Err: err}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return buffer.released(), err
	}
	if decoded == 0 {
		return 0, &Error{Phase: job.PhaseAnalysis, Frame: 0, Kind: job.ErrDecode, Err: errors.New("no frames decoded")}
	}

	if decoded != info.TotalFrames {
		log.Info("frame count differs from probe", zap.Int("probed", info.TotalFrames), zap.Int("decoded", decoded))
		if err := a.Registry.SetTotalFrames(id, decoded); err != nil {
			return decoded, err
		}
	}
	if err := a.Masks.Seal(ctx, id, decoded); err != nil {
		return decoded, err
	}
	return decoded, nil
}

func (a *Analyzer) interval() time.Duration {
	if a.ProgressInterval > 0 {
		return a.ProgressInterval
	}
	return DefaultProgressInterval
}

func (a *Analyzer) logger() *zap.Logger {
	if a.Log != nil {
		return a.Log
	}
	return zap.NewNop()
}

func (a *Analyzer) tracer() trace.Tracer {
	if a.Tracer != nil {
		return a.Tracer
	}
	return tracing.Tracer()
}
