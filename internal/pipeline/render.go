package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/blur"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/media"
	"github.com/andresmejia3/sentinel-blur/internal/metrics"
	"github.com/andresmejia3/sentinel-blur/internal/tracing"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PhasePreview labels preview failures. Previews are not a job phase.
const PhasePreview job.Phase = "preview"

// Publisher copies a finished render somewhere clients can fetch it and returns its key.
type Publisher interface {
	Publish(ctx context.Context, videoID, path string) (string, error)
}

// Request carries the per-invocation render parameters.
type Request struct {
	Masks        types.Masks
	BlurStrength int
	// PreviewSeconds bounds a preview render. Ignored by Process.
	PreviewSeconds float64
}

// Renderer blurs masked regions of every frame and encodes the result.
type Renderer struct {
	Registry *job.Registry
	Source   media.Source
	Sink     media.Sink
	Style    blur.Style
	// Workers is the number of frames blurred concurrently.
	Workers int
	// PreviewMaxWidth downscales wider previews, keeping the aspect ratio. Zero disables.
	PreviewMaxWidth  int
	ProgressInterval time.Duration
	// Publisher is optional. When set, full renders are published after encoding.
	Publisher Publisher
	Log       *zap.Logger
	Tracer    trace.Tracer
}

type renderPlan struct {
	phase    job.Phase
	info     types.VideoInfo
	srcRef   string
	outRef   string
	masks    types.Masks
	strength int
	// limit is the number of frames to render; negative renders until the source ends.
	limit   int
	outSize image.Point
	onFrame func(done int)
}

type renderedFrame struct {
	index int
	frame *image.RGBA
}

// Preview renders the first req.PreviewSeconds of the video to outRef and
// returns the number of frames written. It never touches the job's status or
// progress; the caller owns the per-id lease.
func (r *Renderer) Preview(ctx context.Context, id, srcRef, outRef string, req Request) (int, error) {
	log := r.logger().With(zap.String("job_id", id), zap.String("phase", metrics.PhasePreview))
	ctx, span := r.tracer().Start(ctx, "pipeline.preview", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()
	start := time.Now()

	j, err := r.Registry.Get(id)
	if err != nil {
		return 0, err
	}
	limit := j.Info.FramesFor(req.PreviewSeconds)
	if limit <= 0 {
		return 0, fmt.Errorf("%w: preview of %.1fs covers no frames", job.ErrValidation, req.PreviewSeconds)
	}

	n, err := r.render(ctx, renderPlan{
		phase:    PhasePreview,
		info:     j.Info,
		srcRef:   srcRef,
		outRef:   outRef,
		masks:    req.Masks,
		strength: req.BlurStrength,
		limit:    limit,
		outSize:  PreviewSize(j.Info.Width, j.Info.Height, r.PreviewMaxWidth),
		onFrame: func(int) {
			metrics.FramesProcessedTotal.WithLabelValues(metrics.PhasePreview).Inc()
		},
	})
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("preview failed", zap.Error(err))
	} else {
		log.Info("preview rendered", zap.Int("frames", n), zap.Duration("took", time.Since(start)))
	}
	metrics.PipelineDuration.WithLabelValues(metrics.PhasePreview, outcome).Observe(time.Since(start).Seconds())
	return n, err
}

// Process renders every frame to outRef and returns how many frames were
// written. The job must already be in the processing status. Success moves it
// to completed; any failure moves it to error and is also returned.
func (r *Renderer) Process(ctx context.Context, id, srcRef, outRef string, req Request) (int, error) {
	log := r.logger().With(zap.String("job_id", id), zap.String("phase", string(job.PhaseProcessing)))
	ctx, span := r.tracer().Start(ctx, "pipeline.process", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	metrics.ActivePipelines.WithLabelValues(metrics.PhaseProcessing).Inc()
	defer metrics.ActivePipelines.WithLabelValues(metrics.PhaseProcessing).Dec()
	start := time.Now()

	n, err := r.process(ctx, id, srcRef, outRef, req)
	if err == nil {
		err = r.Registry.AdvancePhase(id, job.StatusCompleted, "Processing complete")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.PipelineDuration.WithLabelValues(metrics.PhaseProcessing, metrics.OutcomeFailure).Observe(time.Since(start).Seconds())
		if ferr := r.Registry.Fail(id, err); ferr != nil {
			log.Error("failed to record processing failure", zap.Error(ferr))
		}
		log.Warn("processing failed", zap.Error(err))
		return n, err
	}

	span.SetAttributes(attribute.Int("frames", n))
	metrics.PipelineDuration.WithLabelValues(metrics.PhaseProcessing, metrics.OutcomeSuccess).Observe(time.Since(start).Seconds())
	log.Info("processing complete", zap.Int("frames", n), zap.Duration("took", time.Since(start)))
	return n, nil
}

func (r *Renderer) process(ctx context.Context, id, srcRef, outRef string, req Request) (int, error) {
	j, err := r.Registry.Get(id)
	if err != nil {
		return 0, err
	}
	progress := newProgressReporter(r.Registry, id, "Rendering", j.Info.TotalFrames, r.interval())

	n, err := r.render(ctx, renderPlan{
		phase:    job.PhaseProcessing,
		info:     j.Info,
		srcRef:   srcRef,
		outRef:   outRef,
		masks:    req.Masks,
		strength: req.BlurStrength,
		limit:    -1,
		outSize:  image.Pt(j.Info.Width, j.Info.Height),
		onFrame: func(done int) {
			metrics.FramesProcessedTotal.WithLabelValues(metrics.PhaseProcessing).Inc()
			progress.frameDone(done)
		},
	})
	if err != nil {
		return n, err
	}

	if r.Publisher != nil {
		key, err := r.Publisher.Publish(ctx, id, outRef)
		if err != nil {
			return n, &Error{Phase: job.PhaseProcessing, Frame: -1, Kind: job.ErrPublish, Err: err}
		}
		if err := r.Registry.SetArtifact(id, key); err != nil {
			return n, err
		}
	}
	return n, nil
}

// render streams frames from the source through the blur operator into the
// sink. Frames reach the sink strictly in index order.
func (r *Renderer) render(ctx context.Context, p renderPlan) (int, error) {
	workers := max(r.Workers, 1)
	op := blur.Operator{Style: r.Style, Strength: p.strength}
	scale := p.outSize != image.Pt(p.info.Width, p.info.Height)

	reader, err := r.Source.Open(ctx, p.srcRef, p.info)
	if err != nil {
		return 0, &Error{Phase: p.phase, Frame: -1, Kind: job.ErrDecode, Err: err}
	}
	defer reader.Close()

	writer, err := r.Sink.Create(ctx, p.outRef, media.OutputSpec{Width: p.outSize.X, Height: p.outSize.Y, FPS: p.info.FPS})
	if err != nil {
		return 0, &Error{Phase: p.phase, Frame: -1, Kind: job.ErrEncode, Err: err}
	}

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan renderedFrame, workers)
	results := make(chan renderedFrame, workers*2)

	g.Go(func() error {
		defer close(tasks)
		for idx := 0; p.limit < 0 || idx < p.limit; idx++ {
			frame, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return &Error{Phase: p.phase, Frame: idx, Kind: job.ErrDecode, Err: err}
			}
			select {
			case tasks <- renderedFrame{index: idx, frame: frame}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for task := range tasks {
				op.Apply(task.frame, p.masks[task.index])
				if scale {
					task.frame = downscale(task.frame, p.outSize)
				}
				select {
				case results <- task:
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

	buffer := newReorderBuffer[*image.RGBA]()
	g.Go(func() error {
		for res := range results {
			err := buffer.push(res.index, res.frame, func(idx int, frame *image.RGBA) error {
				if err := writer.Write(frame); err != nil {
					return &Error{Phase: p.phase, Frame: idx, Kind: job.ErrEncode, Err: err}
				}
				if p.onFrame != nil {
					p.onFrame(idx + 1)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := buffer.gap(); err != nil {
			return &Error{Phase: p.phase, Frame: buffer.released(), Kind: job.ErrDecode, Err: err}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		writer.Abort()
		return buffer.released(), err
	}
	written := buffer.released()
	if written == 0 {
		writer.Abort()
		return 0, &Error{Phase: p.phase, Frame: 0, Kind: job.ErrDecode, Err: errors.New("no frames decoded")}
	}
	if err := writer.Close(); err != nil {
		return written, &Error{Phase: p.phase, Frame: -1, Kind: job.ErrEncode, Err: err}
	}
	return written, nil
}

// PreviewSize fits width x height under maxWidth, keeping the aspect ratio and even dimensions.
func PreviewSize(width, height, maxWidth int) image.Point {
	if maxWidth <= 0 || width <= maxWidth {
		return image.Pt(width, height)
	}
	h := height * maxWidth / width
	h -= h % 2
	return image.Pt(maxWidth-maxWidth%2, max(h, 2))
}

func downscale(frame *image.RGBA, size image.Point) *image.RGBA {
	n := imaging.Resize(frame, size.X, size.Y, imaging.Lanczos)
	// Decoded frames are opaque, so NRGBA and RGBA share the same bytes.
	return &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}
}

func (r *Renderer) interval() time.Duration {
	if r.ProgressInterval > 0 {
		return r.ProgressInterval
	}
	return DefaultProgressInterval
}

func (r *Renderer) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

func (r *Renderer) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return tracing.Tracer()
}
