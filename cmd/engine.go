package cmd

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/blur"
	"github.com/andresmejia3/sentinel-blur/internal/detector"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/mask"
	"github.com/andresmejia3/sentinel-blur/internal/media"
	"github.com/andresmejia3/sentinel-blur/internal/pipeline"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
	"go.uber.org/zap"
)

// engine bundles the pipelines shared by the serve, analyze and redact commands.
type engine struct {
	registry *job.Registry
	masks    *mask.Store
	analyzer *pipeline.Analyzer
	renderer *pipeline.Renderer
	pool     *detector.Pool
	source   media.Source
	sink     media.Sink
}

func (e *engine) Close() {
	if e.pool != nil {
		_ = e.pool.Close()
	}
}

// newEngine starts the detector processes and wires the pipelines around them.
func newEngine(ctx context.Context, opts Options, backend mask.Backend, log *zap.Logger) (*engine, error) {
	style, err := blur.ParseStyle(opts.Style)
	if err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(opts.WorkerTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid worker timeout %q: %w", opts.WorkerTimeout, err)
	}

	e := &engine{registry: job.NewRegistry(), masks: mask.NewStore(backend)}

	var faces detector.FaceDetector
	if opts.Synthetic {
		e.source, e.sink = media.NewSynthetic(), media.NewCountingSink()
		faces = syntheticFaces()
	} else {
		e.source, e.sink = media.FFmpeg{}, media.FFmpeg{}
		e.pool, err = detector.StartPython(ctx, opts.NumEngines, cfg.DetectorCmd, timeout, log)
		if err != nil {
			return nil, err
		}
		faces = e.pool
	}
	faces = detector.Refined(faces, detector.Refinement{Threshold: opts.DetectionThreshold, Margin: opts.FaceMargin})

	e.analyzer = &pipeline.Analyzer{
		Registry:         e.registry,
		Masks:            e.masks,
		Source:           e.source,
		Detector:         faces,
		Workers:          max(opts.NumEngines, 1),
		ProgressInterval: cfg.ProgressInterval,
		Log:              log,
	}
	e.renderer = &pipeline.Renderer{
		Registry:         e.registry,
		Source:           e.source,
		Sink:             e.sink,
		Style:            style,
		Workers:          max(opts.Workers, 1),
		PreviewMaxWidth:  cfg.PreviewMaxWidth,
		ProgressInterval: cfg.ProgressInterval,
		Log:              log,
	}
	return e, nil
}

// probe reads the input's stream info, or invents one for synthetic runs.
func (e *engine) probe(ctx context.Context, opts Options) (types.VideoInfo, error) {
	if opts.Synthetic {
		return types.VideoInfo{Filename: opts.InputPath, FPS: 30, TotalFrames: 300, Duration: 10, Width: 640, Height: 480}, nil
	}
	return utils.ProbeVideo(ctx, opts.InputPath)
}

// syntheticFaces reports one confident face in the middle of every frame.
func syntheticFaces() detector.FaceDetector {
	return detector.Func(func(_ context.Context, frame *image.RGBA) ([]types.Region, error) {
		b := frame.Bounds()
		w, h := b.Dx()/4, b.Dy()/3
		return []types.Region{{X: (b.Dx() - w) / 2, Y: (b.Dy() - h) / 2, Width: w, Height: h, Confidence: 0.99}}, nil
	})
}

func optionsFromConfig() Options {
	return Options{
		NumEngines:         cfg.DetectorEngines,
		Workers:            cfg.RenderWorkers,
		DetectionThreshold: cfg.DetectionThreshold,
		FaceMargin:         cfg.FaceMargin,
		Style:              cfg.BlurStyle,
		WorkerTimeout:      cfg.WorkerTimeout.String(),
	}
}
