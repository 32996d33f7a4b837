// Package controller is the boundary between the HTTP/CLI surfaces and the
// job pipelines. It enforces the job state machine and runs pipelines in the
// background.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/mask"
	"github.com/andresmejia3/sentinel-blur/internal/pipeline"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinBlurStrength     = 1
	MaxBlurStrength     = 50
	DefaultBlurStrength = 15

	MinPreviewSeconds     = 5
	MaxPreviewSeconds     = 30
	DefaultPreviewSeconds = 10
)

// Prober reads stream metadata from a stored video.
type Prober interface {
	Probe(ctx context.Context, path string) (types.VideoInfo, error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, path string) (types.VideoInfo, error)

func (f ProbeFunc) Probe(ctx context.Context, path string) (types.VideoInfo, error) {
	return f(ctx, path)
}

// Linker turns a published artifact key into a client-facing URL.
type Linker interface {
	DownloadURL(ctx context.Context, key, filename string) (string, error)
}

// ArtifactRemover deletes a published artifact.
type ArtifactRemover interface {
	Remove(ctx context.Context, key string) error
}

// Forgetter drops state kept elsewhere for a removed job.
type Forgetter interface {
	Delete(ctx context.Context, id string) error
}

// Options wires a Controller. Registry, Masks, Analyzer and Renderer are required.
type Options struct {
	Registry *job.Registry
	Masks    *mask.Store
	Analyzer *pipeline.Analyzer
	Renderer *pipeline.Renderer
	Prober   Prober
	DataDir  string
	// Reported in analysis results.
	DetectionThreshold float64
	FaceMargin         float64

	// Optional collaborators.
	Linker     Linker
	Artifacts  ArtifactRemover
	Forgetters []Forgetter
	Log        *zap.Logger
}

// Controller coordinates uploads, pipelines and artifact lookup.
type Controller struct {
	registry *job.Registry
	masks    *mask.Store
	analyzer *pipeline.Analyzer
	renderer *pipeline.Renderer
	prober   Prober
	layout   Layout
	settings AnalysisSettings

	linker     Linker
	artifacts  ArtifactRemover
	forgetters []Forgetter
	log        *zap.Logger

	// base outlives requests; pipelines are not tied to the caller's context.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Controller.
func New(opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:   opts.Registry,
		masks:      opts.Masks,
		analyzer:   opts.Analyzer,
		renderer:   opts.Renderer,
		prober:     opts.Prober,
		layout:     Layout{Root: opts.DataDir},
		settings:   AnalysisSettings{DetectionThreshold: opts.DetectionThreshold, FaceMargin: opts.FaceMargin},
		linker:     opts.Linker,
		artifacts:  opts.Artifacts,
		forgetters: opts.Forgetters,
		log:        log,
		base:       base,
		cancel:     cancel,
	}
}

// Layout exposes where artifacts are stored.
func (c *Controller) Layout() Layout { return c.layout }

// RegisterUpload creates a job for a video that is already stored.
func (c *Controller) RegisterUpload(id string, info types.VideoInfo) (job.Job, error) {
	if id == "" {
		return job.Job{}, fmt.Errorf("%w: empty video id", job.ErrValidation)
	}
	if info.FPS <= 0 || info.TotalFrames <= 0 || info.Width <= 0 || info.Height <= 0 {
		return job.Job{}, fmt.Errorf("%w: unusable video (%dx%d, %d frames at %.2f fps)",
			job.ErrValidation, info.Width, info.Height, info.TotalFrames, info.FPS)
	}
	if info.Duration <= 0 {
		info.Duration = float64(info.TotalFrames) / info.FPS
	}
	j, err := c.registry.Create(id, info)
	if err != nil {
		return job.Job{}, err
	}
	c.log.Info("video registered", zap.String("job_id", id), zap.String("filename", info.Filename),
		zap.Int("frames", info.TotalFrames), zap.Float64("fps", info.FPS))
	return j, nil
}

// Upload stores the video read from r under a fresh id, probes it and registers it.
func (c *Controller) Upload(ctx context.Context, filename string, r io.Reader) (job.Job, error) {
	if c.prober == nil {
		return job.Job{}, errors.New("upload is not configured: no prober")
	}
	id := uuid.NewString()
	path := c.layout.Source(id, filename)

	if err := os.MkdirAll(c.layout.Dir(id), 0o755); err != nil {
		return job.Job{}, fmt.Errorf("create job directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(c.layout.Dir(id)); err != nil {
			c.log.Warn("failed to clean up rejected upload", zap.String("job_id", id), zap.Error(err))
		}
	}

	if err := writeFile(path, r); err != nil {
		cleanup()
		return job.Job{}, fmt.Errorf("save upload: %w", err)
	}
	info, err := c.prober.Probe(ctx, path)
	if err != nil {
		cleanup()
		return job.Job{}, fmt.Errorf("%w: not a readable video: %v", job.ErrValidation, err)
	}
	info.Filename = filename

	j, err := c.RegisterUpload(id, info)
	if err != nil {
		cleanup()
		return job.Job{}, err
	}
	return j, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// StartAnalysis starts face detection in the background and returns at once.
func (c *Controller) StartAnalysis(id string) error {
	j, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if err := c.registry.AdvancePhase(id, job.StatusAnalyzing, "Starting analysis"); err != nil {
		return err
	}

	src := c.layout.Source(id, j.Info.Filename)
	c.spawn(func(ctx context.Context) {
		// Failures are recorded on the job by the analyzer.
		_ = c.analyzer.Run(ctx, id, src)
	})
	return nil
}

// GetStatus returns the latest snapshot without waiting on any pipeline.
func (c *Controller) GetStatus(id string) (job.Job, error) {
	return c.registry.Get(id)
}

// ListJobs returns every known job, oldest first.
func (c *Controller) ListJobs() []job.Job {
	return c.registry.List()
}

// AnalysisSettings echoes the detection parameters used for a result.
type AnalysisSettings struct {
	TotalFrames        int     `json:"total_frames"`
	FramesWithFaces    int     `json:"frames_with_faces"`
	DetectionThreshold float64 `json:"detection_threshold"`
	FaceMargin         float64 `json:"face_margin"`
}

// AnalysisResult is the full mask set of an analyzed job.
type AnalysisResult struct {
	VideoInfo    types.VideoInfo  `json:"video_info"`
	FacesByFrame types.Masks      `json:"faces_by_frame"`
	Settings     AnalysisSettings `json:"analysis_settings"`
}

// GetAnalysisResult returns one entry per frame, empty for frames without faces.
func (c *Controller) GetAnalysisResult(ctx context.Context, id string) (AnalysisResult, error) {
	j, err := c.registry.Get(id)
	if err != nil {
		return AnalysisResult{}, err
	}
	if !j.MasksReady {
		return AnalysisResult{}, fmt.Errorf("%w: analysis not complete (status %s)", job.ErrInvalidState, j.Status)
	}
	frames, err := c.masks.Frames(ctx, id)
	if err != nil {
		return AnalysisResult{}, err
	}

	return BuildAnalysisResult(j.Info, frames, c.settings), nil
}

// BuildAnalysisResult assembles a result from a sealed mask set. settings
// supplies the detection parameters; the frame counts are computed.
func BuildAnalysisResult(info types.VideoInfo, frames [][]types.Region, settings AnalysisSettings) AnalysisResult {
	settings.TotalFrames = len(frames)
	settings.FramesWithFaces = 0
	for _, regions := range frames {
		if len(regions) > 0 {
			settings.FramesWithFaces++
		}
	}
	return AnalysisResult{VideoInfo: info, FacesByFrame: mask.ToMasks(frames), Settings: settings}
}

// PreviewRequest asks for a blurred clip of the start of the video. Both
// numbers are required; callers apply DefaultBlurStrength and
// DefaultPreviewSeconds themselves.
type PreviewRequest struct {
	// Masks overrides the analysis masks when non-nil.
	Masks           types.Masks
	BlurStrength    int
	PreviewDuration float64
}

// Preview describes a rendered preview artifact.
type Preview struct {
	Path   string `json:"-"`
	Frames int    `json:"frames"`
}

// GeneratePreview renders a preview and blocks until it is written. The job's
// status and progress are not touched, but the job is leased for the duration
// so it cannot race an analysis or full render of the same id.
func (c *Controller) GeneratePreview(ctx context.Context, id string, req PreviewRequest) (Preview, error) {
	j, err := c.registry.Get(id)
	if err != nil {
		return Preview{}, err
	}
	if err := j.CheckPreview(); err != nil {
		return Preview{}, err
	}
	strength, err := blurStrength(req.BlurStrength)
	if err != nil {
		return Preview{}, err
	}
	seconds, err := previewSeconds(req.PreviewDuration)
	if err != nil {
		return Preview{}, err
	}
	masks, err := c.resolveMasks(ctx, j, req.Masks)
	if err != nil {
		return Preview{}, err
	}

	if err := c.registry.BeginPreview(id); err != nil {
		return Preview{}, err
	}
	out := c.layout.Preview(id)
	n, err := c.renderer.Preview(ctx, id, c.layout.Source(id, j.Info.Filename), out, pipeline.Request{
		Masks:          masks,
		BlurStrength:   strength,
		PreviewSeconds: seconds,
	})
	if eerr := c.registry.EndPreview(id, err == nil); eerr != nil {
		c.log.Warn("failed to release preview lease", zap.String("job_id", id), zap.Error(eerr))
	}
	if err != nil {
		return Preview{}, err
	}
	return Preview{Path: out, Frames: n}, nil
}

// ProcessRequest asks for a full render. BlurStrength is required.
type ProcessRequest struct {
	// Masks overrides the analysis masks when non-nil.
	Masks        types.Masks
	BlurStrength int
}

// StartProcessing validates the request, claims the job and renders it in the background.
func (c *Controller) StartProcessing(ctx context.Context, id string, req ProcessRequest) error {
	j, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if err := j.CheckStart(job.StatusProcessing); err != nil {
		return err
	}
	strength, err := blurStrength(req.BlurStrength)
	if err != nil {
		return err
	}
	masks, err := c.resolveMasks(ctx, j, req.Masks)
	if err != nil {
		return err
	}

	if err := c.registry.AdvancePhase(id, job.StatusProcessing, "Starting render"); err != nil {
		return err
	}
	src, out := c.layout.Source(id, j.Info.Filename), c.layout.Output(id)
	c.spawn(func(ctx context.Context) {
		_, _ = c.renderer.Process(ctx, id, src, out, pipeline.Request{Masks: masks, BlurStrength: strength})
	})
	return nil
}

// Artifact locates a rendered file. URL is set when the file was published
// to object storage; otherwise Path points at the local file.
type Artifact struct {
	Path     string
	URL      string
	Filename string
}

// GetDownloadArtifact returns the full render of a completed job.
func (c *Controller) GetDownloadArtifact(ctx context.Context, id string) (Artifact, error) {
	j, err := c.registry.Get(id)
	if err != nil {
		return Artifact{}, err
	}
	if j.Status != job.StatusCompleted {
		return Artifact{}, fmt.Errorf("%w: no completed render for %s (status %s)", job.ErrNotFound, id, j.Status)
	}
	a := Artifact{Path: c.layout.Output(id), Filename: DownloadName(j.Info.Filename)}
	if j.ArtifactKey != "" && c.linker != nil {
		url, err := c.linker.DownloadURL(ctx, j.ArtifactKey, a.Filename)
		if err != nil {
			return Artifact{}, fmt.Errorf("sign download url: %w", err)
		}
		a.URL = url
	}
	return a, nil
}

// GetPreviewArtifact returns the latest preview of a job.
func (c *Controller) GetPreviewArtifact(id string) (Artifact, error) {
	j, err := c.registry.Get(id)
	if err != nil {
		return Artifact{}, err
	}
	if !j.HasPreview {
		return Artifact{}, fmt.Errorf("%w: no preview for %s", job.ErrNotFound, id)
	}
	return Artifact{Path: c.layout.Preview(id), Filename: PreviewName(j.Info.Filename)}, nil
}

// Wait blocks until every pipeline started so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown waits for running pipelines until ctx expires, then cancels them.
func (c *Controller) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("cancelling running pipelines")
		c.cancel()
		<-done
	}
	c.cancel()
}

func (c *Controller) spawn(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.base)
	}()
}

func (c *Controller) resolveMasks(ctx context.Context, j job.Job, supplied types.Masks) (types.Masks, error) {
	if supplied == nil {
		if !j.MasksReady {
			return nil, fmt.Errorf("%w: no analysis masks for %s", job.ErrInvalidState, j.ID)
		}
		return c.masks.Masks(ctx, j.ID)
	}
	if err := ValidateMasks(supplied, j.Info.TotalFrames); err != nil {
		return nil, err
	}
	return supplied, nil
}

// ValidateMasks checks that every frame index lies in [0, totalFrames) and
// every region has a non-negative size.
func ValidateMasks(masks types.Masks, totalFrames int) error {
	for idx, regions := range masks {
		if idx < 0 || idx >= totalFrames {
			return fmt.Errorf("%w: mask frame %d outside [0, %d)", job.ErrValidation, idx, totalFrames)
		}
		for _, r := range regions {
			if r.Width < 0 || r.Height < 0 {
				return fmt.Errorf("%w: negative region size %dx%d in frame %d", job.ErrValidation, r.Width, r.Height, idx)
			}
		}
	}
	return nil
}

func blurStrength(v int) (int, error) {
	if v < MinBlurStrength || v > MaxBlurStrength {
		return 0, fmt.Errorf("%w: blur_strength %d outside [%d, %d]", job.ErrValidation, v, MinBlurStrength, MaxBlurStrength)
	}
	return v, nil
}

func previewSeconds(v float64) (float64, error) {
	if v < MinPreviewSeconds || v > MaxPreviewSeconds {
		return 0, fmt.Errorf("%w: preview_duration %.1f outside [%d, %d]", job.ErrValidation, v, MinPreviewSeconds, MaxPreviewSeconds)
	}
	return v, nil
}
