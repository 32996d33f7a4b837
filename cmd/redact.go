package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/blur"
	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/media"
	"github.com/andresmejia3/sentinel-blur/internal/pipeline"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
	"github.com/spf13/cobra"
)

var (
	redactOpts    Options
	redactOutput  string
	redactPreview float64
)

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Detect and blur every face in a video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRedact(cmd.Context(), redactOpts, redactOutput, redactPreview)
	},
}

func init() {
	redactCmd.Flags().StringVarP(&redactOpts.InputPath, "input", "i", "", "Path to input video")
	redactCmd.Flags().StringVarP(&redactOutput, "output", "o", "redacted.mp4", "Path to output video")
	redactCmd.Flags().StringVar(&redactOpts.Style, "style", "gauss", "Redaction style: gauss, box, pixel, black, secure")
	redactCmd.Flags().IntVarP(&redactOpts.BlurStrength, "strength", "s", controller.DefaultBlurStrength, "Blur strength (1-50, higher = stronger)")
	redactCmd.Flags().IntVarP(&redactOpts.Workers, "workers", "w", 4, "Number of frames blurred concurrently")
	redactCmd.Flags().Float64Var(&redactPreview, "preview", 0, "Only render the first N seconds (5-30) at preview resolution")
	addEngineFlags(redactCmd, &redactOpts)

	redactCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(redactCmd)
}

func runRedact(ctx context.Context, opts Options, output string, previewSeconds float64) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRedactFlags(&opts, output, previewSeconds); err != nil {
		return err
	}

	e, err := newEngine(ctx, opts, nil, appLog)
	if err != nil {
		utils.ShowError("Failed to start engines", err, nil)
		return err
	}
	defer e.Close()

	id, err := registerInput(ctx, e, opts)
	if err != nil {
		return err
	}
	if _, err := analyzeInput(ctx, e, id, opts.InputPath); err != nil {
		return err
	}
	masks, err := e.masks.Masks(ctx, id)
	if err != nil {
		return err
	}
	req := pipeline.Request{Masks: masks, BlurStrength: opts.BlurStrength, PreviewSeconds: previewSeconds}

	start := time.Now()
	var frames int
	if previewSeconds > 0 {
		frames, err = renderPreview(ctx, e, id, opts.InputPath, output, req)
	} else {
		frames, err = renderFull(ctx, e, id, opts.InputPath, output, req)
	}
	if err != nil {
		utils.ShowError("Render failed", err, nil)
		return err
	}

	if counting, ok := e.sink.(*media.CountingSink); ok {
		n, _ := counting.Count(output)
		fmt.Fprintf(os.Stderr, "🧪 Synthetic run rendered %d frames in %s (nothing written)\n", n, time.Since(start).Round(time.Millisecond))
		return nil
	}
	fmt.Fprintf(os.Stderr, "✅ Redacted %d frames in %s -> %s\n", frames, time.Since(start).Round(time.Millisecond), output)
	return nil
}

func renderPreview(ctx context.Context, e *engine, id, input, output string, req pipeline.Request) (int, error) {
	if err := e.registry.BeginPreview(id); err != nil {
		return 0, err
	}
	n, err := e.renderer.Preview(ctx, id, input, output, req)
	_ = e.registry.EndPreview(id, err == nil)
	return n, err
}

func renderFull(ctx context.Context, e *engine, id, input, output string, req pipeline.Request) (int, error) {
	if err := e.registry.AdvancePhase(id, job.StatusProcessing, "Rendering"); err != nil {
		return 0, err
	}
	stop := watchProgress(ctx, e.registry, id, "🎬 Blurring faces")
	n, err := e.renderer.Process(ctx, id, input, output, req)
	stop()
	return n, err
}

// validateEngineFlags checks the flags shared by analyze and redact before any process starts.
func validateEngineFlags(opts *Options) error {
	if !opts.Synthetic {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				utils.ShowError("Input file does not exist", err, nil)
				return err
			}
			utils.ShowError("Unable to access input file", err, nil)
			return err
		}
		if info.IsDir() {
			err := errors.New("is a directory")
			utils.ShowError("Input path is a directory, expected a video file", err, nil)
			return err
		}
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.DetectionThreshold <= 0 || opts.DetectionThreshold > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.DetectionThreshold)
		utils.ShowError("Invalid detection threshold", err, nil)
		return err
	}
	if opts.FaceMargin < 0 {
		err := fmt.Errorf("must not be negative, got %f", opts.FaceMargin)
		utils.ShowError("Invalid face margin", err, nil)
		return err
	}
	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		utils.ShowError("Invalid worker-timeout format (use '30s', '1m')", err, nil)
		return err
	}
	return nil
}

func validateRedactFlags(opts *Options, output string, previewSeconds float64) error {
	if err := validateEngineFlags(opts); err != nil {
		return err
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		err := errors.New("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if _, err := blur.ParseStyle(opts.Style); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.BlurStrength < controller.MinBlurStrength || opts.BlurStrength > controller.MaxBlurStrength {
		err := fmt.Errorf("must be between %d and %d, got %d", controller.MinBlurStrength, controller.MaxBlurStrength, opts.BlurStrength)
		utils.ShowError("Invalid blur strength", err, nil)
		return err
	}
	if previewSeconds != 0 && (previewSeconds < controller.MinPreviewSeconds || previewSeconds > controller.MaxPreviewSeconds) {
		err := fmt.Errorf("must be between %d and %d seconds, got %.1f", controller.MinPreviewSeconds, controller.MaxPreviewSeconds, previewSeconds)
		utils.ShowError("Invalid preview duration", err, nil)
		return err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return nil
}
