package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
	"github.com/spf13/cobra"
)

var (
	analyzeOpts   Options
	analyzeOutput string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Detect faces in every frame and write the masks as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), analyzeOpts, analyzeOutput)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "Write the analysis JSON here (default: stdout)")
	addEngineFlags(analyzeCmd, &analyzeOpts)

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

// addEngineFlags registers the detector flags shared by analyze and redact.
func addEngineFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().IntVarP(&opts.NumEngines, "engines", "e", 1, "Number of parallel detector engines")
	cmd.Flags().Float64VarP(&opts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	cmd.Flags().Float64Var(&opts.FaceMargin, "margin", 0.2, "Grow each face box by this fraction on every side")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "30s", "Timeout for a worker to process a single frame")
	cmd.Flags().BoolVar(&opts.Synthetic, "synthetic", false, "Dry run on generated frames without ffmpeg or python")
}

func runAnalyze(ctx context.Context, opts Options, output string) error {
	if err := validateEngineFlags(&opts); err != nil {
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
	frames, err := analyzeInput(ctx, e, id, opts.InputPath)
	if err != nil {
		return err
	}

	j, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	result := controller.BuildAnalysisResult(j.Info, frames, controller.AnalysisSettings{
		DetectionThreshold: opts.DetectionThreshold,
		FaceMargin:         opts.FaceMargin,
	})

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			utils.ShowError("Failed to create output file", err, nil)
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write analysis: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✅ Faces found in %d of %d frames\n", result.Settings.FramesWithFaces, result.Settings.TotalFrames)
	return nil
}

// registerInput probes the input and creates its job. The id is derived from
// the file content, so re-running on the same video reuses the same id.
func registerInput(ctx context.Context, e *engine, opts Options) (string, error) {
	id := "synthetic"
	if !opts.Synthetic {
		var err error
		id, err = utils.GenerateVideoID(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to generate video ID", err, nil)
			return "", err
		}
	}
	info, err := e.probe(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to probe video", err, nil)
		return "", err
	}
	if _, err := e.registry.Create(id, info); err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s (%dx%d, %d frames, %s)\n",
		shortID(id), info.Width, info.Height, info.TotalFrames, fmtTime(info.Duration))
	return id, nil
}

// analyzeInput runs the analysis pass in the foreground with a progress bar.
func analyzeInput(ctx context.Context, e *engine, id, ref string) ([][]types.Region, error) {
	if err := e.registry.AdvancePhase(id, job.StatusAnalyzing, "Analyzing"); err != nil {
		return nil, err
	}
	start := time.Now()
	stop := watchProgress(ctx, e.registry, id, "🔍 Detecting faces")
	err := e.analyzer.Run(ctx, id, ref)
	stop()
	if err != nil {
		utils.ShowError("Analysis failed", err, nil)
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "🔍 Analysis finished in %s\n", time.Since(start).Round(time.Millisecond))
	return e.masks.Frames(ctx, id)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
