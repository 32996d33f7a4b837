package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/events"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/go-chi/chi/v5"
)

// maxEventWait caps long-poll requests on /api/events.
const maxEventWait = 60 * time.Second

type uploadResponse struct {
	VideoID   string          `json:"video_id"`
	Message   string          `json:"message"`
	VideoInfo types.VideoInfo `json:"video_info"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Code: "too_large"})
			return
		}
		s.fail(w, r, fmt.Errorf("%w: multipart field \"file\" is required", job.ErrValidation))
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); !strings.HasPrefix(ct, "video/") {
		s.fail(w, r, fmt.Errorf("%w: file must be a video, got %q", job.ErrValidation, ct))
		return
	}

	j, err := s.jobs.Upload(r.Context(), header.Filename, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{VideoID: j.ID, Message: j.Message, VideoInfo: j.Info})
}

type acceptedResponse struct {
	VideoID string     `json:"video_id"`
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.StartAnalysis(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{VideoID: id, Status: job.StatusAnalyzing, Message: "Analysis started"})
}

type statusResponse struct {
	VideoID     string          `json:"video_id"`
	Status      job.Status      `json:"status"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message"`
	Error       string          `json:"error,omitempty"`
	VideoInfo   types.VideoInfo `json:"video_info"`
	DownloadURL string          `json:"download_url,omitempty"`
	PreviewURL  string          `json:"preview_url,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := statusResponse{
		VideoID:   j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
		VideoInfo: j.Info,
	}
	if j.Status == job.StatusCompleted {
		resp.DownloadURL = "/api/download/" + j.ID
	}
	if j.HasPreview {
		resp.PreviewURL = "/api/preview-file/" + j.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) analysis(w http.ResponseWriter, r *http.Request) {
	result, err := s.jobs.GetAnalysisResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// renderBody fields are nil when absent. Absent masks select the analysis
// masks; absent numbers take their defaults. Explicit values, zero included,
// are passed on for validation.
type renderBody struct {
	Masks           types.Masks `json:"masks"`
	BlurStrength    *int        `json:"blur_strength"`
	PreviewDuration *float64    `json:"preview_duration"`
}

func decodeRenderBody(r *http.Request) (renderBody, error) {
	var body renderBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<20))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return body, fmt.Errorf("%w: malformed request body: %v", job.ErrValidation, err)
	}
	return body, nil
}

func (b renderBody) strength() int {
	if b.BlurStrength == nil {
		return controller.DefaultBlurStrength
	}
	return *b.BlurStrength
}

func (b renderBody) previewSeconds() float64 {
	if b.PreviewDuration == nil {
		return controller.DefaultPreviewSeconds
	}
	return *b.PreviewDuration
}

type previewResponse struct {
	VideoID    string `json:"video_id"`
	PreviewURL string `json:"preview_url"`
	Frames     int    `json:"frames"`
	Message    string `json:"message"`
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := decodeRenderBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.jobs.GeneratePreview(r.Context(), id, controller.PreviewRequest{
		Masks:           body.Masks,
		BlurStrength:    body.strength(),
		PreviewDuration: body.previewSeconds(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		VideoID:    id,
		PreviewURL: "/api/preview-file/" + id,
		Frames:     p.Frames,
		Message:    "Preview generated",
	})
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := decodeRenderBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.jobs.StartProcessing(r.Context(), id, controller.ProcessRequest{
		Masks:        body.Masks,
		BlurStrength: body.strength(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{VideoID: id, Status: job.StatusProcessing, Message: "Processing started"})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	a, err := s.jobs.GetDownloadArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if a.URL != "" {
		http.Redirect(w, r, a.URL, http.StatusFound)
		return
	}
	s.serveArtifact(w, r, a, "attachment")
}

func (s *Server) previewFile(w http.ResponseWriter, r *http.Request) {
	a, err := s.jobs.GetPreviewArtifact(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serveArtifact(w, r, a, "inline")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, a controller.Artifact, disposition string) {
	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: artifact file missing", job.ErrNotFound)
		}
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, a.Filename))
	http.ServeContent(w, r, a.Filename, info.ModTime(), f)
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
	// Next is the value to pass as ?since= on the following request.
	Next int64 `json:"next"`
}

func (s *Server) eventsSince(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.fail(w, r, fmt.Errorf("%w: event stream disabled", job.ErrNotFound))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.GetStatus(id); err != nil {
		s.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.fail(w, r, fmt.Errorf("%w: since must be a non-negative integer", job.ErrValidation))
			return
		}
		since = n
	}
	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.fail(w, r, fmt.Errorf("%w: wait must be a duration such as 30s", job.ErrValidation))
			return
		}
		wait = min(d, maxEventWait)
	}

	list := s.events.Since(id, since)
	if len(list) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		list, _ = s.events.Wait(ctx, id, since)
		cancel()
	}

	resp := eventsResponse{Events: list, Next: since}
	if list == nil {
		resp.Events = []events.Event{}
	}
	if n := len(list); n > 0 {
		resp.Next = list[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}
