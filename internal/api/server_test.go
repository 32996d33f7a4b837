package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/blur"
	"github.com/andresmejia3/sentinel-blur/internal/controller"
	"github.com/andresmejia3/sentinel-blur/internal/detector"
	"github.com/andresmejia3/sentinel-blur/internal/events"
	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/mask"
	"github.com/andresmejia3/sentinel-blur/internal/media"
	"github.com/andresmejia3/sentinel-blur/internal/pipeline"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clipInfo = types.VideoInfo{Filename: "clip.mp4", FPS: 10, TotalFrames: 80, Duration: 8, Width: 32, Height: 24}

type testServer struct {
	*httptest.Server
	ctrl *controller.Controller
	bus  *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := job.NewRegistry()
	bus := events.NewBus(100)
	reg.Observe(bus)
	masks := mask.NewStore(nil)
	src := media.NewSynthetic()
	faces := detector.Func(func(context.Context, *image.RGBA) ([]types.Region, error) {
		return []types.Region{{X: 2, Y: 2, Width: 6, Height: 6, Confidence: 0.8}}, nil
	})
	ctrl := controller.New(controller.Options{
		Registry: reg,
		Masks:    masks,
		Analyzer: &pipeline.Analyzer{Registry: reg, Masks: masks, Source: src, Detector: faces, Workers: 2},
		Renderer: &pipeline.Renderer{Registry: reg, Source: src, Sink: media.NewMemorySink(), Style: blur.StyleBox, Workers: 2},
		Prober: controller.ProbeFunc(func(context.Context, string) (types.VideoInfo, error) {
			return clipInfo, nil
		}),
		DataDir: t.TempDir(),
	})
	srv := httptest.NewServer(NewServer(Options{Jobs: ctrl, Events: bus, MaxUploadBytes: 1 << 20}).Router())
	t.Cleanup(func() {
		srv.Close()
		ctrl.Wait()
	})
	return &testServer{Server: srv, ctrl: ctrl, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func (s *testServer) register(t *testing.T, id string) {
	t.Helper()
	_, err := s.ctrl.RegisterUpload(id, clipInfo)
	require.NoError(t, err)
}

func (s *testServer) analyzed(t *testing.T, id string) {
	t.Helper()
	s.register(t, id)
	require.NoError(t, s.ctrl.StartAnalysis(id))
	s.ctrl.Wait()
}

func TestUploadEndpoint(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="party.mp4"`)
	hdr.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake video bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Video uploaded successfully", body.Message)
	assert.Equal(t, "party.mp4", body.VideoInfo.Filename)

	j, err := s.ctrl.GetStatus(body.VideoID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUploaded, j.Status)
}

func TestUploadRejectsNonVideo(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, s.ctrl.ListJobs())
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "fresh")

	tests := []struct {
		name, method, path, body string
		status                   int
		code                     string
	}{
		{"unknown id", http.MethodGet, "/api/status/nope", "", http.StatusNotFound, "not_found"},
		{"analysis before analyzed", http.MethodGet, "/api/analysis/fresh", "", http.StatusConflict, "invalid_state"},
		{"process before analyzed", http.MethodPost, "/api/process/fresh", `{"blur_strength": 10}`, http.StatusConflict, "invalid_state"},
		{"download before completed", http.MethodGet, "/api/download/fresh", "", http.StatusNotFound, "not_found"},
		{"no preview yet", http.MethodGet, "/api/preview-file/fresh", "", http.StatusNotFound, "not_found"},
		{"malformed body", http.MethodPost, "/api/preview/fresh", `{"masks": {"abc": []}}`, http.StatusUnprocessableEntity, "validation_failed"},
		{"bad since", http.MethodGet, "/api/events/fresh?since=-3", "", http.StatusUnprocessableEntity, "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAnalyzeConflictWhileRunning(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "vid")

	resp, body := s.do(t, http.MethodPost, "/api/analyze/vid", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "analyzing", body["status"])

	// Either still running (conflict) or already done (invalid state); never accepted twice.
	resp, body = s.do(t, http.MethodPost, "/api/analyze/vid", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, []any{"conflict", "invalid_state"}, body["code"])
}

func TestFullFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.analyzed(t, "vid")

	resp, body := s.do(t, http.MethodGet, "/api/status/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "analyzed", body["status"])
	assert.Equal(t, float64(100), body["progress"])
	assert.NotContains(t, body, "download_url")

	resp, body = s.do(t, http.MethodGet, "/api/analysis/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	faces := body["faces_by_frame"].(map[string]any)
	assert.Len(t, faces, 80)
	assert.Contains(t, faces, "0")
	assert.Contains(t, faces, "79")
	settings := body["analysis_settings"].(map[string]any)
	assert.Equal(t, float64(80), settings["frames_with_faces"])

	resp, body = s.do(t, http.MethodPost, "/api/preview/vid", `{"blur_strength": 20, "preview_duration": 5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(50), body["frames"])
	assert.Equal(t, "/api/preview-file/vid", body["preview_url"])

	resp, body = s.do(t, http.MethodPost, "/api/process/vid", `{"blur_strength": 60}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/process/vid", `{"blur_strength": 20, "masks": {"3": [{"x": 1, "y": 1, "width": 4, "height": 4}]}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	s.ctrl.Wait()

	resp, body = s.do(t, http.MethodGet, "/api/status/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "/api/download/vid", body["download_url"])
	assert.Equal(t, "/api/preview-file/vid", body["preview_url"])

	// The memory sink keeps frames in memory; put a file where ffmpeg would have.
	out := s.ctrl.Layout().Output("vid")
	require.NoError(t, os.WriteFile(out, []byte("mp4"), 0o644))

	resp, _ = s.do(t, http.MethodGet, "/api/download/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="blurred_clip.mp4"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.analyzed(t, "vid")

	resp, body := s.do(t, http.MethodGet, "/api/events/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["events"].([]any)
	require.NotEmpty(t, list)
	first := list[0].(map[string]any)
	assert.Equal(t, "vid", first["job_id"])
	assert.Equal(t, "uploaded", first["status"])
	last := list[len(list)-1].(map[string]any)
	assert.Equal(t, "analyzed", last["status"])

	next := int64(body["next"].(float64))
	resp, body = s.do(t, http.MethodGet, "/api/events/vid?since="+itoa(next), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["events"])
	assert.Equal(t, float64(next), body["next"])
}

func TestEventsLongPoll(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "vid")
	since := s.bus.Since("vid", 0)[0].Seq

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.ctrl.StartAnalysis("vid")
	}()
	resp, body := s.do(t, http.MethodGet, "/api/events/vid?wait=5s&since="+itoa(since), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["events"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestRenderBodyDefaultsOnlyWhenAbsent(t *testing.T) {
	s := newTestServer(t)
	s.analyzed(t, "vid")

	tests := []struct {
		name, path, body string
	}{
		{"explicit zero strength on preview", "/api/preview/vid", `{"blur_strength": 0}`},
		{"explicit zero duration on preview", "/api/preview/vid", `{"preview_duration": 0}`},
		{"explicit zero strength on process", "/api/process/vid", `{"blur_strength": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Equal(t, "validation_failed", body["code"])
		})
	}

	// No body at all renders with the default strength and a 10s preview.
	resp, body := s.do(t, http.MethodPost, "/api/preview/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(80), body["frames"])

	resp, body = s.do(t, http.MethodGet, "/api/status/vid", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "analyzed", body["status"])
}
