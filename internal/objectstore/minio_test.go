package objectstore

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "renders/abc/output.mp4", ObjectKey("abc"))
}

func TestDownloadURLIsPresignedLocally(t *testing.T) {
	// With a fixed region presigning needs no server round trip.
	s, err := New(Config{Endpoint: "localhost:9000", AccessKey: "minioadmin", SecretKey: "minioadmin", Bucket: "renders", Region: "us-east-1"})
	require.NoError(t, err)

	raw, err := s.DownloadURL(context.Background(), "renders/abc/output.mp4", "blurred_clip.mp4")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.True(t, strings.HasSuffix(u.Path, "/renders/renders/abc/output.mp4"), u.Path)
	assert.Equal(t, `attachment; filename="blurred_clip.mp4"`, u.Query().Get("response-content-disposition"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}
