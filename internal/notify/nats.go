package notify

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes status messages on <prefix>.<video id>.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials the server with reconnects enabled.
func ConnectNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("sentinel-blur"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (n *NATS) Name() string { return "nats" }

// Subject returns the subject used for a video.
func (n *NATS) Subject(videoID string) string {
	return Subject(n.prefix, videoID)
}

// Subject joins a subject prefix and a video id.
func Subject(prefix, videoID string) string {
	if prefix == "" {
		return videoID
	}
	return prefix + "." + videoID
}

func (n *NATS) PublishStatus(_ context.Context, msg StatusMessage) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(msg.VideoID), b)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
