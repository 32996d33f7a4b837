// Package notify pushes job status transitions to external message brokers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/metrics"
	"go.uber.org/zap"
)

// StatusMessage is the JSON body sent for every status transition.
type StatusMessage struct {
	VideoID   string     `json:"video_id"`
	Status    job.Status `json:"status"`
	Previous  job.Status `json:"previous_status,omitempty"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Encode marshals the message as JSON.
func (m StatusMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Publisher delivers one status message to a broker.
type Publisher interface {
	Name() string
	PublishStatus(ctx context.Context, msg StatusMessage) error
}

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Notifier observes the registry and forwards status transitions to every
// publisher from a background goroutine, so broker latency never holds a job lock.
type Notifier struct {
	publishers []Publisher
	queue      chan StatusMessage
	timeout    time.Duration
	log        *zap.Logger
	done       chan struct{}
}

// NewNotifier creates a notifier. Call Run to start delivery.
func NewNotifier(log *zap.Logger, publishers ...Publisher) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		publishers: publishers,
		queue:      make(chan StatusMessage, defaultQueueSize),
		timeout:    defaultPublishTimeout,
		log:        log,
		done:       make(chan struct{}),
	}
}

// JobChanged implements job.Observer. Progress-only changes are ignored.
func (n *Notifier) JobChanged(prev, next job.Job) {
	if prev.Status == next.Status {
		return
	}
	msg := StatusMessage{
		VideoID:   next.ID,
		Status:    next.Status,
		Previous:  prev.Status,
		Progress:  next.Progress,
		Message:   next.Message,
		Error:     next.Error,
		Timestamp: next.UpdatedAt,
	}
	select {
	case n.queue <- msg:
	default:
		n.log.Warn("notification queue full, dropping status change",
			zap.String("job_id", next.ID), zap.String("status", string(next.Status)))
		metrics.NotificationsFailedTotal.WithLabelValues("queue").Inc()
	}
}

// Run delivers queued messages until ctx is cancelled, then drains what is left.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-n.queue:
					n.deliver(context.WithoutCancel(ctx), msg)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (n *Notifier) Done() <-chan struct{} { return n.done }

func (n *Notifier) deliver(ctx context.Context, msg StatusMessage) {
	for _, p := range n.publishers {
		pctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := p.PublishStatus(pctx, msg)
		cancel()
		if err != nil {
			metrics.NotificationsFailedTotal.WithLabelValues(p.Name()).Inc()
			n.log.Warn("status notification failed",
				zap.String("transport", p.Name()),
				zap.String("job_id", msg.VideoID),
				zap.String("status", string(msg.Status)),
				zap.Error(err))
		}
	}
}
