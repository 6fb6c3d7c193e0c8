// Package messaging publishes program-update notifications after a
// migration changes donor validity or stats.
package messaging

import (
	"context"
	"sync"

	"clinicalcore/internal/observability"
)

// Notifier announces that a program's donors changed.
type Notifier interface {
	NotifyProgramUpdated(ctx context.Context, programID string) error
}

// LogNotifier writes each notification to the logger. It stands in for a
// message bus producer.
type LogNotifier struct {
	logger observability.Logger
	topic  string
}

// NewLogNotifier returns a notifier publishing to topic (default
// "PROGRAM_UPDATE").
func NewLogNotifier(logger observability.Logger, topic string) *LogNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if topic == "" {
		topic = "PROGRAM_UPDATE"
	}
	return &LogNotifier{logger: logger, topic: topic}
}

func (n *LogNotifier) NotifyProgramUpdated(ctx context.Context, programID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("program updated", "topic", n.topic, "programId", programID)
	return nil
}

// Recorder keeps notified program ids in memory.
type Recorder struct {
	mu       sync.Mutex
	programs []string
	// Err, when set, is returned from every notification.
	Err error
}

func (r *Recorder) NotifyProgramUpdated(_ context.Context, programID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = append(r.programs, programID)
	return r.Err
}

// Programs returns the notified ids in call order.
func (r *Recorder) Programs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.programs...)
}
