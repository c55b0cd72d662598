package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

// Gateway performs model calls.
type Gateway interface {
	StreamCall(ctx context.Context, req openrouter.ChatRequest, onDelta func(openrouter.TextDelta) error) (*openrouter.Completion, error)
	Complete(ctx context.Context, req openrouter.ChatRequest) (*openrouter.Completion, error)
}

// errStopped aborts a stream when the run's cancel flag is set.
var errStopped = errors.New("stopped by cancel flag")

// execMsg is sent from an executor to its coordinator. Exactly one message
// with done set ends every attempt.
type execMsg struct {
	text string

	done       bool
	completion *openrouter.Completion
	err        error
	latency    time.Duration
}

// executor runs one stage attempt against the gateway.
type executor struct {
	gateway   Gateway
	cancelled *atomic.Bool
	logger    *slog.Logger
}

// run calls the gateway and reports text and completion on out. Streaming
// models deliver text chunk by chunk; others deliver the whole reply as a
// single chunk. The cancel flag is checked between chunks.
func (e *executor) run(ctx context.Context, req openrouter.ChatRequest, streaming bool, out chan<- execMsg) {
	start := time.Now()

	send := func(text string) error {
		if e.cancelled.Load() {
			return errStopped
		}
		select {
		case out <- execMsg{text: text}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		c   *openrouter.Completion
		err error
	)
	if streaming {
		req.Stream = true
		c, err = e.gateway.StreamCall(ctx, req, func(d openrouter.TextDelta) error {
			if d.Text == "" {
				return nil
			}
			return send(d.Text)
		})
	} else {
		req.Stream = false
		c, err = e.gateway.Complete(ctx, req)
		if err == nil && c.Text != "" {
			err = send(c.Text)
		}
	}
	if err != nil {
		c = nil
		e.logger.Debug("stage attempt failed", "model", req.Model, "err", err)
	}

	out <- execMsg{done: true, completion: c, err: err, latency: time.Since(start)}
}
