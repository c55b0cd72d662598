package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	doneMarker     = "[DONE]"
	maxSSELineSize = 1024 * 1024
)

// StreamCall issues one streaming chat completion and delivers text deltas
// to onDelta in strictly increasing index order. onDelta runs on the
// calling goroutine between chunks; returning an error aborts the stream
// and the error is returned wrapped.
//
// The call succeeds only if the stream ends with the explicit end marker.
// On timeout or interruption the partial text is discarded.
func (c *Client) StreamCall(ctx context.Context, req ChatRequest, onDelta func(TextDelta) error) (*Completion, error) {
	req.Stream = true
	return c.execute(ctx, req.Model, func(ctx context.Context) (*Completion, error) {
		return c.doStream(ctx, req, onDelta)
	})
}

// doStream performs one HTTP request and consumes its SSE body.
func (c *Client) doStream(ctx context.Context, req ChatRequest, onDelta func(TextDelta) error) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := c.newRequest(callCtx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	comp, err := c.readStream(resp.Body, req.Model, onDelta)
	if err != nil {
		if _, ok := err.(*abortError); ok {
			return nil, err
		}
		if ctx.Err() != nil || callCtx.Err() != nil {
			return nil, c.transportError(ctx, callCtx, err)
		}
		return nil, err
	}
	return comp, nil
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	id   string
	data string
}

// readStream parses the SSE body. Malformed and out-of-order frames are
// dropped and logged, never surfaced as text.
func (c *Client) readStream(r io.Reader, model string, onDelta func(TextDelta) error) (*Completion, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	var (
		text    strings.Builder
		comp    = &Completion{Model: model, Streamed: true}
		index   int
		lastID  int64 = -1
		pending sseEvent
		data    []string
		done    bool
	)

	// handle processes one complete event. It returns true once the end
	// marker is seen.
	handle := func(ev sseEvent) (bool, error) {
		if ev.data == doneMarker {
			return true, nil
		}

		if ev.id != "" {
			if n, err := strconv.ParseInt(ev.id, 10, 64); err == nil {
				if n <= lastID {
					c.logger.Warn("dropping out-of-order stream frame",
						"model", model, "id", n, "last_id", lastID)
					return false, nil
				}
				lastID = n
			}
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			c.logger.Warn("dropping malformed stream frame",
				"model", model, "error", err, "bytes", len(ev.data))
			return false, nil
		}

		if chunk.Error != nil {
			return false, classifyStreamError(chunk.Error.Message, chunk.Error.Code)
		}
		if chunk.Model != "" {
			comp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			comp.Usage = *chunk.Usage
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				comp.FinishReason = *choice.FinishReason
			}
			if choice.Index != 0 || choice.Delta.Content == "" {
				continue
			}
			d := TextDelta{Index: index, Text: choice.Delta.Content}
			index++
			text.WriteString(d.Text)
			if err := onDelta(d); err != nil {
				return false, &abortError{err: err}
			}
		}
		return false, nil
	}

	dispatch := func() (bool, error) {
		if len(data) == 0 {
			pending = sseEvent{}
			return false, nil
		}
		pending.data = strings.Join(data, "\n")
		data = data[:0]
		ev := pending
		pending = sseEvent{}
		return handle(ev)
	}

	for !done && scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		var err error
		switch {
		case line == "":
			done, err = dispatch()
		case strings.HasPrefix(line, ":"):
			// Comment or keep-alive.
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			pending.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		default:
			// event:, retry: and unknown fields are ignored.
		}
		if err != nil {
			return nil, err
		}
	}

	if !done {
		if err := scanner.Err(); err != nil {
			return nil, &ClassifiedError{
				Type:    ErrStreamInterrupted,
				Message: fmt.Sprintf("read stream: %v", err),
			}
		}
		// A final event without its trailing blank line.
		var err error
		if done, err = dispatch(); err != nil {
			return nil, err
		}
	}

	if !done {
		return nil, &ClassifiedError{
			Type:    ErrStreamInterrupted,
			Message: "stream ended without end marker",
		}
	}

	comp.Text = text.String()
	if comp.Usage.TotalTokens == 0 {
		comp.Usage.TotalTokens = comp.Usage.PromptTokens + comp.Usage.CompletionTokens
	}
	return comp, nil
}
