package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"dvai-assistant/internal/domain"
	"dvai-assistant/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSessionID     = "X-Session-Id"
	headerForwardedFor  = "X-Forwarded-For"
	headerRetryAfter    = "Retry-After"
	contentTypeJSON     = "application/json"
	contentTypeSSE      = "text/event-stream"
	defaultMaxBodyBytes = 16 << 10
)

type AskUseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
}

type askRequest struct {
	Question string               `json:"question"`
	History  []domain.ChatMessage `json:"history,omitempty"`
	Context  *domain.ClickContext `json:"context,omitempty"`
}

type knowledgeResponse struct {
	domain.KnowledgeAnswer
	Mode string `json:"mode"`
}

type modelResponse struct {
	domain.ModelAnswer
	Mode   string `json:"mode"`
	Intent string `json:"intent,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Mode    string `json:"mode,omitempty"`
}

type tokenEvent struct {
	Token string `json:"token"`
}

type options struct {
	maxBodyBytes int
	streaming    bool
}

type Option func(*options)

// WithMaxBodyBytes sets the size above which bodies are not decoded.
func WithMaxBodyBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithStreaming enables the stream=true query flag.
func WithStreaming(enabled bool) Option {
	return func(o *options) { o.streaming = enabled }
}

func newOptions(opts []Option) options {
	o := options{maxBodyBytes: defaultMaxBodyBytes, streaming: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// buildInput decodes body unless it is over the limit; oversize and malformed
// bodies are reported by the use case so they go through its pipeline.
func buildInput(body []byte, size, limit int) usecase.AskInput {
	in := usecase.AskInput{PayloadBytes: size}
	if size > limit {
		return in
	}
	var req askRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		in.DecodeErr = fmt.Errorf("handler: decode request: %w", err)
		return in
	}
	in.Question = req.Question
	in.History = req.History
	in.Context = req.Context
	return in
}

func successBody(out usecase.AskOutput) any {
	if out.Knowledge != nil {
		return knowledgeResponse{KnowledgeAnswer: *out.Knowledge, Mode: out.Mode}
	}
	if out.Model != nil {
		return modelResponse{ModelAnswer: *out.Model, Mode: out.Mode, Intent: string(out.Intent)}
	}
	return errorResponse{Error: string(usecase.ErrorInternal), Message: usecase.ErrorInternal.Message(), Mode: domain.ModeError}
}

// answerText is the text streamed for answers that were not produced token by token.
func answerText(out usecase.AskOutput) string {
	switch {
	case out.Knowledge != nil && len(out.Knowledge.Responses) > 0:
		return out.Knowledge.Responses[0]
	case out.Model != nil:
		return out.Model.SpokenText
	}
	return ""
}

func errorBody(err error) (int, errorResponse, time.Duration) {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		usecaseErr = &usecase.Error{Code: usecase.ErrorInternal, Err: err}
	}
	code := usecaseErr.Code
	return code.HTTPStatus(), errorResponse{
		Error:   string(code),
		Message: code.Message(),
		Mode:    domain.ModeError,
	}, usecaseErr.RetryAfter
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

func encodeJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"INTERNAL","message":"encode failure","mode":"error"}`)
	}
	return b
}

// sseStream writes server-sent events; begin is called once before the first write.
type sseStream struct {
	w       io.Writer
	flush   func()
	begin   func()
	started bool
}

func (s *sseStream) event(name string, v any) error {
	if !s.started {
		s.started = true
		if s.begin != nil {
			s.begin()
		}
	}
	var b strings.Builder
	if name != "" {
		b.WriteString("event: " + name + "\n")
	}
	b.WriteString("data: ")
	b.Write(encodeJSON(v))
	b.WriteString("\n\n")
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("handler: write event: %w", err)
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

func (s *sseStream) token(tok string) error {
	return s.event("", tokenEvent{Token: tok})
}

// finish closes a stream: answers that were not streamed are sent as a single
// token, then a done event carries the full body.
func (s *sseStream) finish(out usecase.AskOutput, err error) {
	if err != nil {
		_, body, _ := errorBody(err)
		_ = s.event("error", body)
		return
	}
	if !out.Streamed {
		if text := answerText(out); text != "" {
			if s.token(text) != nil {
				return
			}
		}
	}
	_ = s.event("done", successBody(out))
}

func firstForwarded(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
