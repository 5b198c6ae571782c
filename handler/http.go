package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"dvai-assistant/internal/usecase"
)

// HTTPHandler serves the ask endpoint over net/http with flushed SSE streaming.
type HTTPHandler struct {
	uc   AskUseCase
	opts options
}

func NewHTTPHandler(uc AskUseCase, opts ...Option) (*HTTPHandler, error) {
	if uc == nil {
		return nil, errors.New("handler: ask use case must not be nil")
	}
	return &HTTPHandler{uc: uc, opts: newOptions(opts)}, nil
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)

	in := h.readInput(r)
	in.CorrelationID = correlationID
	in.Session = strings.TrimSpace(r.Header.Get(headerSessionID))
	in.Subject = remoteIP(r)

	if h.opts.streaming && r.URL.Query().Get("stream") == "true" {
		h.serveStream(w, r, in)
		return
	}

	out, err := h.uc.Ask(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody(out))
}

func (h *HTTPHandler) readInput(r *http.Request) usecase.AskInput {
	limit := h.opts.maxBodyBytes
	if r.ContentLength > int64(limit) {
		return usecase.AskInput{PayloadBytes: int(r.ContentLength)}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		return usecase.AskInput{PayloadBytes: len(body), DecodeErr: err}
	}
	return buildInput(body, len(body), limit)
}

func (h *HTTPHandler) serveStream(w http.ResponseWriter, r *http.Request, in usecase.AskInput) {
	rc := http.NewResponseController(w)
	stream := &sseStream{
		w: w,
		begin: func() {
			w.Header().Set("Content-Type", contentTypeSSE)
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		},
		flush: func() { _ = rc.Flush() },
	}
	in.OnToken = stream.token

	out, err := h.uc.Ask(r.Context(), in)
	if err != nil && !stream.started {
		writeError(w, err)
		return
	}
	stream.finish(out, err)
}

func writeError(w http.ResponseWriter, err error) {
	status, body, retryAfter := errorBody(err)
	if retryAfter > 0 {
		w.Header().Set(headerRetryAfter, retryAfterSeconds(retryAfter))
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(encodeJSON(v))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = firstForwarded(r.Header.Get(headerForwardedFor))
	}
	return host
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health always answers ok while the process serves requests.
func Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready answers 503 while p cannot be reached. A nil p is always ready.
func Ready(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
