package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvai-assistant/internal/domain"
)

func TestEndpointURLs(t *testing.T) {
	cases := []struct {
		base, chat, moderation string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions", "https://api.openai.com/v1/moderations"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions", "https://api.openai.com/v1/moderations"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions", "http://localhost:8080/v1/moderations"},
		{"", "https://api.openai.com/v1/chat/completions", "https://api.openai.com/v1/moderations"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.chat, chatURL(tc.base), "base=%q", tc.base)
		require.Equal(t, tc.moderation, moderationURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "/dvai-assistant")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/dvai-assistant/")
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1", c.baseURL)
	require.Equal(t, "/dvai-assistant/openai-token", c.TokenParameterName())
}

func TestResolveAPIKey_FetchedOnce(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "/dvai-assistant")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := c.resolveAPIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", key)
	}
	require.Equal(t, 1, calls)
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	c, err := NewClient(g, "/dvai-assistant")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "throttled")

	g.err, g.val = nil, `{"token":"sk-late"}`
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-late", key)
}

// fakeGetter stands in for the parameter store.
type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestFetchAPIKey(t *testing.T) {
	const name = "/dvai-assistant/openai-token"
	cases := []struct {
		desc    string
		getter  Getter
		name    string
		want    string
		wantErr string
	}{
		{"json token", &fakeGetter{val: `{"token":"sk-from-json"}`}, name, "sk-from-json", ""},
		{"missing field", &fakeGetter{val: `{"other":"value"}`}, name, "", "API token is empty"},
		{"malformed", &fakeGetter{val: `{"broken`}, name, "", "unmarshal"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, name, "", "ssm unavailable"},
		{"nil getter", nil, name, "", "nil"},
		{"blank name", &fakeGetter{val: `{"token":"x"}`}, " ", "", "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			key, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.name)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, key)
		})
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/dvai-assistant",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_Chat_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"response_format":{"type":"json_schema"`)
		require.Contains(t, string(reqBody), `"name":"assistant_reply"`)
		require.Contains(t, string(reqBody), `"spokenText"`)
		require.NotContains(t, string(reqBody), `"stream"`)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "{\"spokenText\":\"Olá\"}" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Chat(context.Background(), "gpt-mock", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, `{"spokenText":"Olá"}`, resp)
}

func fixedServer(status int, body string, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClient_Chat_Failures(t *testing.T) {
	cases := []struct {
		desc    string
		status  int
		body    string
		wantErr string
	}{
		{"bad request", 400, `{"error":"bad request"}`, "unexpected status 400"},
		{"throttled", 429, `{"error":"rate limited"}`, "unexpected status 429"},
		{"server error", 500, `{"error":"internal"}`, "unexpected status 500"},
		{"invalid json", 200, `not-a-json`, "decode response"},
		{"no choices", 200, `{"choices":[]}`, "no choices"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := fixedServer(tc.status, tc.body, 0)
			defer srv.Close()

			_, err := newTestClient(t, srv).Chat(context.Background(), "gpt-mock", []domain.ChatMessage{{Role: "user", Content: "oi"}})
			require.ErrorContains(t, err, tc.wantErr)

			var se *HTTPStatusError
			if tc.status != 200 {
				require.ErrorAs(t, err, &se)
				require.Equal(t, tc.status, se.HTTPStatusCode())
			} else {
				require.False(t, errors.As(err, &se))
			}
		})
	}
}

func TestClient_Timeouts(t *testing.T) {
	srv := fixedServer(200, `{"results":[{"flagged":false}]}`, 200*time.Millisecond)
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Chat(context.Background(), "gpt-mock", nil)
	require.Error(t, err)
	_, err = c.Moderate(context.Background(), "oi")
	require.Error(t, err)
}

func TestClient_Chat_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/dvai-assistant")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "", nil)
	require.ErrorContains(t, err, "model")
}

func TestClient_Moderate(t *testing.T) {
	cases := []struct {
		desc    string
		status  int
		body    string
		flagged bool
		wantErr string
	}{
		{"clean", 200, `{"results":[{"flagged":false}]}`, false, ""},
		{"flagged", 200, `{"results":[{"flagged":true}]}`, true, ""},
		{"throttled", 429, `{"error":"rate limited"}`, false, "429"},
		{"server error", 500, `{"error":"internal"}`, false, "500"},
		{"malformed", 200, `not-json`, false, "decode moderation response"},
		{"no results", 200, `{"results":[]}`, false, "no results"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/moderations", r.URL.Path)
				require.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			flagged, err := newTestClient(t, srv).Moderate(context.Background(), "Como funciona a plataforma?")
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.flagged, flagged)
		})
	}
}

func TestClient_Moderate_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/dvai-assistant")
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err = c.Moderate(context.Background(), "oi")
	require.ErrorContains(t, err, "request failed")
}

func streamServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"stream":true`)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestClient_ChatStream_DeliversDeltas(t *testing.T) {
	srv := streamServer(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"{\"spokenText\":"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"\"Oi\"}"}}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	var deltas []string
	c := newTestClient(t, srv)
	full, err := c.ChatStream(context.Background(), "gpt-mock", nil, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, `{"spokenText":"Oi"}`, full)
	require.Equal(t, []string{`{"spokenText":`, `"Oi"}`}, deltas)
}

func TestClient_ChatStream_CallbackErrorAborts(t *testing.T) {
	srv := streamServer(t,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	stop := errors.New("client gone")
	calls := 0
	c := newTestClient(t, srv)
	_, err := c.ChatStream(context.Background(), "gpt-mock", nil, func(string) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestClient_ChatStream_MalformedChunk(t *testing.T) {
	srv := streamServer(t, `data: {broken`)
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ChatStream(context.Background(), "gpt-mock", nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode stream chunk")
}

func TestClient_ChatStream_EmptyStream(t *testing.T) {
	srv := streamServer(t)
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ChatStream(context.Background(), "gpt-mock", nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "without content")
}

func TestClient_ChatStream_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ChatStream(context.Background(), "gpt-mock", nil, nil)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 503, statusErr.HTTPStatusCode())
}

func TestClient_ChatStream_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/dvai-assistant")
	require.NoError(t, err)
	_, err = c.ChatStream(context.Background(), "", nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestClient_Chat_SendsTuningOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"temperature":0.2`)
		require.Contains(t, string(reqBody), `"max_tokens":300`)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/dvai-assistant",
		WithBaseURL(srv.URL),
		WithTemperature(0.2),
		WithMaxTokens(300),
	)
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "gpt-mock", nil)
	require.NoError(t, err)
}
