package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"nim-relay/internal/config"
	"nim-relay/internal/modelmap"
	"nim-relay/internal/models"
	"nim-relay/internal/transcoder"
	"nim-relay/internal/upstream/nim"
)

func newTestServer(t *testing.T, upstreamURL, apiKey string) *Server {
	t.Helper()

	cfg := config.Settings{
		Port:          10000,
		NVIDIABaseURL: upstreamURL,
		NVIDIAAPIKey:  apiKey,
	}

	table := modelmap.Default()

	client, err := nim.New(cfg.NVIDIABaseURL, cfg.NVIDIAAPIKey)
	require.NoError(t, err)

	srv, err := New(cfg, table, transcoder.New(cfg, table, client))
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	srv.app.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorEnvelope {
	t.Helper()
	var envelope models.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "nvapi-test")

	rec := doRequest(srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "nim-relay", payload["service"])
	require.Equal(t, true, payload["api_configured"])
}

func TestHealthReportsMissingCredential(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "")

	rec := doRequest(srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, false, payload["api_configured"])
}

func TestRootDescriptor(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "nvapi-test")

	rec := doRequest(srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Service   string            `json:"service"`
		Endpoints map[string]string `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "nim-relay", payload.Service)
	require.Len(t, payload.Endpoints, 3)
	require.Contains(t, payload.Endpoints["chat_completions"], "/v1/chat/completions")
}

func TestModelsList(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "nvapi-test")

	rec := doRequest(srv, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload models.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "list", payload.Object)
	require.NotEmpty(t, payload.Data)

	ids := make(map[string]models.ModelCard, len(payload.Data))
	for _, card := range payload.Data {
		ids[card.ID] = card
	}
	card, ok := ids["gpt-3.5-turbo"]
	require.True(t, ok)
	require.Equal(t, "model", card.Object)
	require.Equal(t, "nvidia", card.OwnedBy)
	require.Positive(t, card.Created)
}

func TestChatCompletionsMissingCredential(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "")

	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.Equal(t, models.ErrorTypeConfiguration, envelope.Error.Type)
	require.Zero(t, upstreamCalls.Load())
}

func TestChatCompletionsBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer nvapi-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req models.UpstreamChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "meta/llama-3.1-70b-instruct", req.Model)
		require.Equal(t, 0.7, req.Temperature)
		require.Equal(t, 2048, req.MaxTokens)
		require.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hello"}],"stream":false}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "gpt-4", resp.Model)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.Equal(t, models.Usage{}, resp.Usage)
}

func TestChatCompletionsUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.Equal(t, "rate limited", envelope.Error.Message)
	require.Equal(t, models.ErrorTypeUpstream, envelope.Error.Type)
	require.Equal(t, http.StatusTooManyRequests, envelope.Error.Code)
}

func TestChatCompletionsUpstreamErrorPlainTextBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance window\n"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.Equal(t, "maintenance window", envelope.Error.Message)
	require.Equal(t, models.ErrorTypeUpstream, envelope.Error.Type)
	require.Equal(t, http.StatusServiceUnavailable, envelope.Error.Code)
}

func TestChatCompletionsMalformedUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"unexpected"}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	body := []byte(`{"model":"gpt-4","messages":[]}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.Equal(t, models.ErrorTypeUpstream, envelope.Error.Type)
}

func TestChatCompletionsStreamingPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.UpstreamChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: a\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: b\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	body := []byte(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "data: a\n\ndata: b\n\n", rec.Body.String())
}

func TestChatCompletionsMalformedInboundBodyForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.UpstreamChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Nothing decoded from the caller, so the defaults apply.
		require.Equal(t, "meta/llama-3.1-8b-instruct", req.Model)
		require.Equal(t, 2048, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, "nvapi-test")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", []byte(`not json at all`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPath(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "nvapi-test")

	rec := doRequest(srv, http.MethodGet, "/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	envelope := decodeEnvelope(t, rec)
	require.Equal(t, models.ErrorTypeNotFound, envelope.Error.Type)
	require.Contains(t, envelope.Error.Message, "/nonexistent")
}

func TestUnknownMethodOnKnownPath(t *testing.T) {
	srv := newTestServer(t, "https://example.test/v1", "nvapi-test")

	rec := doRequest(srv, http.MethodDelete, "/v1/chat/completions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, models.ErrorTypeNotFound, decodeEnvelope(t, rec).Error.Type)
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	cfg := config.Settings{Port: 10000, NVIDIABaseURL: "https://example.test/v1"}
	table := modelmap.Default()

	_, err := New(cfg, nil, transcoder.New(cfg, table, nil))
	require.Error(t, err)

	_, err = New(cfg, table, nil)
	require.Error(t, err)
}
