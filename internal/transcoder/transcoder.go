package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"nim-relay/internal/config"
	"nim-relay/internal/modelmap"
	"nim-relay/internal/models"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

// ErrNoCredential indicates the upstream credential is missing. The check
// precedes all other work, so no upstream call is ever made for it.
var ErrNoCredential = errors.New("NVIDIA_API_KEY is not configured")

// ErrMissingChoices indicates an upstream success body without a choices
// array; it is treated as any other upstream failure.
var ErrMissingChoices = errors.New("upstream response did not include choices")

// UpstreamCaller abstracts the NVIDIA client so tests can substitute spies.
type UpstreamCaller interface {
	CreateChatCompletion(ctx context.Context, req models.UpstreamChatRequest) (*http.Response, error)
}

// Transcoder rewrites caller requests into the upstream schema and reshapes
// the results back. It holds no per-request state.
type Transcoder struct {
	cfg      config.Settings
	table    *modelmap.Table
	upstream UpstreamCaller
	now      func() time.Time
}

// New wires a transcoder against the given mapping table and upstream client.
func New(cfg config.Settings, table *modelmap.Table, upstream UpstreamCaller) *Transcoder {
	return &Transcoder{
		cfg:      cfg,
		table:    table,
		upstream: upstream,
		now:      time.Now,
	}
}

// BuildUpstreamRequest remaps the model name and injects defaults for absent
// optional fields. Messages pass through untouched.
func (t *Transcoder) BuildUpstreamRequest(inbound models.ChatCompletionRequest) models.UpstreamChatRequest {
	out := models.UpstreamChatRequest{
		Model:       t.table.Resolve(inbound.Model),
		Messages:    inbound.Messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}

	if inbound.Temperature != nil {
		out.Temperature = *inbound.Temperature
	}
	if inbound.MaxTokens != nil {
		out.MaxTokens = *inbound.MaxTokens
	}
	if inbound.Stream != nil {
		out.Stream = *inbound.Stream
	}

	return out
}

// Dispatch builds the upstream request and issues the call. The boolean
// reports whether the caller asked for a streamed response; when true the
// returned response body is an open stream to be relayed verbatim.
func (t *Transcoder) Dispatch(ctx context.Context, inbound models.ChatCompletionRequest) (*http.Response, bool, error) {
	if !t.cfg.APIConfigured() {
		return nil, false, ErrNoCredential
	}

	upstreamReq := t.BuildUpstreamRequest(inbound)

	httpResp, err := t.upstream.CreateChatCompletion(ctx, upstreamReq)
	if err != nil {
		return nil, false, err
	}

	return httpResp, upstreamReq.Stream, nil
}

// Reshape converts a buffered upstream body into the caller-facing response,
// substituting back the model id the caller asked for. Usage defaults to
// all-zero counts when the upstream omitted it.
func (t *Transcoder) Reshape(requestedModel string, body io.Reader) (models.ChatCompletionResponse, error) {
	var upstreamResp models.UpstreamChatResponse
	if err := json.NewDecoder(body).Decode(&upstreamResp); err != nil {
		return models.ChatCompletionResponse{}, fmt.Errorf("decode upstream response: %w", err)
	}

	if upstreamResp.Choices == nil {
		return models.ChatCompletionResponse{}, ErrMissingChoices
	}

	resp := models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: t.now().Unix(),
		Model:   requestedModel,
		Choices: upstreamResp.Choices,
	}

	if upstreamResp.Usage != nil {
		resp.Usage = *upstreamResp.Usage
	}

	return resp, nil
}
