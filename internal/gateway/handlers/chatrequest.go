package handlers

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// FieldErrors maps a payload field to its validation failures,
// preserving the per-field error contract of the API.
type FieldErrors map[string][]string

func (e FieldErrors) add(field, message string) {
	e[field] = append(e[field], message)
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatCompletionRequest is the typed, validated chat-completion payload
// accepted by the gateway. Optional sampling parameters are pointers so
// absent fields are not forwarded upstream with zero values.
type ChatCompletionRequest struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`

	MaxTokens        *int           `json:"max_tokens,omitempty"`
	N                *int           `json:"n,omitempty"`
	Stop             interface{}    `json:"stop,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	Seed             *int           `json:"seed,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"`
	Logprobs         bool           `json:"logprobs,omitempty"`
	TopLogprobs      *int           `json:"top_logprobs,omitempty"`
	User             string         `json:"user,omitempty"`

	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	// RawStreamResponse selects verbatim SSE passthrough (default) over
	// normalized bare-JSON lines. Never forwarded upstream.
	RawStreamResponse *bool `json:"raw_stream_response,omitempty"`
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// parseChatCompletionRequest decodes and validates the request body,
// returning either the typed request or the per-field error map.
func parseChatCompletionRequest(body io.Reader) (*ChatCompletionRequest, FieldErrors) {
	errs := FieldErrors{}

	var req ChatCompletionRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		errs.add("_schema", fmt.Sprintf("Invalid JSON payload: %v", err))
		return nil, errs
	}

	if req.Model == "" {
		errs.add("model", "Model must not be empty.")
	}
	if len(req.Messages) == 0 {
		errs.add("messages", "Shorter than minimum length 1.")
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			errs.add("messages", fmt.Sprintf("Message %d: role must be one of: system, user, assistant.", i))
		}
	}

	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		errs.add("max_tokens", "Must be greater than or equal to 1.")
	}
	if req.N != nil && *req.N < 1 {
		errs.add("n", "Must be greater than or equal to 1.")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		errs.add("temperature", "Must be greater than or equal to 0 and less than or equal to 2.")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		errs.add("top_p", "Must be greater than or equal to 0 and less than or equal to 1.")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		errs.add("frequency_penalty", "Must be greater than or equal to -2 and less than or equal to 2.")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		errs.add("presence_penalty", "Must be greater than or equal to -2 and less than or equal to 2.")
	}
	for token, bias := range req.LogitBias {
		if bias < -100 || bias > 100 {
			errs.add("logit_bias", fmt.Sprintf("Bias for token %q must be between -100 and 100.", token))
		}
	}

	if req.TopLogprobs != nil {
		if !req.Logprobs {
			errs.add("top_logprobs", "top_logprobs can only be set if logprobs is True")
		}
		if *req.TopLogprobs < 0 || *req.TopLogprobs > 20 {
			errs.add("top_logprobs", "Must be greater than or equal to 0 and less than or equal to 20.")
		}
	}

	switch stop := req.Stop.(type) {
	case nil, string:
	case []interface{}:
		for _, item := range stop {
			if _, ok := item.(string); !ok {
				errs.add("stop", "All elements in the stop list must be strings")
				break
			}
		}
	default:
		errs.add("stop", "stop must be either a string or a list of strings")
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &req, nil
}

// Raw reports the effective raw_stream_response flag; it defaults on.
func (r *ChatCompletionRequest) Raw() bool {
	return r.RawStreamResponse == nil || *r.RawStreamResponse
}

// UpstreamPayload serializes the request for the backend: the
// raw_stream_response flag is stripped, and streaming requests ask the
// backend to include usage statistics on the final chunk.
func (r *ChatCompletionRequest) UpstreamPayload() ([]byte, error) {
	out := *r
	out.RawStreamResponse = nil
	if out.Stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	} else {
		out.StreamOptions = nil
	}
	return json.Marshal(out)
}
