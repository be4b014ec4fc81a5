package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/gateway/metrics"
	"github.com/llmops/inference-gateway/internal/gateway/usage"
)

// dataLineRE matches SSE-framed completion chunks: optional whitespace,
// "data:", optional whitespace, then a JSON object. Lines that do not
// match (keep-alives, blanks) are skipped.
var dataLineRE = regexp.MustCompile(`^\s*data\s*:\s*({.*)`)

const maxScanTokenSize = 1024 * 1024

// Error carries the HTTP status the gateway should report for a failed
// forward. Upstream 4xx codes are propagated, everything else is
// normalized to 500.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func upstreamStatus(code int) int {
	if code >= 400 && code < 500 {
		return code
	}
	return http.StatusInternalServerError
}

// Request is one completion call to forward to a replica endpoint.
type Request struct {
	APIKeyID uint
	Model    string
	// Payload is the serialized chat-completion body sent upstream and
	// persisted verbatim in the usage metric.
	Payload []byte
	// Raw selects verbatim SSE passthrough over normalized bare-JSON lines.
	Raw       bool
	StartTime time.Time
}

// completionPayload is the subset of an OpenAI-compatible completion
// response (or stream chunk) the forwarder inspects.
type completionPayload struct {
	Choices []json.RawMessage `json:"choices"`
	Usage   *openai.Usage     `json:"usage"`
}

// Forwarder executes outbound completion calls against replica
// endpoints, relays output to the caller, and records usage metrics.
type Forwarder struct {
	recorder *usage.Recorder
	// client bounds buffered calls with a timeout; streamClient holds
	// connections open for the duration of generation and relies on the
	// request context for cancellation.
	client       *http.Client
	streamClient *http.Client
}

// New creates a Forwarder. timeout bounds non-streaming calls.
func New(recorder *usage.Recorder, timeout time.Duration) *Forwarder {
	return &Forwarder{
		recorder:     recorder,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

func (f *Forwarder) post(ctx context.Context, client *http.Client, endpoint string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// ForwardBuffered issues a non-streaming completion call and returns
// the upstream JSON body verbatim. A usage metric is recorded once the
// upstream produced a parseable response.
func (f *Forwarder) ForwardBuffered(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	resp, err := f.post(ctx, f.client, endpoint, req.Payload)
	if err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues("unreachable").Inc()
		return nil, &Error{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %v", endpoint, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues("unreachable").Inc()
		return nil, &Error{
			Status:  upstreamStatus(resp.StatusCode),
			Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %v", endpoint, err),
		}
	}

	if resp.StatusCode >= 400 {
		metrics.UpstreamFailuresTotal.WithLabelValues("status").Inc()
		return nil, &Error{
			Status:  upstreamStatus(resp.StatusCode),
			Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %s", endpoint, body),
		}
	}

	var parsed completionPayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues("protocol").Inc()
		return nil, &Error{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("Failed to decode response from LLM endpoint API (%s): %s", endpoint, body),
		}
	}

	choices, _ := json.Marshal(parsed.Choices)
	f.recorder.Record(ctx, req.APIKeyID, parsed.Usage, req.Payload, req.Model, choices, req.StartTime)

	return body, nil
}

// ForwardStream issues a streaming completion call and re-emits SSE
// chunks to w as they arrive, without buffering the whole response.
// Chunks with a non-empty choices list are relayed either verbatim
// (raw) or as the bare JSON payload plus a newline and accumulated for
// the single usage metric recorded when the stream ends or aborts. The
// metric's token counts come from the last chunk that reported usage,
// whether or not that chunk carried choices.
//
// A non-nil error is only returned while nothing has been written to w
// yet; once bytes are flushed, failures terminate the stream and are
// reported through logs and metrics alone.
func (f *Forwarder) ForwardStream(ctx context.Context, endpoint string, req Request, w http.ResponseWriter) error {
	resp, err := f.post(ctx, f.streamClient, endpoint, req.Payload)
	if err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues("unreachable").Inc()
		return &Error{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %v", endpoint, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		metrics.UpstreamFailuresTotal.WithLabelValues("status").Inc()
		return &Error{
			Status:  upstreamStatus(resp.StatusCode),
			Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %s", endpoint, body),
		}
	}

	flusher, _ := w.(http.Flusher)

	var (
		wrote     bool
		choices   []json.RawMessage
		lastUsage *openai.Usage
	)

	record := func() {
		serialized, _ := json.Marshal(choices)
		f.recorder.Record(ctx, req.APIKeyID, lastUsage, req.Payload, req.Model, serialized, req.StartTime)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Text()
		match := dataLineRE.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		var chunk completionPayload
		if err := json.Unmarshal([]byte(match[1]), &chunk); err != nil {
			metrics.UpstreamFailuresTotal.WithLabelValues("protocol").Inc()
			if !wrote {
				return &Error{
					Status:  http.StatusInternalServerError,
					Message: fmt.Sprintf("Failed to decode response from LLM endpoint API (%s): %s", endpoint, line),
				}
			}
			// Bytes already flushed to the client cannot be un-sent;
			// terminate the stream and still account for what was relayed.
			log.WithField("endpoint", endpoint).WithError(err).Error("aborting stream on undecodable chunk")
			record()
			return nil
		}

		// Backends honoring stream_options.include_usage report token
		// counts on a final chunk whose choices list is empty, so usage
		// is tracked before the emission filter.
		if chunk.Usage != nil {
			lastUsage = chunk.Usage
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		if req.Raw {
			fmt.Fprintf(w, "%s\n\n", line)
		} else {
			fmt.Fprintf(w, "%s\n", match[1])
		}
		if flusher != nil {
			flusher.Flush()
		}
		wrote = true
		metrics.StreamedChunksTotal.Inc()

		choices = append(choices, chunk.Choices...)
	}

	if err := scanner.Err(); err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues("unreachable").Inc()
		if !wrote {
			return &Error{
				Status:  http.StatusInternalServerError,
				Message: fmt.Sprintf("Failed to receive response from LLM endpoint API (%s): %v", endpoint, err),
			}
		}
		log.WithField("endpoint", endpoint).WithError(err).Error("stream interrupted")
	}

	record()
	return nil
}
