package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/llmops/inference-gateway/internal/gateway/forwarder"
	"github.com/llmops/inference-gateway/internal/gateway/routing"
)

// ChatHandler serves POST /v1/chat/completions: select a ready replica
// for the requested model, then forward buffered or streaming.
type ChatHandler struct {
	selector *routing.Selector
	fwd      *forwarder.Forwarder
}

// NewChatHandler wires the chat-completion pipeline.
func NewChatHandler(selector *routing.Selector, fwd *forwarder.Forwarder) *ChatHandler {
	return &ChatHandler{selector: selector, fwd: fwd}
}

// HandleChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	key, ok := apiKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid API key.")
		return
	}

	req, fieldErrs := parseChatCompletionRequest(r.Body)
	if fieldErrs != nil {
		writeFieldErrors(w, fieldErrs)
		return
	}

	replica, err := h.selector.Select(r.Context(), req.Model)
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrInvalidModel):
			writeError(w, http.StatusBadRequest, "Invalid Model")
		case errors.Is(err, routing.ErrNoReplicaAvailable):
			writeError(w, http.StatusBadRequest, "No Replica available / ready.")
		case errors.Is(err, routing.ErrMissingEndpoint):
			writeError(w, http.StatusBadRequest, "Missing endpoint url.")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	payload, err := req.UpstreamPayload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	fwdReq := forwarder.Request{
		APIKeyID:  key.ID,
		Model:     req.Model,
		Payload:   payload,
		Raw:       req.Raw(),
		StartTime: startTime,
	}

	if req.Stream {
		h.handleStreaming(w, r, replica.Endpoint, fwdReq)
		return
	}

	body, err := h.fwd.ForwardBuffered(r.Context(), replica.Endpoint, fwdReq)
	if err != nil {
		writeForwardError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *ChatHandler) handleStreaming(w http.ResponseWriter, r *http.Request, endpoint string, req forwarder.Request) {
	// Headers are not committed until the first chunk is written, so a
	// pre-stream failure can still be reported as a JSON error below.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := h.fwd.ForwardStream(r.Context(), endpoint, req, w); err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeForwardError(w, err)
	}
}

func writeForwardError(w http.ResponseWriter, err error) {
	var fwdErr *forwarder.Error
	if errors.As(err, &fwdErr) {
		writeError(w, fwdErr.Status, fwdErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
