package usage

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

// Recorder persists one usage record per completion attempt that
// reached a backend. Failures to record are logged, never surfaced to
// the request path.
type Recorder struct {
	db  *database.DB
	now func() time.Time
}

// NewRecorder creates a Recorder writing to the given database.
func NewRecorder(db *database.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Record appends a metric row. usage may be nil when the backend never
// reported token counts; the three token fields then carry the -999
// sentinel so consumers can tell "never reported" from "reported zero".
func (r *Recorder) Record(ctx context.Context, apiKeyID uint, usage *openai.Usage, input []byte, model string, choices []byte, startTime time.Time) {
	metric := models.Metric{
		APIKeyID:         apiKeyID,
		Input:            string(input),
		Created:          startTime.Unix(),
		Model:            model,
		Choices:          string(choices),
		PromptTokens:     models.SentinelTokens,
		TotalTokens:      models.SentinelTokens,
		CompletionTokens: models.SentinelTokens,
		Duration:         r.now().Sub(startTime).Seconds(),
	}
	if usage != nil {
		metric.PromptTokens = usage.PromptTokens
		metric.TotalTokens = usage.TotalTokens
		metric.CompletionTokens = usage.CompletionTokens
	}

	if err := r.db.CreateMetric(ctx, &metric); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"api_key_id": apiKeyID,
			"model":      model,
		}).Error("failed to record usage metric")
	}
}
