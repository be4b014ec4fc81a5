package routing

import (
	"context"
	"errors"

	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

var (
	// ErrInvalidModel means no model with the requested name exists.
	ErrInvalidModel = errors.New("invalid model")
	// ErrNoReplicaAvailable means the model has no replica in SUCCESS state.
	ErrNoReplicaAvailable = errors.New("no replica available")
	// ErrMissingEndpoint means the selected replica has no endpoint URL.
	ErrMissingEndpoint = errors.New("missing endpoint url")
)

// Selector picks a ready replica for a model. Selection is "first
// ready" in natural row order; there is no load balancing and the
// replica row is not locked, so concurrent requests may fan in to the
// same backend.
type Selector struct {
	db *database.DB
}

// New creates a Selector reading replica state from the database.
func New(db *database.DB) *Selector {
	return &Selector{db: db}
}

// Select resolves the model name and returns its first ready replica.
// State is read fresh on every call; the provisioner communicates with
// the selector only through the persisted replica rows.
func (s *Selector) Select(ctx context.Context, modelName string) (*models.Replica, error) {
	model, err := s.db.GetModelByName(ctx, modelName)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidModel
	}
	if err != nil {
		return nil, err
	}

	replica, err := s.db.FirstReadyReplica(ctx, model.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoReplicaAvailable
	}
	if err != nil {
		return nil, err
	}

	if !replica.Routable() {
		return nil, ErrMissingEndpoint
	}
	return replica, nil
}
