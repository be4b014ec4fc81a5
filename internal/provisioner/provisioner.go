package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/cloud"
	"github.com/llmops/inference-gateway/internal/gateway/metrics"
	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

// Options bound the two polling loops. The defaults give the VM about
// an hour to become active and the inference engine fifteen minutes to
// come up after that.
type Options struct {
	VMStatusAttempts    int
	VMStatusDelay       time.Duration
	EngineProbeAttempts int
	EngineProbeDelay    time.Duration
}

// DefaultOptions mirrors the production polling budget.
func DefaultOptions() Options {
	return Options{
		VMStatusAttempts:    60,
		VMStatusDelay:       60 * time.Second,
		EngineProbeAttempts: 30,
		EngineProbeDelay:    30 * time.Second,
	}
}

// Provisioner drives the replica state machine PENDING -> SUCCESS or
// PENDING -> FAILED. It communicates outcomes only by mutating replica
// rows; nothing ever waits on it.
type Provisioner struct {
	db     *database.DB
	client *cloud.Client
	opts   Options
	probe  *http.Client
}

// New creates a Provisioner using the given cloud client.
func New(db *database.DB, client *cloud.Client, opts Options) *Provisioner {
	return &Provisioner{
		db:     db,
		client: client,
		opts:   opts,
		probe:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Submit sends the VM-creation request to the provider synchronously.
// When submission fails the caller reports the error to the client and
// no PENDING replica is persisted, so the state machine never starts.
func (p *Provisioner) Submit(ctx context.Context, req cloud.VMCreateRequest) (*cloud.VM, error) {
	vm, err := p.client.CreateVM(ctx, req)
	if err != nil {
		// Prefer the provider's own error body as the diagnostic.
		var apiErr *cloud.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("error deploying VM: %s", apiErr.Body)
		}
		return nil, fmt.Errorf("error deploying VM: %w", err)
	}
	if vm.Status == cloud.StatusError {
		return nil, fmt.Errorf("error deploying VM: provider reported ERROR status")
	}
	return vm, nil
}

// Decommission tears down the provider VM backing a replica. Called
// when an operator deletes a VM-backed replica; the replica row is
// removed regardless of the outcome here.
func (p *Provisioner) Decommission(ctx context.Context, vmID int) error {
	return p.client.DeleteVM(ctx, vmID)
}

// Monitor runs the background half of provisioning for one replica:
// wait for the VM to become active, probe the inference engine, then
// finalize the replica exactly once. Intended to run in its own
// goroutine, detached from the HTTP request that created the replica.
func (p *Provisioner) Monitor(replicaID uint, vmID int, port int) {
	ctx := context.Background()
	logger := log.WithFields(log.Fields{"replica_id": replicaID, "vm_id": vmID})

	vm, err := p.waitForActive(ctx, vmID)
	if err != nil {
		logger.WithError(err).Error("VM never became active")
		p.finalize(ctx, replicaID, models.VMStatusFailed, "", vmID,
			fmt.Sprintf("Failed while waiting for VM to be active (%v)", err))
		return
	}

	endpoint := fmt.Sprintf("http://%s:%d/v1/chat/completions", vm.FloatingIP, port)
	if !p.engineReady(ctx, endpoint) {
		logger.WithField("endpoint", endpoint).Error("inference engine never became healthy")
		p.finalize(ctx, replicaID, models.VMStatusFailed, endpoint, vmID,
			"Unable to bootstrap inference engine")
		return
	}

	logger.WithField("endpoint", endpoint).Info("replica provisioned")
	p.finalize(ctx, replicaID, models.VMStatusSuccess, endpoint, vmID, "")
}

// waitForActive polls the provider until the VM reports ACTIVE with a
// floating IP assigned, bounded by the configured attempt budget.
func (p *Provisioner) waitForActive(ctx context.Context, vmID int) (*cloud.VM, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.VMStatusAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.VMStatusDelay)
		}

		vm, err := p.client.GetVM(ctx, vmID)
		if err != nil {
			lastErr = err
			continue
		}
		if vm.Status == cloud.StatusError {
			return nil, fmt.Errorf("VM entered ERROR state")
		}
		if vm.Status == cloud.StatusActive && vm.FloatingIP != "" {
			return vm, nil
		}
		lastErr = fmt.Errorf("VM status %q", vm.Status)
	}
	return nil, fmt.Errorf("retries exhausted: %v", lastErr)
}

// engineReady probes the completions URL until it answers 405: the
// route exists but rejects GET, which is a cheap proof the engine is
// serving without paying for a full completion round-trip.
func (p *Provisioner) engineReady(ctx context.Context, endpoint string) bool {
	for attempt := 0; attempt < p.opts.EngineProbeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.opts.EngineProbeDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false
		}
		resp, err := p.probe.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusMethodNotAllowed {
			return true
		}
	}
	return false
}

func (p *Provisioner) finalize(ctx context.Context, replicaID uint, status, endpoint string, vmID int, errorMessage string) {
	if err := p.db.FinalizeReplica(ctx, replicaID, status, endpoint, vmID, errorMessage); err != nil {
		log.WithError(err).WithField("replica_id", replicaID).Error("failed to finalize replica")
		return
	}
	metrics.ProvisioningOutcomesTotal.WithLabelValues(status).Inc()
}
