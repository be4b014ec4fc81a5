package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmops/inference-gateway/internal/shared/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the gorm connection and exposes the entity operations the
// gateway and the provisioner need. Each write commits immediately;
// there are no cross-entity transactions.
type DB struct {
	conn *gorm.DB
}

// Open connects to the database identified by dsn. Postgres DSNs
// (postgres:// URLs or key=value strings) use the pgx-backed driver,
// anything else is treated as a SQLite path.
func Open(dsn string) (*DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("database: empty dsn")
	}

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var conn *gorm.DB
	var err error
	if isPostgresDSN(trimmed) {
		conn, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		conn, err = gorm.Open(sqlite.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return &DB{conn: conn}, nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// New wraps an existing gorm connection. Used by tests running on
// in-memory SQLite.
func New(conn *gorm.DB) *DB { return &DB{conn: conn} }

// AutoMigrate creates or updates the schema for all entities.
func (db *DB) AutoMigrate() error {
	return db.conn.AutoMigrate(
		&models.APIKey{},
		&models.LLMModel{},
		&models.Replica{},
		&models.ReplicaSecurityRule{},
		&models.Metric{},
	)
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- API keys ---

// GetAPIKeyByToken looks up a key by its secret token value. Disabled
// keys are still returned; enforcement happens at the gateway.
func (db *DB) GetAPIKeyByToken(ctx context.Context, token string) (*models.APIKey, error) {
	var key models.APIKey
	err := db.conn.WithContext(ctx).Where("api_key = ?", token).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetOrCreateAPIKey returns the existing key for userID or creates a
// fresh one. An existing key is re-enabled and, when allowedRPM is
// positive, its limit is updated.
func (db *DB) GetOrCreateAPIKey(ctx context.Context, userID, token string, allowedRPM int) (*models.APIKey, error) {
	var key models.APIKey
	err := db.conn.WithContext(ctx).Where("user_id = ?", userID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		key = models.APIKey{UserID: userID, APIKey: token, AllowedRPM: 20, Enabled: true}
		if allowedRPM > 0 {
			key.AllowedRPM = allowedRPM
		}
		if err := db.conn.WithContext(ctx).Create(&key).Error; err != nil {
			return nil, err
		}
		return &key, nil
	}
	if err != nil {
		return nil, err
	}

	key.Enabled = true
	if allowedRPM > 0 {
		key.AllowedRPM = allowedRPM
	}
	if err := db.conn.WithContext(ctx).Save(&key).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// GetAPIKeyForUser fetches a key by owner and id.
func (db *DB) GetAPIKeyForUser(ctx context.Context, userID string, keyID uint) (*models.APIKey, error) {
	var key models.APIKey
	err := db.conn.WithContext(ctx).Where("user_id = ? AND id = ?", userID, keyID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// APIKeyHasMetrics reports whether any metric references the key.
func (db *DB) APIKeyHasMetrics(ctx context.Context, keyID uint) (bool, error) {
	var count int64
	err := db.conn.WithContext(ctx).Model(&models.Metric{}).Where("api_key_id = ?", keyID).Count(&count).Error
	return count > 0, err
}

// DisableAPIKey flips the enabled flag off, keeping the row and its metrics.
func (db *DB) DisableAPIKey(ctx context.Context, keyID uint) error {
	return db.conn.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", keyID).Update("enabled", false).Error
}

// DeleteAPIKey removes the key row outright.
func (db *DB) DeleteAPIKey(ctx context.Context, keyID uint) error {
	return db.conn.WithContext(ctx).Delete(&models.APIKey{}, keyID).Error
}

// --- Models ---

// GetModelByName fetches a model by unique name.
func (db *DB) GetModelByName(ctx context.Context, name string) (*models.LLMModel, error) {
	var model models.LLMModel
	err := db.conn.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// GetModelByID fetches a model by primary key.
func (db *DB) GetModelByID(ctx context.Context, id uint) (*models.LLMModel, error) {
	var model models.LLMModel
	err := db.conn.WithContext(ctx).First(&model, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ListModels returns all models. With activeOnly set, only models that
// have at least one ready replica are returned.
func (db *DB) ListModels(ctx context.Context, activeOnly bool) ([]models.LLMModel, error) {
	var out []models.LLMModel
	q := db.conn.WithContext(ctx).Model(&models.LLMModel{})
	if activeOnly {
		q = q.Joins(
			"JOIN replicas ON replicas.model_id = llm_models.id AND replicas.vm_status = ?",
			models.VMStatusSuccess,
		).Distinct()
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// CreateModel inserts a new model row.
func (db *DB) CreateModel(ctx context.Context, name string) (*models.LLMModel, error) {
	model := models.LLMModel{Name: name}
	if err := db.conn.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

// DeleteModelCascade removes security rules, then replicas, then the
// model, in that order to keep referential integrity.
func (db *DB) DeleteModelCascade(ctx context.Context, modelID uint) error {
	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var replicaIDs []uint
		if err := tx.Model(&models.Replica{}).Where("model_id = ?", modelID).Pluck("id", &replicaIDs).Error; err != nil {
			return err
		}
		if len(replicaIDs) > 0 {
			if err := tx.Where("replica_id IN ?", replicaIDs).Delete(&models.ReplicaSecurityRule{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("model_id = ?", modelID).Delete(&models.Replica{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.LLMModel{}, modelID).Error
	})
}

// --- Replicas ---

// FirstReadyReplica returns the first replica of the model with
// vm_status = SUCCESS in natural row order.
func (db *DB) FirstReadyReplica(ctx context.Context, modelID uint) (*models.Replica, error) {
	var replica models.Replica
	err := db.conn.WithContext(ctx).
		Where("model_id = ? AND vm_status = ?", modelID, models.VMStatusSuccess).
		Order("id").
		First(&replica).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &replica, nil
}

// GetReplica fetches a replica by primary key.
func (db *DB) GetReplica(ctx context.Context, id uint) (*models.Replica, error) {
	var replica models.Replica
	err := db.conn.WithContext(ctx).First(&replica, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &replica, nil
}

// ListReplicas returns all replicas of a model.
func (db *DB) ListReplicas(ctx context.Context, modelID uint) ([]models.Replica, error) {
	var out []models.Replica
	err := db.conn.WithContext(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error
	return out, err
}

// ReplicaEndpointExists reports whether the model already has a replica
// with the given endpoint.
func (db *DB) ReplicaEndpointExists(ctx context.Context, modelID uint, endpoint string) (bool, error) {
	var count int64
	err := db.conn.WithContext(ctx).Model(&models.Replica{}).
		Where("model_id = ? AND endpoint = ?", modelID, endpoint).
		Count(&count).Error
	return count > 0, err
}

// CreateReplica inserts a replica row.
func (db *DB) CreateReplica(ctx context.Context, replica *models.Replica) error {
	return db.conn.WithContext(ctx).Create(replica).Error
}

// UpdateReplicaRateLimit updates the informational per-replica limit.
func (db *DB) UpdateReplicaRateLimit(ctx context.Context, replicaID uint, rateLimit int) error {
	return db.conn.WithContext(ctx).Model(&models.Replica{}).
		Where("id = ?", replicaID).
		Update("rate_limit", rateLimit).Error
}

// FinalizeReplica records the terminal provisioning outcome. The guard
// on vm_status = PENDING makes the transition happen at most once.
func (db *DB) FinalizeReplica(ctx context.Context, replicaID uint, status, endpoint string, vmID int, errorMessage string) error {
	return db.conn.WithContext(ctx).Model(&models.Replica{}).
		Where("id = ? AND vm_status = ?", replicaID, models.VMStatusPending).
		Updates(map[string]interface{}{
			"vm_status":     status,
			"endpoint":      endpoint,
			"vm_id":         vmID,
			"error_message": errorMessage,
		}).Error
}

// DeleteReplicaCascade removes a replica's security rules, then the replica.
func (db *DB) DeleteReplicaCascade(ctx context.Context, replicaID uint) error {
	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("replica_id = ?", replicaID).Delete(&models.ReplicaSecurityRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Replica{}, replicaID).Error
	})
}

// CreateSecurityRules inserts the batch of rules for a replica.
func (db *DB) CreateSecurityRules(ctx context.Context, rules []models.ReplicaSecurityRule) error {
	if len(rules) == 0 {
		return nil
	}
	return db.conn.WithContext(ctx).Create(&rules).Error
}

// --- Metrics ---

// CreateMetric appends a usage record.
func (db *DB) CreateMetric(ctx context.Context, metric *models.Metric) error {
	return db.conn.WithContext(ctx).Create(metric).Error
}

// ListMetrics returns metrics for a key, newest first. Used by tests
// and the admin surface.
func (db *DB) ListMetrics(ctx context.Context, keyID uint) ([]models.Metric, error) {
	var out []models.Metric
	err := db.conn.WithContext(ctx).Where("api_key_id = ?", keyID).Order("id DESC").Find(&out).Error
	return out, err
}
