package models

// Replica VM provisioning states. A replica only ever moves
// PENDING -> SUCCESS or PENDING -> FAILED, exactly once.
const (
	VMStatusPending = "PENDING"
	VMStatusSuccess = "SUCCESS"
	VMStatusFailed  = "FAILED"
)

// SentinelTokens marks a usage statistic the backend never reported,
// as opposed to a reported zero.
const SentinelTokens = -999

// APIKey is an API key issued to a user.
type APIKey struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	UserID     string `gorm:"type:varchar(255);index" json:"user_id"`
	APIKey     string `gorm:"type:varchar(255);uniqueIndex" json:"api_key"`
	AllowedRPM int    `gorm:"default:20" json:"allowed_rpm"`
	Enabled    bool   `gorm:"default:true" json:"enabled"`
}

// LLMModel is a model name that replicas can serve.
type LLMModel struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(255);uniqueIndex" json:"name"`

	Replicas []Replica `gorm:"foreignKey:ModelID" json:"-"`
}

// TableName keeps the table name singular-free, matching the migrations.
func (LLMModel) TableName() string { return "llm_models" }

// Replica is one deployed inference engine instance for a model.
// Endpoint stays empty until provisioning finishes.
type Replica struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	ModelID uint `gorm:"not null;index" json:"model_id"`

	Endpoint  string `gorm:"type:varchar(255)" json:"endpoint"`
	RateLimit int    `json:"rate_limit"`
	VMStatus  string `gorm:"type:varchar(255);default:PENDING" json:"vm_status"`

	// VM descriptor, populated when the replica is backed by a provisioned VM.
	Name             string `gorm:"type:varchar(255)" json:"name"`
	EnvironmentName  string `gorm:"type:varchar(255)" json:"environment_name"`
	ImageName        string `gorm:"type:varchar(255)" json:"image_name"`
	FlavorName       string `gorm:"type:varchar(255)" json:"flavor_name"`
	AssignFloatingIP bool   `json:"assign_floating_ip"`
	RunCommand       string `gorm:"type:text" json:"run_command"`
	KeyName          string `gorm:"type:varchar(255)" json:"key_name"`
	VMID             int    `json:"vm_id"`
	ErrorMessage     string `gorm:"type:text" json:"error_message"`
}

// Routable reports whether the replica is eligible for request routing.
func (r *Replica) Routable() bool {
	return r.VMStatus == VMStatusSuccess && r.Endpoint != ""
}

// ReplicaSecurityRule is a firewall rule created alongside a provisioned replica.
type ReplicaSecurityRule struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ReplicaID      uint   `gorm:"not null;index" json:"replica_id"`
	Direction      string `gorm:"type:varchar(64);not null" json:"direction"`
	Protocol       string `gorm:"type:varchar(64);not null" json:"protocol"`
	Ethertype      string `gorm:"type:varchar(64);not null" json:"ethertype"`
	RemoteIPPrefix string `gorm:"type:varchar(64);not null" json:"remote_ip_prefix"`
	PortRangeMin   int    `gorm:"not null" json:"port_range_min"`
	PortRangeMax   int    `gorm:"not null" json:"port_range_max"`
}

// Metric is one append-only usage record per completion call.
type Metric struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	APIKeyID uint `gorm:"index" json:"api_key_id"`

	Input            string  `gorm:"type:text" json:"input"`
	Created          int64   `json:"created"`
	Model            string  `gorm:"type:varchar(255)" json:"model"`
	Choices          string  `gorm:"type:text" json:"choices"`
	PromptTokens     int     `json:"prompt_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Duration         float64 `json:"duration"`
}
