package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/cloud"
	"github.com/llmops/inference-gateway/internal/provisioner"
	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

const sshPort = 22

var vmNameRE = regexp.MustCompile(`^[^ ][\w -]*[^ ]$`)

// AdminHandler serves the control-plane CRUD surface: API keys, models,
// replicas. All routes sit behind the admin bearer secret.
type AdminHandler struct {
	db   *database.DB
	prov *provisioner.Provisioner
	// publicIP is the CIDR admitted through the service-port firewall
	// rule on provisioned VMs.
	publicIP string
}

// NewAdminHandler wires the admin surface.
func NewAdminHandler(db *database.DB, prov *provisioner.Provisioner, publicIP string) *AdminHandler {
	return &AdminHandler{db: db, prov: prov, publicIP: publicIP}
}

// --- API keys ---

type generateAPIKeyRequest struct {
	UserID     string `json:"user_id"`
	AllowedRPM int    `json:"allowed_rpm"`
}

// HandleGenerateAPIKey handles POST /v1/generate_api_key. A user who
// already owns a key gets it back re-enabled, with allowed_rpm updated
// when supplied.
func (h *AdminHandler) HandleGenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req generateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, FieldErrors{"_schema": {"Invalid JSON payload."}})
		return
	}
	if req.UserID == "" {
		writeFieldErrors(w, FieldErrors{"user_id": {"Shorter than minimum length 1."}})
		return
	}

	key, err := h.db.GetOrCreateAPIKey(r.Context(), req.UserID, uuid.NewString(), req.AllowedRPM)
	if err != nil {
		log.WithError(err).Error("failed to generate API key")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": key.APIKey,
		"id":      key.ID,
		"enabled": key.Enabled,
	})
}

type deleteAPIKeyRequest struct {
	UserID   string `json:"user_id"`
	APIKeyID uint   `json:"api_key_id"`
}

// HandleDeleteAPIKey handles POST /v1/delete_api_key. Keys referenced
// by usage metrics are disabled instead of deleted so metric rows never
// dangle; deleting an already-disabled key is a 409.
func (h *AdminHandler) HandleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	var req deleteAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, FieldErrors{"_schema": {"Invalid JSON payload."}})
		return
	}

	key, err := h.db.GetAPIKeyForUser(r.Context(), req.UserID, req.APIKeyID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "API key not found for the given user_id and api_key_id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !key.Enabled {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "API key already disabled"})
		return
	}

	hasMetrics, err := h.db.APIKeyHasMetrics(r.Context(), key.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if hasMetrics {
		if err := h.db.DisableAPIKey(r.Context(), key.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "API key disabled successfully"})
		return
	}

	if err := h.db.DeleteAPIKey(r.Context(), key.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "API key deleted successfully"})
}

// --- Models ---

type createModelRequest struct {
	Name string `json:"name"`
}

// HandleListModels handles GET /v1/models. With ?active=true only
// models with at least one ready replica are returned.
func (h *AdminHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != ""
	list, err := h.db.ListModels(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGetModel handles GET /v1/models/{name}.
func (h *AdminHandler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.db.GetModelByName(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Model not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// HandleCreateModel handles POST /v1/models.
func (h *AdminHandler) HandleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeFieldErrors(w, FieldErrors{"name": {"Missing data for required field."}})
		return
	}

	if _, err := h.db.GetModelByName(r.Context(), req.Name); err == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Model already exists."})
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	model, err := h.db.CreateModel(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"model_name": model.Name, "id": model.ID})
}

// HandleDeleteModel handles DELETE /v1/models/{id}: security rules,
// then replicas, then the model, so referential integrity holds.
func (h *AdminHandler) HandleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	if err := h.db.DeleteModelCascade(r.Context(), uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Replicas ---

type vmCreationDetails struct {
	Name             string `json:"name"`
	EnvironmentName  string `json:"environment_name"`
	ImageName        string `json:"image_name"`
	FlavorName       string `json:"flavor_name"`
	KeyName          string `json:"key_name"`
	RunCommand       string `json:"run_command"`
	AssignFloatingIP *bool  `json:"assign_floating_ip"`
	Port             int    `json:"port"`
}

type createReplicaRequest struct {
	Endpoint          string             `json:"endpoint"`
	RateLimit         int                `json:"rate_limit"`
	CreateVM          bool               `json:"create_vm"`
	VMCreationDetails *vmCreationDetails `json:"vm_creation_details"`
}

func (req *createReplicaRequest) validate() FieldErrors {
	errs := FieldErrors{}
	if !req.CreateVM && req.Endpoint == "" {
		errs.add("endpoint", "LLM EndPoint URL must not be empty.")
	}
	if req.CreateVM {
		if req.VMCreationDetails == nil {
			errs.add("vm_creation_details", "VM creation details must be provided when create_vm is True.")
			return errs
		}
		d := req.VMCreationDetails
		if !vmNameRE.MatchString(d.Name) {
			errs.add("name", "Invalid name format. Name must not start or end with a space "+
				"and can contain alphanumeric characters, spaces, and hyphens.")
		}
		for field, value := range map[string]string{
			"environment_name": d.EnvironmentName,
			"image_name":       d.ImageName,
			"flavor_name":      d.FlavorName,
			"key_name":         d.KeyName,
			"run_command":      d.RunCommand,
		} {
			if value == "" {
				errs.add(field, "Missing data for required field.")
			}
		}
		if d.Port < 1 || d.Port > 65535 {
			errs.add("port", "Invalid port. Must be between 1 and 65535.")
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// HandleListReplicas handles GET /v1/models/{id}/replicas.
func (h *AdminHandler) HandleListReplicas(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	replicas, err := h.db.ListReplicas(r.Context(), uint(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, replicas)
}

// HandleCreateReplica handles POST /v1/models/{id}/replicas. With an
// explicit endpoint the replica is immediately routable; with
// create_vm the VM-creation request is submitted synchronously and the
// replica starts PENDING, finalized later by the provisioner alone.
func (h *AdminHandler) HandleCreateReplica(w http.ResponseWriter, r *http.Request) {
	modelID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid model id")
		return
	}

	var req createReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, FieldErrors{"_schema": {"Invalid JSON payload."}})
		return
	}
	if errs := req.validate(); errs != nil {
		writeFieldErrors(w, errs)
		return
	}

	model, err := h.db.GetModelByID(r.Context(), uint(modelID))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Model not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !req.CreateVM {
		h.createEndpointReplica(w, r, model.ID, &req)
		return
	}
	h.createVMReplica(w, r, model.ID, &req)
}

func (h *AdminHandler) createEndpointReplica(w http.ResponseWriter, r *http.Request, modelID uint, req *createReplicaRequest) {
	exists, err := h.db.ReplicaEndpointExists(r.Context(), modelID, req.Endpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if exists {
		writeError(w, http.StatusBadRequest, "Endpoint already exists")
		return
	}

	replica := models.Replica{
		ModelID:   modelID,
		Endpoint:  req.Endpoint,
		RateLimit: req.RateLimit,
		VMStatus:  models.VMStatusSuccess,
	}
	if err := h.db.CreateReplica(r.Context(), &replica); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint{"replica_id": replica.ID})
}

func (h *AdminHandler) createVMReplica(w http.ResponseWriter, r *http.Request, modelID uint, req *createReplicaRequest) {
	d := req.VMCreationDetails
	assignFloatingIP := d.AssignFloatingIP == nil || *d.AssignFloatingIP

	// Open the inference service port to the operator's address and the
	// administrative SSH port.
	rules := []cloud.SecurityRule{
		{
			Direction:      "ingress",
			Protocol:       "tcp",
			Ethertype:      "IPv4",
			RemoteIPPrefix: h.publicIP,
			PortRangeMin:   d.Port,
			PortRangeMax:   d.Port,
		},
		{
			Direction:      "ingress",
			Protocol:       "tcp",
			Ethertype:      "IPv4",
			RemoteIPPrefix: "0.0.0.0/0",
			PortRangeMin:   sshPort,
			PortRangeMax:   sshPort,
		},
	}

	vm, err := h.prov.Submit(r.Context(), cloud.VMCreateRequest{
		Name:             d.Name,
		EnvironmentName:  d.EnvironmentName,
		ImageName:        d.ImageName,
		FlavorName:       d.FlavorName,
		KeyName:          d.KeyName,
		AssignFloatingIP: assignFloatingIP,
		SecurityRules:    rules,
		UserData:         cloud.UserData(d.RunCommand),
	})
	if err != nil {
		// Submission failed: no PENDING replica is persisted and the
		// provisioning state machine never starts.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	replica := models.Replica{
		ModelID:          modelID,
		RateLimit:        req.RateLimit,
		VMStatus:         models.VMStatusPending,
		Name:             d.Name,
		EnvironmentName:  d.EnvironmentName,
		ImageName:        d.ImageName,
		FlavorName:       d.FlavorName,
		AssignFloatingIP: assignFloatingIP,
		RunCommand:       d.RunCommand,
		KeyName:          d.KeyName,
		VMID:             vm.ID,
	}
	if err := h.db.CreateReplica(r.Context(), &replica); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ruleRows := make([]models.ReplicaSecurityRule, 0, len(rules))
	for _, rule := range rules {
		ruleRows = append(ruleRows, models.ReplicaSecurityRule{
			ReplicaID:      replica.ID,
			Direction:      rule.Direction,
			Protocol:       rule.Protocol,
			Ethertype:      rule.Ethertype,
			RemoteIPPrefix: rule.RemoteIPPrefix,
			PortRangeMin:   rule.PortRangeMin,
			PortRangeMax:   rule.PortRangeMax,
		})
	}
	if err := h.db.CreateSecurityRules(r.Context(), ruleRows); err != nil {
		log.WithError(err).WithField("replica_id", replica.ID).Error("failed to persist security rules")
	}

	go h.prov.Monitor(replica.ID, vm.ID, d.Port)

	writeJSON(w, http.StatusCreated, map[string]uint{"replica_id": replica.ID})
}

type updateReplicaRequest struct {
	RateLimit *int `json:"rate_limit"`
}

// HandleUpdateReplica handles PUT /v1/models/replicas/{id}.
func (h *AdminHandler) HandleUpdateReplica(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid replica id")
		return
	}

	var req updateReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RateLimit == nil {
		writeFieldErrors(w, FieldErrors{"rate_limit": {"Missing data for required field."}})
		return
	}

	if _, err := h.db.GetReplica(r.Context(), uint(id)); errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Replica not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.db.UpdateReplicaRateLimit(r.Context(), uint(id), *req.RateLimit); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteReplica handles DELETE /v1/replicas/{id}: the backing
// VM, if any, is torn down at the provider, then security rules and
// the replica row are removed.
func (h *AdminHandler) HandleDeleteReplica(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid replica id")
		return
	}

	replica, err := h.db.GetReplica(r.Context(), uint(id))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if replica != nil && replica.VMID != 0 {
		// Best effort: a provider failure must not strand the row.
		if err := h.prov.Decommission(r.Context(), replica.VMID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"replica_id": replica.ID,
				"vm_id":      replica.VMID,
			}).Error("failed to delete VM at provider")
		}
	}

	if err := h.db.DeleteReplicaCascade(r.Context(), uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
