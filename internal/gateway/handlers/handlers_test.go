package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmops/inference-gateway/internal/cloud"
	"github.com/llmops/inference-gateway/internal/gateway/forwarder"
	"github.com/llmops/inference-gateway/internal/gateway/ratelimit"
	"github.com/llmops/inference-gateway/internal/gateway/routing"
	"github.com/llmops/inference-gateway/internal/gateway/usage"
	"github.com/llmops/inference-gateway/internal/provisioner"
	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

const testAdminKey = "admin-secret"

// memStore is an in-memory stand-in for the redis counter store.
type memStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]int64{}}
}

func (s *memStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *memStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *memStore) Expire(context.Context, string, time.Duration) error { return nil }

func (s *memStore) Lock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

type testEnv struct {
	db     *database.DB
	router http.Handler
}

func newTestEnv(t *testing.T, cloudURL string) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:handlers_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	db := database.New(conn)
	require.NoError(t, db.AutoMigrate())

	limiter := ratelimit.New(newMemStore())
	selector := routing.New(db)
	recorder := usage.NewRecorder(db)
	fwd := forwarder.New(recorder, 5*time.Second)

	prov := provisioner.New(db, cloud.NewClient(cloudURL, "test-key"), provisioner.Options{
		VMStatusAttempts:    5,
		VMStatusDelay:       time.Millisecond,
		EngineProbeAttempts: 3,
		EngineProbeDelay:    time.Millisecond,
	})

	chatHandler := NewChatHandler(selector, fwd)
	adminHandler := NewAdminHandler(db, prov, "203.0.113.7")
	mw := NewMiddleware(db, limiter, testAdminKey)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth)
			r.Use(mw.RateLimit)
			r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		})
		r.Group(func(r chi.Router) {
			r.Use(mw.AdminAuth)
			r.Post("/generate_api_key", adminHandler.HandleGenerateAPIKey)
			r.Post("/delete_api_key", adminHandler.HandleDeleteAPIKey)
			r.Get("/models", adminHandler.HandleListModels)
			r.Post("/models", adminHandler.HandleCreateModel)
			r.Get("/models/{name}", adminHandler.HandleGetModel)
			r.Delete("/models/{id:[0-9]+}", adminHandler.HandleDeleteModel)
			r.Get("/models/{id:[0-9]+}/replicas", adminHandler.HandleListReplicas)
			r.Post("/models/{id:[0-9]+}/replicas", adminHandler.HandleCreateReplica)
			r.Put("/models/replicas/{id:[0-9]+}", adminHandler.HandleUpdateReplica)
			r.Delete("/replicas/{id:[0-9]+}", adminHandler.HandleDeleteReplica)
		})
	})

	return &testEnv{db: db, router: r}
}

func (e *testEnv) do(method, path, bearer string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Buffer
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewBuffer(raw)
	} else {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedKey(t *testing.T, userID string, rpm int) *models.APIKey {
	t.Helper()
	key, err := e.db.GetOrCreateAPIKey(context.Background(), userID, "tok-"+userID, rpm)
	require.NoError(t, err)
	return key
}

func (e *testEnv) seedModelWithEndpoint(t *testing.T, name, endpoint string) *models.LLMModel {
	t.Helper()
	model, err := e.db.CreateModel(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, e.db.CreateReplica(context.Background(), &models.Replica{
		ModelID: model.ID, VMStatus: models.VMStatusSuccess, Endpoint: endpoint,
	}))
	return model
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func chatPayload(model string) map[string]interface{} {
	return map[string]interface{}{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	}
}

// --- Auth ---

func TestChatRejectsMissingAPIKey(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/chat/completions", "", chatPayload("m"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key.", decodeBody(t, rec)["error"])
}

func TestChatRejectsUnknownAPIKey(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/chat/completions", "no-such-token", chatPayload("m"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRejectsDisabledAPIKey(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)
	require.NoError(t, env.db.DisableAPIKey(context.Background(), key.ID))

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("m"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "API key disabled.", decodeBody(t, rec)["error"])
}

func TestAdminRoutesRejectCallerKeys(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)

	rec := env.do(http.MethodGet, "/v1/models", key.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid Admin API key.", decodeBody(t, rec)["error"])
}

// --- Rate limiting ---

func TestRateLimitRejectsOverLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 2)
	env.seedModelWithEndpoint(t, "llama", upstream.URL)

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("llama"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d within limit", i+1)
	}

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("llama"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.Equal(t, "Rate limit exceeded: allowed 2 requests per minute.", body["message"])
	assert.EqualValues(t, 2, body["allowed_rpm"])
}

// --- Chat completions ---

func TestChatInvalidModel(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("ghost"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Model", decodeBody(t, rec)["error"])
}

func TestChatNoReadyReplica(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)
	_, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("llama"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No Replica available / ready.", decodeBody(t, rec)["error"])
}

func TestChatValidationErrors(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, map[string]interface{}{
		"model":       "",
		"messages":    []map[string]string{},
		"temperature": 3.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Errors, "model")
	assert.Contains(t, body.Errors, "messages")
	assert.Contains(t, body.Errors, "temperature")
}

func TestChatBufferedRoundTrip(t *testing.T) {
	upstreamBody := `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],` +
		`"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`
	var upstreamReq map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&upstreamReq)
		fmt.Fprint(w, upstreamBody)
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)
	env.seedModelWithEndpoint(t, "llama", upstream.URL)

	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, chatPayload("llama"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, upstreamBody, rec.Body.String())

	// The gateway-only flag never reaches the backend.
	_, hasRawFlag := upstreamReq["raw_stream_response"]
	assert.False(t, hasRawFlag)

	metrics, err := env.db.ListMetrics(context.Background(), key.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 6, metrics[0].TotalTokens)
}

func TestChatStreamingRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		// Streaming requests must ask the backend for usage on the
		// final chunk.
		opts, _ := req["stream_options"].(map[string]interface{})
		assert.Equal(t, true, opts["include_usage"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hey\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	env := newTestEnv(t, "")
	key := env.seedKey(t, "alice", 10)
	env.seedModelWithEndpoint(t, "llama", upstream.URL)

	payload := chatPayload("llama")
	payload["stream"] = true
	rec := env.do(http.MethodPost, "/v1/chat/completions", key.APIKey, payload)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `data: {"choices":[{"delta":{"content":"hey"}}]}`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

// --- API key lifecycle ---

func TestGenerateAPIKeyAndReuse(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/generate_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob", "allowed_rpm": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)
	assert.NotEmpty(t, first["api_key"])
	assert.Equal(t, true, first["enabled"])

	// Same user asks again: the existing key comes back, not a new one.
	rec = env.do(http.MethodPost, "/v1/generate_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, first["api_key"], second["api_key"])
}

func TestGenerateAPIKeyReenablesDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "bob", 10)
	require.NoError(t, env.db.DisableAPIKey(context.Background(), key.ID))

	rec := env.do(http.MethodPost, "/v1/generate_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["enabled"])
}

func TestDeleteAPIKeyNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/delete_api_key", testAdminKey, map[string]interface{}{
		"user_id": "ghost", "api_key_id": 999,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "API key not found for the given user_id and api_key_id",
		decodeBody(t, rec)["error"])
}

func TestDeleteAPIKeyWithoutMetricsIsHardDelete(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "bob", 10)

	rec := env.do(http.MethodPost, "/v1/delete_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob", "api_key_id": key.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "API key deleted successfully", decodeBody(t, rec)["message"])

	_, err := env.db.GetAPIKeyByToken(context.Background(), key.APIKey)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteAPIKeyWithMetricsDisablesInstead(t *testing.T) {
	env := newTestEnv(t, "")
	key := env.seedKey(t, "bob", 10)
	require.NoError(t, env.db.CreateMetric(context.Background(), &models.Metric{APIKeyID: key.ID}))

	rec := env.do(http.MethodPost, "/v1/delete_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob", "api_key_id": key.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "API key disabled successfully", decodeBody(t, rec)["message"])

	got, err := env.db.GetAPIKeyByToken(context.Background(), key.APIKey)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// Second delete of the now-disabled key conflicts.
	rec = env.do(http.MethodPost, "/v1/delete_api_key", testAdminKey, map[string]interface{}{
		"user_id": "bob", "api_key_id": key.ID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "API key already disabled", decodeBody(t, rec)["message"])
}

// --- Models ---

func TestCreateAndDuplicateModel(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/models", testAdminKey, map[string]string{"name": "llama"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "llama", decodeBody(t, rec)["model_name"])

	rec = env.do(http.MethodPost, "/v1/models", testAdminKey, map[string]string{"name": "llama"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Model already exists.", decodeBody(t, rec)["message"])
}

func TestListModelsActiveFilter(t *testing.T) {
	upstreamURL := "http://replica:8000/v1/chat/completions"
	env := newTestEnv(t, "")
	env.seedModelWithEndpoint(t, "ready-model", upstreamURL)
	_, err := env.db.CreateModel(context.Background(), "bare-model")
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/models", testAdminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []models.LLMModel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = env.do(http.MethodGet, "/v1/models?active=true", testAdminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []models.LLMModel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "ready-model", active[0].Name)
}

func TestGetModelByName(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/models/llama", testAdminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/models/ghost", testAdminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteModelCascades(t *testing.T) {
	env := newTestEnv(t, "")
	model := env.seedModelWithEndpoint(t, "llama", "http://a:8000")

	rec := env.do(http.MethodDelete, fmt.Sprintf("/v1/models/%d", model.ID), testAdminKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := env.db.GetModelByID(context.Background(), model.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)
	assert.Empty(t, replicas)
}

// --- Replicas ---

func TestCreateEndpointReplica(t *testing.T) {
	env := newTestEnv(t, "")
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	payload := map[string]interface{}{"endpoint": "http://gpu-1:8000/v1/chat/completions", "rate_limit": 100}
	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey, payload)
	require.Equal(t, http.StatusCreated, rec.Code)

	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	// An explicit endpoint is trusted and immediately routable.
	assert.Equal(t, models.VMStatusSuccess, replicas[0].VMStatus)

	rec = env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey, payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Endpoint already exists", decodeBody(t, rec)["error"])
}

func TestCreateReplicaModelNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/models/999/replicas", testAdminKey,
		map[string]interface{}{"endpoint": "http://a:8000"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Model not found", decodeBody(t, rec)["error"])
}

func TestCreateReplicaRequiresEndpointOrVM(t *testing.T) {
	env := newTestEnv(t, "")
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey,
		map[string]interface{}{"rate_limit": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"LLM EndPoint URL must not be empty."}, body.Errors["endpoint"])
}

func TestCreateVMReplicaValidation(t *testing.T) {
	env := newTestEnv(t, "")
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey,
		map[string]interface{}{
			"create_vm": true,
			"vm_creation_details": map[string]interface{}{
				"name": " starts-with-space",
				"port": 70000,
			},
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Errors, "name")
	assert.Contains(t, body.Errors, "port")
	assert.Contains(t, body.Errors, "run_command")
	assert.Contains(t, body.Errors, "environment_name")
}

func TestCreateVMReplicaSubmissionFailure(t *testing.T) {
	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":false,"message":"quota exceeded"}`, http.StatusBadRequest)
	}))
	defer cloudSrv.Close()

	env := newTestEnv(t, cloudSrv.URL)
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey,
		map[string]interface{}{
			"create_vm": true,
			"vm_creation_details": map[string]interface{}{
				"name":             "gpu-node-1",
				"environment_name": "prod",
				"image_name":       "ubuntu-22.04",
				"flavor_name":      "a100-80",
				"key_name":         "ops",
				"run_command":      "vllm serve llama",
				"port":             8000,
			},
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "quota exceeded")

	// Failed submission leaves no replica row behind.
	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)
	assert.Empty(t, replicas)
}

func TestCreateVMReplicaStartsPending(t *testing.T) {
	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req cloud.VMCreateRequest
			json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "gpu-node-1", req.Name)
			assert.Len(t, req.SecurityRules, 2)
			assert.NotEmpty(t, req.UserData)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":    true,
				"instances": []map[string]interface{}{{"id": 55, "status": cloud.StatusCreating}},
			})
			return
		}
		// Keep the monitor goroutine polling CREATING until it gives up.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   true,
			"instance": map[string]interface{}{"id": 55, "status": cloud.StatusCreating},
		})
	}))
	defer cloudSrv.Close()

	env := newTestEnv(t, cloudSrv.URL)
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)

	rec := env.do(http.MethodPost, fmt.Sprintf("/v1/models/%d/replicas", model.ID), testAdminKey,
		map[string]interface{}{
			"create_vm": true,
			"vm_creation_details": map[string]interface{}{
				"name":             "gpu-node-1",
				"environment_name": "prod",
				"image_name":       "ubuntu-22.04",
				"flavor_name":      "a100-80",
				"key_name":         "ops",
				"run_command":      "vllm serve llama",
				"port":             8000,
			},
		})
	require.Equal(t, http.StatusCreated, rec.Code)

	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, 55, replicas[0].VMID)
	assert.Equal(t, "gpu-node-1", replicas[0].Name)
	assert.Empty(t, replicas[0].Endpoint)

	// The background monitor eventually fails it: the fake VM never
	// goes ACTIVE within the attempt budget.
	require.Eventually(t, func() bool {
		got, err := env.db.GetReplica(context.Background(), replicas[0].ID)
		return err == nil && got.VMStatus == models.VMStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpdateReplicaRateLimit(t *testing.T) {
	env := newTestEnv(t, "")
	model := env.seedModelWithEndpoint(t, "llama", "http://a:8000")
	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)
	replica := replicas[0]

	rec := env.do(http.MethodPut, fmt.Sprintf("/v1/models/replicas/%d", replica.ID), testAdminKey,
		map[string]int{"rate_limit": 250})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := env.db.GetReplica(context.Background(), replica.ID)
	require.NoError(t, err)
	assert.Equal(t, 250, got.RateLimit)

	rec = env.do(http.MethodPut, "/v1/models/replicas/999", testAdminKey, map[string]int{"rate_limit": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteVMBackedReplicaTearsDownVM(t *testing.T) {
	var deleted []string
	var mu sync.Mutex
	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer cloudSrv.Close()

	env := newTestEnv(t, cloudSrv.URL)
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)
	replica := &models.Replica{ModelID: model.ID, VMStatus: models.VMStatusFailed, VMID: 55}
	require.NoError(t, env.db.CreateReplica(context.Background(), replica))

	rec := env.do(http.MethodDelete, fmt.Sprintf("/v1/replicas/%d", replica.ID), testAdminKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/virtual-machines/55"}, deleted)

	_, err = env.db.GetReplica(context.Background(), replica.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteReplicaSurvivesProviderFailure(t *testing.T) {
	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":false,"message":"not found"}`, http.StatusNotFound)
	}))
	defer cloudSrv.Close()

	env := newTestEnv(t, cloudSrv.URL)
	model, err := env.db.CreateModel(context.Background(), "llama")
	require.NoError(t, err)
	replica := &models.Replica{ModelID: model.ID, VMStatus: models.VMStatusFailed, VMID: 77}
	require.NoError(t, env.db.CreateReplica(context.Background(), replica))

	// The provider rejecting the teardown must not strand the row.
	rec := env.do(http.MethodDelete, fmt.Sprintf("/v1/replicas/%d", replica.ID), testAdminKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = env.db.GetReplica(context.Background(), replica.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteReplica(t *testing.T) {
	env := newTestEnv(t, "")
	model := env.seedModelWithEndpoint(t, "llama", "http://a:8000")
	replicas, err := env.db.ListReplicas(context.Background(), model.ID)
	require.NoError(t, err)

	rec := env.do(http.MethodDelete, fmt.Sprintf("/v1/replicas/%d", replicas[0].ID), testAdminKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = env.db.GetReplica(context.Background(), replicas[0].ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
