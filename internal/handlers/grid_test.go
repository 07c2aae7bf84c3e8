package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/dispatch"
	"github.com/Orius-AI/Orius-Node/internal/generator"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
	"github.com/Orius-AI/Orius-Node/internal/trust"
	"github.com/Orius-AI/Orius-Node/internal/verify"
)

func newTestRouter(t *testing.T) (*chi.Mux, *store.MemoryStore, *generator.Generator) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	secret := []byte("handler-test-secret")

	trustService := trust.NewService(st, config.TrustConfig{
		SuccessDelta:         0.5,
		CanarySuccessDelta:   1.5,
		FailurePenalty:       2,
		CanaryFailurePenalty: 12,
	}, nil, logger)
	dispatcher := dispatch.NewDispatcher(st, trustService, config.DispatchConfig{
		AdmissionFloor: 20,
		// No canaries in HTTP tests; the dispatch paths are covered in
		// the dispatch package.
		CanaryProbability: 0,
	}, secret, logger)
	verifier := verify.NewVerifier(st, trustService, config.VerificationConfig{
		Plausibility: map[string]config.TimingWindow{
			"matrix_multiply": {MinMs: 50, MaxMs: 30000},
			"hash_iteration":  {MinMs: 20, MaxMs: 20000},
		},
	}, secret, nil, logger)
	gen := generator.NewGenerator(st, config.GeneratorConfig{
		DefaultRedundancy: 1,
		TaskTTL:           time.Hour,
	}, nil, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/request", RequestTask(dispatcher, logger))
		r.Post("/tasks/{taskID}/submit", SubmitResult(verifier, logger))
		r.Get("/tasks/{taskID}/result", GetTaskResult(st, logger))
		r.Put("/nodes/{nodeID}/capabilities", RegisterCapabilities(st, logger))
		r.Get("/nodes/{nodeID}/trust", GetTrust(trustService, logger))
	})
	return r, st, gen
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestTaskEmptyPool(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/request", models.TaskRequest{NodeID: "node-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Task *models.TaskEnvelope `json:"task"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Task != nil {
		t.Errorf("expected a nil task for an empty pool")
	}
}

func TestRequestTaskMissingNodeID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/request", models.TaskRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRequestTaskBannedNodeGetsForbidden(t *testing.T) {
	router, st, _ := newTestRouter(t)

	if _, err := st.UpdateTrust(context.Background(), "bad-node", func(tr *models.TrustRecord) error {
		tr.Banned = true
		return nil
	}); err != nil {
		t.Fatalf("seed ban: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/request", models.TaskRequest{NodeID: "bad-node"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != models.ErrCodeNodeBanned {
		t.Errorf("error code = %q", resp.Code)
	}
}

func TestRequestThenSubmitRoundTrip(t *testing.T) {
	router, st, gen := newTestRouter(t)
	ctx := context.Background()

	task, err := gen.SynthesizeTask(models.TaskTypeMatrixMultiply, 1)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks/request", models.TaskRequest{NodeID: "node-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("request status = %d, body = %s", rec.Code, rec.Body)
	}
	var reqResp struct {
		Task *models.TaskEnvelope `json:"task"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reqResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reqResp.Task == nil {
		t.Fatalf("no task returned")
	}

	// Recompute the expected answer from the envelope payload the way a
	// node would, then submit it.
	var payload struct {
		A [][]int64 `json:"a"`
		B [][]int64 `json:"b"`
	}
	if err := json.Unmarshal(reqResp.Task.InputPayload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	product := multiply(payload.A, payload.B)
	result, _ := json.Marshal(map[string]interface{}{"product": product})

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/submit", reqResp.Task.TaskID), models.SubmitRequest{
		NodeID:          "node-1",
		Result:          result,
		ExecutionTimeMs: 5000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body)
	}
	var outcome models.SubmitOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !outcome.Verified || !outcome.Finalized {
		t.Errorf("outcome = %+v, want verified and finalized", outcome)
	}

	// The consensus record is now queryable.
	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/result", reqResp.Task.TaskID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body = %s", rec.Code, rec.Body)
	}
	var taskResult models.TaskResult
	if err := json.Unmarshal(rec.Body.Bytes(), &taskResult); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !taskResult.ConsensusReached {
		t.Errorf("consensus not reached: %+v", taskResult)
	}
}

func TestSubmitDuplicateGetsConflict(t *testing.T) {
	router, st, gen := newTestRouter(t)
	ctx := context.Background()

	task, err := gen.SynthesizeTask(models.TaskTypeHashIteration, 1)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	task.Redundancy = 3
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := st.ClaimNextTask(ctx, "node-1", models.Capabilities{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	body := models.SubmitRequest{
		NodeID:          "node-1",
		Result:          json.RawMessage(`{"digest":"ff"}`),
		ExecutionTimeMs: 5000,
	}
	path := fmt.Sprintf("/api/v1/tasks/%s/submit", task.ID)
	if rec := doJSON(t, router, http.MethodPost, path, body); rec.Code != http.StatusOK {
		t.Fatalf("first submit status = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, path, body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate submit status = %d, want 409", rec.Code)
	}
}

func TestCapabilitiesAndTrustEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/v1/nodes/node-1/capabilities", models.RegisterCapabilitiesRequest{
		Capabilities: models.Capabilities{HasGPU: true, Tags: []string{"cuda", "fp16"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("capabilities status = %d, body = %s", rec.Code, rec.Body)
	}
	var node models.NodeRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &node); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !node.HasGPU || len(node.Capabilities) != 2 {
		t.Errorf("node record = %+v", node)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/nodes/node-1/trust", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trust status = %d", rec.Code)
	}
	var info models.TrustInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Score != models.TrustScoreMax || info.Banned {
		t.Errorf("fresh node trust = %+v", info)
	}
}

func TestGetTaskResultUnknownTask(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/3f6f1b3e-89ab-4cde-9012-345678901234/result", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func multiply(a, b [][]int64) [][]int64 {
	n := len(a)
	out := make([][]int64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]int64, n)
		for j := 0; j < n; j++ {
			var sum int64
			for k := 0; k < n; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}
