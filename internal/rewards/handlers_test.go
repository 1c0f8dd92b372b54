package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/tokens"
)

func setupTestRouter(t *testing.T, treasuryTokens int64) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t, treasuryTokens)
	h := NewHandler(f.service)
	r := gin.New()
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterProtectedRoutes(g)
	return r, f
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type runResponse struct {
	Distribution Run `json:"distribution"`
}

func TestHandler_DistributionLifecycle(t *testing.T) {
	r, f := setupTestRouter(t, 1000)
	f.seedTwo(t)

	w := doJSON(r, "GET", "/v1/rewards/calculate?startDate=2024-01-01&endDate=2024-01-08&totalTokens=300", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var calc struct {
		TotalPoints   int64 `json:"totalPoints"`
		PlannedTokens int64 `json:"plannedTokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &calc))
	assert.Equal(t, int64(150), calc.TotalPoints)
	assert.Equal(t, int64(300), calc.PlannedTokens)

	w = doJSON(r, "POST", "/v1/rewards/create-distribution", map[string]interface{}{
		"startDate": "2024-01-01", "endDate": "2024-01-08", "totalTokens": 300, "minPayout": 0,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created runResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Distribution.ID
	assert.Equal(t, StatusPending, created.Distribution.Status)

	w = doJSON(r, "POST", "/v1/rewards/create-distribution", map[string]interface{}{
		"startDate": "2024-01-01", "endDate": "2024-01-08", "totalTokens": 300,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, "POST", "/v1/rewards/distributions/"+id+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var executed runResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &executed))
	assert.Equal(t, StatusCompleted, executed.Distribution.Status)

	w = doJSON(r, "POST", "/v1/rewards/distributions/"+id+"/execute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, "GET", "/v1/rewards/distributions/"+id+"/payouts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payouts RunPayouts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payouts))
	assert.Len(t, payouts.Planned, 2)
	assert.Len(t, payouts.Records, 2)

	w = doJSON(r, "GET", "/v1/contributors/alice/payouts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(r, "GET", "/v1/rewards/distributions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestHandler_InsufficientTreasury(t *testing.T) {
	r, f := setupTestRouter(t, 10)
	f.seedTwo(t)
	run := f.createRun(t, 300)

	w := doJSON(r, "POST", "/v1/rewards/distributions/"+run.ID+"/execute", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_treasury")
}

func TestHandler_BadRequests(t *testing.T) {
	r, _ := setupTestRouter(t, 1000)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"inverted window", "GET", "/v1/rewards/calculate?startDate=2024-01-08&endDate=2024-01-01", nil, http.StatusBadRequest},
		{"bad date", "GET", "/v1/rewards/calculate?startDate=yesterday&endDate=2024-01-01", nil, http.StatusBadRequest},
		{"bad pool", "GET", "/v1/rewards/calculate?startDate=2024-01-01&endDate=2024-01-08&totalTokens=-5", nil, http.StatusBadRequest},
		{"missing body", "POST", "/v1/rewards/create-distribution", nil, http.StatusBadRequest},
		{"nothing earned", "POST", "/v1/rewards/create-distribution", map[string]interface{}{
			"startDate": "2024-01-01", "endDate": "2024-01-08", "totalTokens": 300,
		}, http.StatusUnprocessableEntity},
		{"unknown run", "GET", "/v1/rewards/distributions/run_missing", nil, http.StatusNotFound},
		{"bad cursor", "GET", "/v1/rewards/distributions?cursor=notvalid", nil, http.StatusBadRequest},
		{"bad limit", "GET", "/v1/rewards/distributions?limit=zero", nil, http.StatusBadRequest},
		{"complete unknown", "POST", "/v1/rewards/distribution-complete", map[string]string{"runId": "run_missing"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_ConfirmUnconfirmedTransfer(t *testing.T) {
	r, f := setupTestRouter(t, 1000)
	f.seedTwo(t)
	run := f.createRun(t, 300)

	w := doJSON(r, "POST", "/v1/rewards/confirm", map[string]interface{}{
		"runId": run.ID, "contributorId": "alice", "txRef": "0xbeef", "success": true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(r, "POST", "/v1/rewards/confirm", map[string]interface{}{
		"runId": run.ID, "contributorId": "alice", "success": false, "error": "manual hold",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"recorded":true`)
}

func TestHandler_ConfirmReusedTransferConflicts(t *testing.T) {
	r, f := setupTestRouter(t, 1000)
	f.seedTwo(t)
	run := f.createRun(t, 300)

	ref, err := f.ledger.SubmitTransfer(context.Background(), f.ledger.Treasury(), wallet(1), tokens.ToBaseUnits(200, tokens.Decimals))
	require.NoError(t, err)

	w := doJSON(r, "POST", "/v1/rewards/confirm", map[string]interface{}{
		"runId": run.ID, "contributorId": "alice", "txRef": ref, "success": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, "POST", "/v1/rewards/confirm", map[string]interface{}{
		"runId": run.ID, "contributorId": "bob", "txRef": ref, "success": true,
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"error":"conflict"`)
}
