package demand

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/logging"
)

func TestMultiplier(t *testing.T) {
	tests := []struct {
		count int
		want  float64
	}{
		{0, 1.0},
		{1, 1.1},
		{5, 1.5},
		{10, 2.0},
		{15, 2.5},
		{1000, 2.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Multiplier(tt.count), 1e-9, "count %d", tt.count)
	}
}

func newFixture(t *testing.T, recent int, previous float64) (*contributions.MemoryStore, *Updater) {
	t.Helper()
	ctx := context.Background()
	store := contributions.NewMemoryStore()
	require.NoError(t, store.CreateContributor(ctx, &contributions.Contributor{ID: "alice", WalletAddress: "0x1111111111111111111111111111111111111111"}))
	require.NoError(t, store.CreateTopic(ctx, &contributions.Topic{ID: "top_go", Name: "go", DemandMultiplier: previous}))
	require.NoError(t, store.SetContentTopics(ctx, "page-go", []string{"top_go"}))

	now := time.Now()
	for i := 0; i < recent; i++ {
		require.NoError(t, store.RecordEvent(ctx, &contributions.Event{
			ID: fmt.Sprintf("e%d", i), ContributorID: "alice", ContentID: "page-go", CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		}))
	}
	// Outside the lookback window.
	require.NoError(t, store.RecordEvent(ctx, &contributions.Event{
		ID: "old", ContributorID: "alice", ContentID: "page-go", CreatedAt: now.Add(-45 * 24 * time.Hour),
	}))
	return store, NewUpdater(store, DefaultLookback, logging.Discard())
}

func TestUpdater_PersistsLargeChange(t *testing.T) {
	store, u := newFixture(t, 12, 1.0)

	res, err := u.Update(context.Background(), "top_go")
	require.NoError(t, err)
	assert.Equal(t, 12, res.RecentCount)
	assert.InDelta(t, 2.2, res.Multiplier, 1e-9)
	assert.True(t, res.Persisted)

	topic, err := store.GetTopic(context.Background(), "top_go")
	require.NoError(t, err)
	assert.InDelta(t, 2.2, topic.DemandMultiplier, 1e-9)
}

func TestUpdater_SkipsSmallChange(t *testing.T) {
	store, u := newFixture(t, 12, 2.15)

	res, err := u.Update(context.Background(), "top_go")
	require.NoError(t, err)
	assert.InDelta(t, 2.2, res.Multiplier, 1e-9, "computed value is returned")
	assert.False(t, res.Persisted)

	topic, err := store.GetTopic(context.Background(), "top_go")
	require.NoError(t, err)
	assert.Equal(t, 2.15, topic.DemandMultiplier)
}

func TestUpdater_NoRecentActivityResets(t *testing.T) {
	store, u := newFixture(t, 0, 2.5)

	res, err := u.Update(context.Background(), "top_go")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Multiplier)
	assert.True(t, res.Persisted)

	topic, _ := store.GetTopic(context.Background(), "top_go")
	assert.Equal(t, 1.0, topic.DemandMultiplier)
}

func TestUpdater_UnknownTopic(t *testing.T) {
	_, u := newFixture(t, 0, 1.0)
	_, err := u.Update(context.Background(), "top_missing")
	assert.ErrorIs(t, err, contributions.ErrTopicNotFound)
}

func TestUpdater_UpdateAll(t *testing.T) {
	store, u := newFixture(t, 20, 1.0)
	require.NoError(t, store.CreateTopic(context.Background(), &contributions.Topic{ID: "top_idle", Name: "idle", DemandMultiplier: 1.0}))

	summary, err := u.UpdateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Updated: 1, Skipped: 1}, summary)
}

func TestHandler_Refresh(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, u := newFixture(t, 3, 1.0)
	r := gin.New()
	NewHandler(u).RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/demand/refresh/top_go", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/demand/refresh/top_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/demand/refresh", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWorker_RunsOnStart(t *testing.T) {
	store, u := newFixture(t, 12, 1.0)
	w := NewWorker(u, time.Hour, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		topic, err := store.GetTopic(context.Background(), "top_go")
		return err == nil && topic.DemandMultiplier > 1.0
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
