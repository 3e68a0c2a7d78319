package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsLiveButNotReadyBeforeFirstRun(t *testing.T) {
	c := New("node-1", nil)
	assert.True(t, c.IsLive())
	assert.False(t, c.IsReady())
}

func TestRunOnce_AllHealthyMarksReady(t *testing.T) {
	c := New("node-1", nil)
	c.Register(func(ctx context.Context) CheckResult {
		return CheckResult{Name: "store", Status: StatusHealthy}
	})

	c.RunOnce(context.Background())
	assert.True(t, c.IsReady())
}

func TestRunOnce_AnyCriticalMarksNotReady(t *testing.T) {
	c := New("node-1", nil)
	c.Register(func(ctx context.Context) CheckResult {
		return CheckResult{Name: "store", Status: StatusHealthy}
	})
	c.Register(func(ctx context.Context) CheckResult {
		return CheckResult{Name: "gossip", Status: StatusCritical}
	})

	c.RunOnce(context.Background())
	assert.False(t, c.IsReady())
}

func TestRunOnce_DegradedDoesNotMarkNotReady(t *testing.T) {
	c := New("node-1", nil)
	c.Register(func(ctx context.Context) CheckResult {
		return CheckResult{Name: "gossip", Status: StatusDegraded}
	})

	c.RunOnce(context.Background())
	assert.True(t, c.IsReady())
}

func TestSetLiveness_OverridesLivenessHandler(t *testing.T) {
	c := New("node-1", nil)
	c.SetLiveness(false)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	c.LivenessHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessHandler_ReflectsLastRun(t *testing.T) {
	c := New("node-1", nil)
	c.Register(func(ctx context.Context) CheckResult {
		return CheckResult{Name: "store", Status: StatusHealthy}
	})
	c.RunOnce(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	c.ReadinessHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStart_StopsWhenContextCancelled(t *testing.T) {
	c := New("node-1", nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestObjectStoreCheck_CriticalOnError(t *testing.T) {
	check := ObjectStoreCheck("store", func(ctx context.Context) error {
		return errors.New("unreachable")
	})
	result := check(context.Background())
	require.Equal(t, StatusCritical, result.Status)
}

func TestGossipCheck_DegradedWithNoPeers(t *testing.T) {
	check := GossipCheck("gossip", func() int { return 0 })
	result := check(context.Background())
	require.Equal(t, StatusDegraded, result.Status)
}

func TestGossipCheck_HealthyWithPeers(t *testing.T) {
	check := GossipCheck("gossip", func() int { return 3 })
	result := check(context.Background())
	require.Equal(t, StatusHealthy, result.Status)
}
