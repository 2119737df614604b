package integration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Waypoint-Systems/keel/core/pkg/retry"
)

// fakeTier replays a scripted sequence of errors, then succeeds.
type fakeTier struct {
	id      string
	mu      sync.Mutex
	script  []error
	calls   int
	blockCh chan struct{} // when set, Invoke blocks until closed
}

func (f *fakeTier) ID() string { return f.id }

func (f *fakeTier) Invoke(ctx context.Context, op Operation) (*Response, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, Transient(ctx.Err())
		}
	}
	if idx < len(f.script) && f.script[idx] != nil {
		return nil, f.script[idx]
	}
	return &Response{TierID: f.id, Payload: []byte(`{"ok":true}`)}, nil
}

func (f *fakeTier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfigs(ids ...string) map[string]TierConfig {
	cfgs := make(map[string]TierConfig, len(ids))
	for _, id := range ids {
		cfgs[id] = TierConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
			Backoff:          retry.BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 3},
		}
	}
	return cfgs
}

func newTestClient(t *testing.T, tiers ...Tier) *Client {
	t.Helper()
	ids := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		ids = append(ids, tier.ID())
	}
	c := NewClient(slog.New(slog.NewTextHandler(testWriter{t}, nil)), tiers, testConfigs(ids...))
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestExecuteFirstTierWins(t *testing.T) {
	primary := &fakeTier{id: "primary"}
	secondary := &fakeTier{id: "secondary"}
	client := newTestClient(t, primary, secondary)

	resp, err := client.Execute(context.Background(), Operation{OperationID: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.TierID)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, secondary.callCount(), "secondary must not be touched when primary succeeds")
}

func TestExecuteRetriesTransientWithinTier(t *testing.T) {
	boom := Transient(errors.New("connection reset"))
	primary := &fakeTier{id: "primary", script: []error{boom, boom}}
	client := newTestClient(t, primary)

	resp, err := client.Execute(context.Background(), Operation{OperationID: "op-2"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.TierID)
	assert.Equal(t, 3, primary.callCount())
}

func TestExecutePermanentFailsOverWithoutRetry(t *testing.T) {
	primary := &fakeTier{id: "primary", script: []error{Permanent(errors.New("401 unauthorized"))}}
	secondary := &fakeTier{id: "secondary"}
	client := newTestClient(t, primary, secondary)

	resp, err := client.Execute(context.Background(), Operation{OperationID: "op-3"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.TierID)
	assert.Equal(t, 1, primary.callCount(), "permanent errors are never retried in-tier")
}

func TestExecuteAllTiersFailedCarriesReasons(t *testing.T) {
	boom := Transient(errors.New("timeout"))
	t1 := &fakeTier{id: "realtime", script: []error{boom, boom, boom}}
	t2 := &fakeTier{id: "batch", script: []error{Permanent(errors.New("schema mismatch"))}}
	t3 := &fakeTier{id: "cache", script: []error{boom, boom, boom}}
	client := newTestClient(t, t1, t2, t3)

	_, err := client.Execute(context.Background(), Operation{OperationID: "op-4"})
	var allFailed *AllTiersFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, "op-4", allFailed.OperationID)
	require.Len(t, allFailed.Failures, 3)
	assert.Equal(t, "realtime", allFailed.Failures[0].TierID)
	assert.Equal(t, "batch", allFailed.Failures[1].TierID)
	assert.Equal(t, "cache", allFailed.Failures[2].TierID)
	assert.Contains(t, allFailed.Failures[1].Reason, "schema mismatch")
}

func TestExecuteSkipsOpenBreakerWithoutCalling(t *testing.T) {
	boom := Transient(errors.New("down"))
	primary := &fakeTier{id: "primary", script: []error{boom, boom, boom, boom, boom, boom}}
	secondary := &fakeTier{id: "secondary"}
	client := newTestClient(t, primary, secondary)

	// Threshold is 2: two exhausted executions open the primary breaker.
	for i := 0; i < 2; i++ {
		resp, err := client.Execute(context.Background(), Operation{OperationID: "op-5"})
		require.NoError(t, err)
		assert.Equal(t, "secondary", resp.TierID)
	}
	require.Equal(t, CircuitOpen, client.breakerFor("primary").State())
	callsBefore := primary.callCount()

	resp, err := client.Execute(context.Background(), Operation{OperationID: "op-5"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.TierID)
	assert.Equal(t, callsBefore, primary.callCount(), "open breaker must short-circuit without a network call")
}

func TestExecuteHalfOpenSingleProbeRecovers(t *testing.T) {
	boom := Transient(errors.New("down"))
	primary := &fakeTier{id: "primary", script: []error{boom, boom, boom, boom, boom, boom}}
	secondary := &fakeTier{id: "secondary"}
	client := newTestClient(t, primary, secondary)

	now := time.Now()
	breaker := client.breakerFor("primary").WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		_, err := client.Execute(context.Background(), Operation{OperationID: "op-6"})
		require.NoError(t, err)
	}
	require.Equal(t, CircuitOpen, breaker.State())

	// Advance past the recovery timeout; the next call is the single probe
	// and the scripted errors are spent, so it succeeds and closes the
	// breaker.
	now = now.Add(31 * time.Second)
	callsBefore := primary.callCount()
	resp, err := client.Execute(context.Background(), Operation{OperationID: "op-6"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.TierID)
	assert.Equal(t, callsBefore+1, primary.callCount(), "the probe is exactly one attempt")
	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestExecuteConcurrentCallersBypassInFlightProbe(t *testing.T) {
	block := make(chan struct{})
	primary := &fakeTier{id: "primary", blockCh: block}
	secondary := &fakeTier{id: "secondary"}
	client := newTestClient(t, primary, secondary)

	now := time.Now()
	breaker := client.breakerFor("primary").WithClock(func() time.Time { return now })
	breaker.Failure()
	breaker.Failure()
	require.Equal(t, CircuitOpen, breaker.State())
	now = now.Add(31 * time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.Execute(context.Background(), Operation{OperationID: "op-7"})
		done <- err
	}()
	// Wait until the probe is actually inside Invoke.
	require.Eventually(t, func() bool { return primary.callCount() == 1 }, time.Second, time.Millisecond)

	var bypassed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Execute(context.Background(), Operation{OperationID: "op-7"})
			if err == nil && resp.TierID == "secondary" {
				bypassed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), bypassed.Load(), "callers during the probe must fail over, not queue")
	assert.Equal(t, 1, primary.callCount(), "only the probe touches the tier")

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, breaker.State())
}

func TestHTTPTierErrorClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "op-8", r.Header.Get("X-Operation-ID"))
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tier := NewHTTPTier("realtime", srv.URL, srv.Client())
	op := Operation{OperationID: "op-8", Payload: []byte(`{}`)}

	status.Store(http.StatusOK)
	resp, err := tier.Invoke(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, "realtime", resp.TierID)

	status.Store(http.StatusBadGateway)
	_, err = tier.Invoke(context.Background(), op)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "5xx is transient")

	status.Store(http.StatusUnprocessableEntity)
	_, err = tier.Invoke(context.Background(), op)
	require.Error(t, err)
	assert.False(t, IsTransient(err), "4xx is permanent")
}
