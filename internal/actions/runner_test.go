package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeygate/internal/actions"
	"journeygate/internal/domain"
)

func TestRunnerExecute(t *testing.T) {
	r := actions.NewRunner(actions.ExecutorSet{
		"property.search": actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"hits":3}`), nil
		}),
		"pricing.predict": actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
			return nil, errors.New("model unavailable")
		}),
		"market.trends": actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
			panic("boom")
		}),
	}, nil, 2, nil)
	ctx := context.Background()

	res := r.Execute(ctx, domain.ActionRequest{ID: "a1", Type: "property.search"})
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"hits":3}`, string(res.Result))
	assert.NotEmpty(t, res.ExecutedAt)

	res = r.Execute(ctx, domain.ActionRequest{ID: "a2", Type: "pricing.predict"})
	assert.False(t, res.Success)
	assert.Equal(t, "model unavailable", res.Error)

	res = r.Execute(ctx, domain.ActionRequest{ID: "a3", Type: "market.trends"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panic")

	res = r.Execute(ctx, domain.ActionRequest{ID: "a4", Type: "document.analyze"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no executor")
}

func TestRunnerRunReportsResults(t *testing.T) {
	var mu sync.Mutex
	got := map[string]bool{}
	done := make(chan struct{}, 3)
	r := actions.NewRunner(actions.ExecutorSet{
		"property.search": actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	}, func(ctx context.Context, res domain.ActionResult) error {
		mu.Lock()
		got[res.ActionID] = res.Success
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Submit(domain.ActionRequest{ID: id, Type: "property.search"}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	cancel()
	require.NoError(t, <-errc)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"a1": true, "a2": true, "a3": true}, got)
}

func TestRunnerDropsRefusedRequests(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	reported := make(chan domain.ActionResult, 2)
	r := actions.NewRunner(actions.ExecutorSet{
		"property.search": actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
			mu.Lock()
			ran = append(ran, req.ID)
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		}),
	}, func(ctx context.Context, res domain.ActionResult) error {
		reported <- res
		return nil
	}, 1, nil)
	r.Authorize = func(ctx context.Context, id string) (domain.ActionRequest, error) {
		if id == "gated" {
			return domain.ActionRequest{}, domain.ErrProfessionalReviewRequired
		}
		return domain.ActionRequest{ID: id, Type: "property.search", Version: 2}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	require.NoError(t, r.Submit(domain.ActionRequest{ID: "gated", Type: "property.search"}))
	require.NoError(t, r.Submit(domain.ActionRequest{ID: "ok", Type: "property.search"}))

	select {
	case res := <-reported:
		assert.Equal(t, "ok", res.ActionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	cancel()
	require.NoError(t, <-errc)
	assert.Empty(t, reported)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ok"}, ran)
}
