package journeygatesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeygate/internal/config"
	"journeygate/internal/db"
	"journeygate/internal/engine"
	"journeygate/internal/migrate"
	"journeygate/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T, actorID string, roles ...string) (*Client, func(string, ...string) *Client) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	e, err := engine.New(conn, config.Default("svc-sdk"))
	require.NoError(t, err)
	require.NoError(t, e.Bootstrap(ctx, "owner-1"))
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	as := func(actor string, roles ...string) *Client {
		tok, err := server.SignToken(secret, actor, roles, time.Hour)
		require.NoError(t, err)
		c := New(srv.URL)
		c.BearerToken = tok
		return c
	}
	return as(actorID, roles...), as
}

func TestOrchestratorFlow(t *testing.T) {
	ctx := context.Background()
	agent, as := newClient(t, "orchestrator", "agent")

	resp, err := agent.HandleMessage(ctx, Message{
		UserID:  "buyer-1",
		Message: "Can I book a viewing on Saturday?",
		Locale:  "en",
		ProposedActions: []ProposedAction{
			{Type: "viewing.schedule", Params: map[string]any{"property_id": "p-9"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Mediation.Category)
	require.Len(t, resp.ActionRequests, 1)
	pending := resp.ActionRequests[0]
	assert.Equal(t, "pending", pending.Status)
	assert.Equal(t, "user_approval", pending.PermissionLevel)

	_, err = agent.RecordResult(ctx, pending.ID, true, nil, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state_transition", apiErr.Code)

	buyer := as("buyer-1", "buyer")
	approved, err := buyer.ApproveAction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, "buyer-1", approved.ResolvedBy)

	done, err := agent.RecordResult(ctx, pending.ID, true, map[string]any{"slot": "sat-10:00"}, "")
	require.NoError(t, err)
	assert.Equal(t, "executed", done.Status)

	got, err := agent.Action(ctx, pending.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.JSONEq(t, `{"slot":"sat-10:00"}`, string(got.Result.Result))
}

func TestJourneyAndEvents(t *testing.T) {
	ctx := context.Background()
	agent, as := newClient(t, "orchestrator", "agent")

	j, err := agent.StartJourney(ctx, "buyer-2", "ja")
	require.NoError(t, err)
	assert.Equal(t, "exploring", j.State)
	assert.Equal(t, "ja", j.Context.Locale)

	change, err := agent.SendEvent(ctx, j.ID, JourneyEvent{Type: "START_SEARCHING"})
	require.NoError(t, err)
	assert.Equal(t, "transitioned", change.Outcome)
	assert.Equal(t, "searching", change.To)

	byUser, err := agent.JourneyByUser(ctx, "buyer-2")
	require.NoError(t, err)
	assert.Equal(t, j.ID, byUser.ID)
	assert.Equal(t, "searching", byUser.State)

	owner := as("owner-1")
	page, err := owner.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)

	me, err := owner.Me(ctx)
	require.NoError(t, err)
	assert.Contains(t, me.Roles, "owner")

	_, err = as("buyer-3", "buyer").Journey(ctx, j.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestClassifyNeedsCredentials(t *testing.T) {
	agent, _ := newClient(t, "orchestrator", "agent")
	anon := New(agent.BaseURL)
	_, err := anon.Classify(context.Background(), "契約書を見せて", "ja")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	med, err := agent.Classify(context.Background(), "契約書を見せて", "ja")
	require.NoError(t, err)
	assert.Equal(t, "C", med.Category)
	assert.True(t, med.RequiresEscalation)
}
