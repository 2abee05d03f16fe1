package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeygate/internal/actions"
	"journeygate/internal/config"
	"journeygate/internal/domain"
	"journeygate/internal/registry"
)

var fixedNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (actions.Manager, *registry.Registry) {
	t.Helper()
	reg, err := registry.FromConfig(config.Default("svc"))
	require.NoError(t, err)
	return actions.Manager{Registry: reg, Now: func() time.Time { return fixedNow }}, reg
}

func validParams(typeID string) json.RawMessage {
	switch typeID {
	case "property.detail", "pricing.predict", "viewing.schedule", "negotiation.price":
		return json.RawMessage(`{"property_id":"p1"}`)
	case "document.analyze":
		return json.RawMessage(`{"document_id":"d1"}`)
	case "market.trends":
		return json.RawMessage(`{"area":"Setagaya"}`)
	case "offer.submit":
		return json.RawMessage(`{"property_id":"p1","amount":50000000}`)
	case "loan.preapproval":
		return json.RawMessage(`{"amount":40000000}`)
	case "journey.advance":
		return json.RawMessage(`{"event":{"type":"START_SEARCHING"}}`)
	case "legal.interpretation":
		return json.RawMessage(`{"question":"What does clause 12 mean?"}`)
	}
	return json.RawMessage(`{}`)
}

func TestCreateInitialStatusPerTier(t *testing.T) {
	m, reg := newManager(t)
	ctx := context.Background()
	for _, at := range reg.List() {
		req, err := m.Create(ctx, at.ID, validParams(at.ID))
		require.NoError(t, err, at.ID)
		if at.PermissionLevel == domain.PermissionAutonomous {
			assert.Equal(t, domain.StatusApproved, req.Status, at.ID)
			assert.True(t, actions.CanAutoExecute(req))
		} else {
			assert.Equal(t, domain.StatusPending, req.Status, at.ID)
			assert.False(t, actions.CanAutoExecute(req))
		}
		assert.Equal(t, at.PermissionLevel, req.PermissionLevel)
		assert.Equal(t, at.PermissionLevel, req.NominalPermissionLevel)
		assert.Equal(t, at.DescriptionJa, req.DescriptionJa)
		assert.Nil(t, req.ResolvedAt)
		assert.NotEmpty(t, req.ID)
	}

	req, err := m.Create(ctx, "property.search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, req.Status)
	req, err = m.Create(ctx, "contract.review", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.True(t, actions.RequiresProfessional(req))
}

func TestCreateUnknownType(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Create(context.Background(), "property.buy_now", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownActionType)
}

func TestCreateRejectsMalformedParams(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, "offer.submit", json.RawMessage(`{"property_id":"p1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	_, err = m.Create(ctx, "property.search", json.RawMessage(`{"colour":"blue"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	_, err = m.Create(ctx, "journey.advance", json.RawMessage(`{"event":{"type":"JUMP"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	_, err = m.Create(ctx, "property.search", json.RawMessage(`{"area":"Minato"} junk`))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	_, err = m.Create(ctx, "property.search", json.RawMessage(`{"area":"Minato"}{"area":"Minato"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	_, err = m.Create(ctx, "property.search", json.RawMessage("{\"area\":\"Minato\"}\n"))
	assert.NoError(t, err)
}

func TestCreateRuntimeTypeUsesGenericParams(t *testing.T) {
	m, reg := newManager(t)
	require.NoError(t, reg.Register(domain.ActionType{ID: "inspection.order", PermissionLevel: domain.PermissionUserApproval, DescriptionEn: "Order inspection"}))
	req, err := m.Create(context.Background(), "inspection.order", json.RawMessage(`{"vendor":"acme","rooms":3}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.JSONEq(t, `{"vendor":"acme","rooms":3}`, string(req.Params))
}

func TestApproveOnlyFromPending(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	req, err := m.Create(ctx, "viewing.schedule", validParams("viewing.schedule"))
	require.NoError(t, err)

	approved, err := m.Approve(ctx, req, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedBy)
	assert.Equal(t, "usr-1", *approved.ResolvedBy)
	assert.Equal(t, fixedNow.Format(time.RFC3339), *approved.ResolvedAt)
	assert.Equal(t, domain.StatusPending, req.Status, "input must not change")

	again, err := m.Approve(ctx, approved, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.StatusApproved, te.From)
	assert.Equal(t, "usr-1", *again.ResolvedBy)

	auto, err := m.Create(ctx, "market.trends", validParams("market.trends"))
	require.NoError(t, err)
	_, err = m.Approve(ctx, auto, "usr-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestDenyTwiceKeepsFirstResolution(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	req, err := m.Create(ctx, "offer.submit", validParams("offer.submit"))
	require.NoError(t, err)

	denied, err := m.Deny(ctx, req, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDenied, denied.Status)

	second, err := m.Deny(ctx, denied, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Equal(t, domain.StatusDenied, second.Status)
	assert.Equal(t, "usr-1", *second.ResolvedBy)
}

func TestDenyRejectedAfterExecution(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	req, err := m.Create(ctx, "property.search", nil)
	require.NoError(t, err)
	done, err := m.Complete(ctx, req, domain.ActionResult{ActionID: req.ID, Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, done.Status)
	_, err = m.Deny(ctx, done, "usr-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCompleteRequiresApproved(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	req, err := m.Create(ctx, "loan.preapproval", validParams("loan.preapproval"))
	require.NoError(t, err)
	_, err = m.Complete(ctx, req, domain.ActionResult{ActionID: req.ID, Success: true})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	approved, err := m.Approve(ctx, req, "usr-1")
	require.NoError(t, err)
	failed, err := m.Complete(ctx, approved, domain.ActionResult{ActionID: req.ID, Error: "lender offline"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
}

func TestExpire(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	req, err := m.Create(ctx, "offer.submit", validParams("offer.submit"))
	require.NoError(t, err)

	_, expired := m.Expire(ctx, req, 72*time.Hour)
	assert.False(t, expired)

	later := m
	later.Now = func() time.Time { return fixedNow.Add(73 * time.Hour) }
	out, expired := later.Expire(ctx, req, 72*time.Hour)
	require.True(t, expired)
	assert.Equal(t, domain.StatusDenied, out.Status)
	assert.Equal(t, actions.TimeoutActor, *out.ResolvedBy)

	_, expired = later.Expire(ctx, req, 0)
	assert.False(t, expired)
}
