package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"journeygate/internal/actions"
	"journeygate/internal/config"
	"journeygate/internal/db"
	"journeygate/internal/domain"
	"journeygate/internal/engine"
	"journeygate/internal/engine/auth"
	"journeygate/internal/escalation"
	"journeygate/internal/events"
	"journeygate/internal/journey"
	"journeygate/internal/migrate"
	"journeygate/internal/repo"
)

var (
	owner = auth.Principal{ActorID: "owner-1"}
	agent = auth.Principal{ActorID: "orchestrator", Roles: []string{"agent"}}
	buyer = auth.Principal{ActorID: "user-1", Roles: []string{"buyer"}}
	pro   = auth.Principal{ActorID: "takken-1", Roles: []string{"professional"}}
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default("svc-1"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return epoch }
	if err := eng.Bootstrap(ctx, owner.ActorID); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) journey(t *testing.T, userID string) domain.Journey {
	t.Helper()
	j, _, err := env.Engine.EnsureJourney(env.Ctx, agent, userID, "ja")
	if err != nil {
		t.Fatalf("ensure journey: %v", err)
	}
	return j
}

func (env *testEnv) send(t *testing.T, journeyID string, ev journey.Event) engine.JourneyChange {
	t.Helper()
	return env.sendAs(t, agent, journeyID, ev)
}

func (env *testEnv) sendAs(t *testing.T, p auth.Principal, journeyID string, ev journey.Event) engine.JourneyChange {
	t.Helper()
	change, err := env.Engine.SendJourneyEvent(env.Ctx, p, journeyID, ev, 0)
	if err != nil {
		t.Fatalf("send %s: %v", ev.Type, err)
	}
	return change
}

func (env *testEnv) propose(t *testing.T, p auth.Principal, journeyID, typ, params string) domain.ActionRequest {
	t.Helper()
	req, err := env.Engine.ProposeAction(env.Ctx, p, engine.ProposeOptions{JourneyID: journeyID, Type: typ, Params: json.RawMessage(params)})
	if err != nil {
		t.Fatalf("propose %s: %v", typ, err)
	}
	return req
}

// toEvaluating leaves the journey with p1 shortlisted and viewed.
func (env *testEnv) toEvaluating(t *testing.T, journeyID string) {
	t.Helper()
	env.send(t, journeyID, journey.Event{Type: journey.EventStartSearching})
	env.send(t, journeyID, journey.Event{Type: journey.EventShortlistProperty, PropertyID: "p1"})
	env.send(t, journeyID, journey.Event{Type: journey.EventStartEvaluation})
	env.send(t, journeyID, journey.Event{Type: journey.EventCompleteViewing, PropertyID: "p1"})
}

func (env *testEnv) eventsOf(t *testing.T, journeyID, typ string) []domain.Event {
	t.Helper()
	evs, err := env.Engine.ListEvents(env.Ctx, owner, 200, 0, repo.EventFilters{JourneyID: journeyID, Type: typ})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func TestEnsureJourneyCreatesOnce(t *testing.T) {
	env := newTestEnv(t)
	j, created, err := env.Engine.EnsureJourney(env.Ctx, buyer, "user-1", "")
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	if j.State != domain.StateExploring || j.Context.Locale != "ja" || j.Version != 1 {
		t.Fatalf("unexpected initial journey: %+v", j)
	}
	again, created, err := env.Engine.EnsureJourney(env.Ctx, buyer, "user-1", "en")
	if err != nil || created || again.ID != j.ID {
		t.Fatalf("second ensure: created=%v id=%s err=%v", created, again.ID, err)
	}
	if _, _, err := env.Engine.EnsureJourney(env.Ctx, buyer, "user-2", ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not open another user's journey, got %v", err)
	}
}

func TestHandleMessageCategoryCEscalates(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Engine.HandleMessage(env.Ctx, buyer, engine.MessageRequest{
		UserID:  "user-1",
		Message: "この物件、値下げ交渉できますか？",
		Channel: "line",
		Locale:  "ja",
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if resp.MediationCategory != domain.CategoryC || !resp.Mediation.RequiresEscalation {
		t.Fatalf("expected category C escalation, got %+v", resp.Mediation)
	}
	if resp.ResponseText != resp.Mediation.EscalationMessage || resp.ResponseText == "" {
		t.Fatalf("response text should be the escalation message, got %q", resp.ResponseText)
	}
	j, err := env.Engine.GetJourney(env.Ctx, buyer, resp.JourneyID)
	if err != nil {
		t.Fatal(err)
	}
	if !j.Context.EscalatedToAgent {
		t.Fatalf("journey should be escalated to an agent")
	}
	if n := len(env.eventsOf(t, j.ID, events.EscalationRequired)); n != 1 {
		t.Fatalf("expected one escalation.required row, got %d", n)
	}
	if n := len(env.eventsOf(t, j.ID, events.MediationClassified)); n != 1 {
		t.Fatalf("expected one mediation.classified row, got %d", n)
	}
}

func TestHandleMessageCategoryBPromptsApproval(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Engine.HandleMessage(env.Ctx, agent, engine.MessageRequest{
		UserID:  "user-1",
		Message: "I'd like to schedule a viewing",
		Locale:  "en",
		ProposedActions: []engine.ProposedAction{
			{Type: "viewing.schedule", Params: json.RawMessage(`{"property_id":"p1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if resp.MediationCategory != domain.CategoryB {
		t.Fatalf("expected B, got %s", resp.MediationCategory)
	}
	if len(resp.ActionRequests) != 1 || resp.ActionRequests[0].Status != domain.StatusPending {
		t.Fatalf("expected one pending request, got %+v", resp.ActionRequests)
	}
	if resp.ActionRequests[0].PermissionLevel != domain.PermissionUserApproval {
		t.Fatalf("viewing should stay user_approval, got %s", resp.ActionRequests[0].PermissionLevel)
	}
	if resp.ResponseText != "1 action(s) are waiting for your approval." {
		t.Fatalf("unexpected response text %q", resp.ResponseText)
	}
}

func TestHandleMessageRejectsUnknownActionBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.HandleMessage(env.Ctx, agent, engine.MessageRequest{
		UserID:          "user-1",
		Message:         "hello",
		ProposedActions: []engine.ProposedAction{{Type: "teleport.buyer"}},
	})
	if !errors.Is(err, domain.ErrUnknownActionType) {
		t.Fatalf("expected unknown action type, got %v", err)
	}
	if _, err := env.Engine.GetJourneyByUser(env.Ctx, owner, "user-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no journey should exist yet, got %v", err)
	}
}

func TestCategoryCMediationEscalatesAutonomousAction(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Engine.HandleMessage(env.Ctx, agent, engine.MessageRequest{
		UserID:  "user-1",
		Message: "Can you check the contract terms and search similar homes?",
		Locale:  "en",
		ProposedActions: []engine.ProposedAction{
			{Type: "property.search", Params: json.RawMessage(`{"area":"Setagaya"}`)},
		},
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	req := resp.ActionRequests[0]
	if req.NominalPermissionLevel != domain.PermissionAutonomous || req.PermissionLevel != domain.PermissionProfessionalRequired {
		t.Fatalf("expected escalation from autonomous, got %s -> %s", req.NominalPermissionLevel, req.PermissionLevel)
	}
	if req.Status != domain.StatusPending || !req.Escalated() {
		t.Fatalf("escalated request must wait for a professional: %+v", req)
	}
	if !contains(req.EscalationReasons, escalation.ReasonMediation) {
		t.Fatalf("missing mediation reason: %v", req.EscalationReasons)
	}
}

func TestAutonomousActionAutoApproved(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "property.search", `{"area":"Shibuya"}`)
	if req.Status != domain.StatusApproved || req.ResolvedBy != nil {
		t.Fatalf("autonomous action should be auto-approved: %+v", req)
	}
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, req.ID); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestUserApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "viewing.schedule", `{"property_id":"p1"}`)
	if req.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, req.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("pending request must not run, got %v", err)
	}
	approved, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved || approved.ResolvedBy == nil || *approved.ResolvedBy != "user-1" {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("second approve should fail, got %v", err)
	}
	if _, err := env.Engine.DenyAction(env.Ctx, buyer, req.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("deny after approve should fail, got %v", err)
	}
	done, err := env.Engine.RecordResult(env.Ctx, agent, domain.ActionResult{ActionID: req.ID, Success: true, Result: json.RawMessage(`{"slot":"2024-01-05T10:00:00Z"}`)})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}
	if done.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %s", done.Status)
	}
	if _, err := env.Engine.RecordResult(env.Ctx, agent, domain.ActionResult{ActionID: req.ID, Success: false}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("result must be recorded once, got %v", err)
	}
	res, err := env.Engine.GetActionResult(env.Ctx, buyer, req.ID)
	if err != nil || !res.Success {
		t.Fatalf("stored result: %+v %v", res, err)
	}
}

func TestDenyKeepsFirstResolution(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "offer.submit", `{"property_id":"p1","amount":42000000}`)
	denied, err := env.Engine.DenyAction(env.Ctx, buyer, req.ID)
	if err != nil || denied.Status != domain.StatusDenied {
		t.Fatalf("deny: %+v %v", denied, err)
	}
	if _, err := env.Engine.DenyAction(env.Ctx, pro, req.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("second deny should fail, got %v", err)
	}
	got, err := env.Engine.GetAction(env.Ctx, owner, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != "user-1" {
		t.Fatalf("resolution must keep the first actor, got %v", got.ResolvedBy)
	}
}

func TestProfessionalRequiredNeedsProfessional(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, buyer, j.ID, "contract.review", `{}`)
	if req.Status != domain.StatusPending || req.PermissionLevel != domain.PermissionProfessionalRequired {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not approve professional review, got %v", err)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, agent, req.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("agent must not approve, got %v", err)
	}
	approved, err := env.Engine.ApproveAction(env.Ctx, pro, req.ID)
	if err != nil || approved.Status != domain.StatusApproved {
		t.Fatalf("professional approve: %+v %v", approved, err)
	}
}

func TestBuyerCannotResolveAnotherUsersRequest(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-2")
	req := env.propose(t, agent, j.ID, "viewing.schedule", `{"property_id":"p9"}`)
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.ProposeAction(env.Ctx, buyer, engine.ProposeOptions{JourneyID: j.ID, Type: "property.search"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not propose on another journey, got %v", err)
	}
}

func TestTransitionIntoNegotiationGatesInFlightRequests(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)

	viewing := env.propose(t, agent, j.ID, "viewing.schedule", `{"property_id":"p1"}`)
	search := env.propose(t, agent, j.ID, "property.search", `{"area":"Meguro"}`)
	offer := env.propose(t, agent, j.ID, "offer.submit", `{"property_id":"p1","amount":50000000}`)
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, offer.ID); err != nil {
		t.Fatalf("approve offer: %v", err)
	}

	change := env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})
	if change.Outcome != journey.OutcomeTransitioned || change.To != domain.StateNegotiating {
		t.Fatalf("expected transition to negotiating, got %+v", change)
	}
	if len(change.Gated) != 3 {
		t.Fatalf("expected three gated requests, got %d", len(change.Gated))
	}
	for _, id := range []string{viewing.ID, search.ID, offer.ID} {
		got, err := env.Engine.GetAction(env.Ctx, owner, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.PermissionLevel != domain.PermissionProfessionalRequired || got.Status != domain.StatusPending {
			t.Fatalf("request %s not gated: %+v", id, got)
		}
		if !contains(got.EscalationReasons, escalation.ReasonStage) {
			t.Fatalf("request %s missing stage reason: %v", id, got.EscalationReasons)
		}
	}
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, offer.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("user-approved offer must not run during negotiation, got %v", err)
	}
	if n := len(env.eventsOf(t, j.ID, events.ActionExecutionBlocked)); n != 1 {
		t.Fatalf("expected one execution_blocked row, got %d", n)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, viewing.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("gated viewing needs a professional, got %v", err)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, pro, viewing.ID); err != nil {
		t.Fatalf("professional approve: %v", err)
	}
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, viewing.ID); err != nil {
		t.Fatalf("professional-approved request should run: %v", err)
	}
}

func TestContractEventsNeedProfessional(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})

	for _, p := range []auth.Principal{agent, buyer} {
		for _, ev := range []journey.Event{
			{Type: journey.EventSubmitOffer, PropertyID: "p1", Amount: 48000000},
			{Type: journey.EventOfferAccepted},
		} {
			if _, err := env.Engine.SendJourneyEvent(env.Ctx, p, j.ID, ev, 0); !errors.Is(err, domain.ErrProfessionalReviewRequired) {
				t.Fatalf("%s sending %s during negotiation: expected professional review, got %v", p.ActorID, ev.Type, err)
			}
		}
	}
	got, err := env.Engine.GetJourney(env.Ctx, owner, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateNegotiating || got.Context.OfferSubmitted {
		t.Fatalf("refused events must leave the journey alone: %+v", got)
	}
	env.send(t, j.ID, journey.Event{Type: journey.EventEscalateToAgent})

	change := env.sendAs(t, pro, j.ID, journey.Event{Type: journey.EventOfferAccepted})
	if change.To != domain.StateContracting {
		t.Fatalf("professional should move the journey on, got %+v", change)
	}
	if _, err := env.Engine.SendJourneyEvent(env.Ctx, agent, j.ID, journey.Event{Type: journey.EventSignContract}, 0); !errors.Is(err, domain.ErrProfessionalReviewRequired) {
		t.Fatalf("agent must not sign the contract, got %v", err)
	}
	if _, err := env.Engine.SendJourneyEvent(env.Ctx, auth.Principal{ActorID: "nobody"}, j.ID, journey.Event{Type: journey.EventSignContract}, 0); !errors.Is(err, domain.ErrProfessionalReviewRequired) {
		t.Fatalf("unknown actor must be refused, got %v", err)
	}
}

func TestAdvanceRequestCarriesContractEvent(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})

	req := env.propose(t, agent, j.ID, "journey.advance", `{"event":{"type":"OFFER_ACCEPTED"}}`)
	if req.PermissionLevel != domain.PermissionProfessionalRequired || req.Status != domain.StatusPending {
		t.Fatalf("advance during negotiation must wait for a professional: %+v", req)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not approve, got %v", err)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, pro, req.ID); err != nil {
		t.Fatalf("professional approve: %v", err)
	}
	done, res, err := env.Engine.RunAction(env.Ctx, agent, req.ID, env.Engine.NewRunner(1, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || done.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %+v / %+v", done, res)
	}
	got, err := env.Engine.GetJourney(env.Ctx, owner, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateContracting || !got.Context.OfferAccepted {
		t.Fatalf("approved advance should accept the offer, got %+v", got)
	}
}

func TestQueuedRequestRecheckedBeforeRun(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	search := env.propose(t, agent, j.ID, "property.search", `{"area":"Meguro"}`)

	var mu sync.Mutex
	calls := 0
	runner := env.Engine.NewRunner(1, nil)
	runner.Executors["property.search"] = actions.ExecutorFunc(func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return json.RawMessage(`{"hits":0}`), nil
	})
	if _, err := env.Engine.DispatchAction(env.Ctx, agent, search.ID, runner); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	change := env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})
	if len(change.Gated) != 1 || change.Gated[0].ID != search.ID {
		t.Fatalf("queued search should be gated, got %+v", change.Gated)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	errc := make(chan error, 1)
	go func() { errc <- runner.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for len(env.eventsOf(t, j.ID, events.ActionExecutionBlocked)) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for the runner to refuse the request")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("gated request must not execute, executor ran %d time(s)", calls)
	}
	got, err := env.Engine.GetAction(env.Ctx, owner, search.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.PermissionLevel != domain.PermissionProfessionalRequired {
		t.Fatalf("request should still wait for a professional: %+v", got)
	}
	if _, err := env.Engine.GetActionResult(env.Ctx, owner, search.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no result should be stored, got %v", err)
	}
}

func TestApprovalWithdrawnOnEnteringNegotiation(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	offer := env.propose(t, agent, j.ID, "offer.submit", `{"property_id":"p1","amount":50000000}`)
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, offer.ID); err != nil {
		t.Fatalf("approve offer: %v", err)
	}

	env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})
	gated := env.eventsOf(t, j.ID, events.ActionGated)
	if len(gated) != 1 {
		t.Fatalf("expected one action.gated row, got %d", len(gated))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(gated[0].Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["withdrawn_approval_by"] != "user-1" || payload["from"] != string(domain.StatusApproved) {
		t.Fatalf("gate row should record the withdrawn approval: %v", payload)
	}

	env.send(t, j.ID, journey.Event{Type: journey.EventBackToSearching})
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, offer.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("offer must not run after backing out of negotiation, got %v", err)
	}
	if _, err := env.Engine.RecordResult(env.Ctx, agent, domain.ActionResult{ActionID: offer.ID, Success: true}); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("result must not be recorded for a withdrawn approval, got %v", err)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, offer.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer approval no longer suffices, got %v", err)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, pro, offer.ID); err != nil {
		t.Fatalf("professional approve: %v", err)
	}
	if _, err := env.Engine.AuthorizeExecution(env.Ctx, offer.ID); err != nil {
		t.Fatalf("professional-approved offer should run: %v", err)
	}
}

func TestGateInFlightPagesThroughRequests(t *testing.T) {
	restore := engine.SetGatePage(2)
	defer restore()
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	for i := 0; i < 5; i++ {
		env.propose(t, agent, j.ID, "property.search", `{"area":"Meguro"}`)
	}
	change := env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})
	if len(change.Gated) != 5 {
		t.Fatalf("every in-flight request should be gated, got %d", len(change.Gated))
	}
}

func TestProposalDuringNegotiationIsProfessional(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})

	req := env.propose(t, agent, j.ID, "pricing.predict", `{"property_id":"p1"}`)
	if req.PermissionLevel != domain.PermissionProfessionalRequired || req.Status != domain.StatusPending {
		t.Fatalf("expected professional gate in negotiation, got %+v", req)
	}
	if !contains(req.EscalationReasons, escalation.ReasonStage) {
		t.Fatalf("missing stage reason: %v", req.EscalationReasons)
	}
}

func TestConcurrentApprovalHasSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "viewing.schedule", `{"property_id":"p1"}`)

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApproveAction(env.Ctx, pro, req.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := len(env.eventsOf(t, j.ID, events.ActionApproved)); n != 1 {
		t.Fatalf("expected one approval row, got %d", n)
	}
}

func TestIgnoredEventsLeaveJourneyUntouched(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.send(t, j.ID, journey.Event{Type: journey.EventStartSearching})

	change := env.send(t, j.ID, journey.Event{Type: journey.EventStartEvaluation})
	if change.Outcome != journey.OutcomeGuardRejected || change.Guard == "" {
		t.Fatalf("expected guard rejection, got %+v", change)
	}
	change = env.send(t, j.ID, journey.Event{Type: journey.EventSignContract})
	if change.Outcome != journey.OutcomeUnhandled {
		t.Fatalf("expected unhandled, got %s", change.Outcome)
	}
	change = env.send(t, j.ID, journey.Event{Type: "TELEPORT"})
	if change.Outcome != journey.OutcomeUnhandled {
		t.Fatalf("unknown events are no-ops, got %s", change.Outcome)
	}
	got, err := env.Engine.GetJourney(env.Ctx, owner, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateSearching || got.Version != 2 {
		t.Fatalf("journey should be unchanged after no-ops: state=%s version=%d", got.State, got.Version)
	}
	if n := len(env.eventsOf(t, j.ID, events.JourneyEventIgnored)); n != 3 {
		t.Fatalf("expected three ignored rows, got %d", n)
	}
	if _, err := env.Engine.SendJourneyEvent(env.Ctx, agent, j.ID, journey.Event{Type: journey.EventShortlistProperty}, 0); !errors.Is(err, engine.ErrInvalidEvent) {
		t.Fatalf("malformed payload should be rejected, got %v", err)
	}
}

func TestStaleJourneyVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.send(t, j.ID, journey.Event{Type: journey.EventStartSearching})
	_, err := env.Engine.SendJourneyEvent(env.Ctx, agent, j.ID, journey.Event{Type: journey.EventShortlistProperty, PropertyID: "p1"}, j.Version)
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
}

func TestReplayRebuildsStoredJourney(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	env.toEvaluating(t, j.ID)
	env.send(t, j.ID, journey.Event{Type: journey.EventStartNegotiation, PropertyID: "p1"})
	env.sendAs(t, pro, j.ID, journey.Event{Type: journey.EventSubmitOffer, PropertyID: "p1", Amount: 48000000})
	env.sendAs(t, pro, j.ID, journey.Event{Type: journey.EventOfferAccepted})
	env.sendAs(t, pro, j.ID, journey.Event{Type: journey.EventSignContract})
	env.send(t, j.ID, journey.Event{Type: journey.EventSetSettlementDate, Date: "2024-03-31"})

	stored, err := env.Engine.GetJourney(env.Ctx, owner, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := env.Engine.ReplayJourney(env.Ctx, owner, j.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	a, _ := json.Marshal(stored)
	b, _ := json.Marshal(replayed)
	if string(a) != string(b) {
		t.Fatalf("replay mismatch:\nstored   %s\nreplayed %s", a, b)
	}
	if replayed.State != domain.StateClosing || replayed.Context.SettlementDate != "2024-03-31" {
		t.Fatalf("unexpected replayed journey: %+v", replayed)
	}
}

func TestExpireStalePending(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "viewing.schedule", `{"property_id":"p1"}`)

	n, err := env.Engine.ExpireStalePending(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: n=%d err=%v", n, err)
	}
	env.Engine.Now = func() time.Time { return epoch.Add(73 * time.Hour) }
	n, err = env.Engine.ExpireStalePending(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expiry: n=%d err=%v", n, err)
	}
	got, err := env.Engine.GetAction(env.Ctx, owner, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDenied || got.ResolvedBy == nil || *got.ResolvedBy != actions.TimeoutActor {
		t.Fatalf("expected timeout denial, got %+v", got)
	}
}

func TestRunJourneyAdvanceAction(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "journey.advance", `{"event":{"type":"START_SEARCHING"}}`)
	if req.Status != domain.StatusPending {
		t.Fatalf("journey.advance needs approval, got %s", req.Status)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, buyer, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	runner := env.Engine.NewRunner(1, nil)
	done, res, err := env.Engine.RunAction(env.Ctx, agent, req.ID, runner)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || done.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %+v / %+v", done, res)
	}
	got, err := env.Engine.GetJourney(env.Ctx, buyer, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateSearching {
		t.Fatalf("journey should have advanced, got %s", got.State)
	}
}

func TestRunActionWithoutExecutor(t *testing.T) {
	env := newTestEnv(t)
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "market.trends", `{"area":"Minato"}`)
	runner := env.Engine.NewRunner(1, nil)
	if _, _, err := env.Engine.RunAction(env.Ctx, agent, req.ID, runner); !errors.Is(err, engine.ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor, got %v", err)
	}
}

func TestRBACGrantAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, buyer, "takken-2", "professional"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not grant roles, got %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, owner, "takken-2", "professional"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	j := env.journey(t, "user-1")
	req := env.propose(t, agent, j.ID, "legal.interpretation", `{"question":"Is the clause enforceable?"}`)
	stored := auth.Principal{ActorID: "takken-2"}
	if _, err := env.Engine.ApproveAction(env.Ctx, stored, req.ID); err != nil {
		t.Fatalf("granted professional should approve: %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, owner, "takken-2", "professional"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	profile, err := env.Engine.Profile(env.Ctx, stored)
	if err != nil {
		t.Fatal(err)
	}
	if len(profile.Roles) != 0 || len(profile.Permissions) != 0 {
		t.Fatalf("revoked actor should have nothing left: %+v", profile)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, owner, "orchestrator", "bot")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plain == "" || key.KeyHash != repo.HashAPIKey(plain) {
		t.Fatalf("stored hash must match plaintext")
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil || got.ActorID != "orchestrator" {
		t.Fatalf("lookup by hash: %+v %v", got, err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, owner, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, owner, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke should be not found, got %v", err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
