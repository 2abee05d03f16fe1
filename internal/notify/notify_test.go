package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeygate/internal/config"
	"journeygate/internal/db"
	"journeygate/internal/domain"
	"journeygate/internal/events"
	"journeygate/internal/migrate"
	"journeygate/internal/notify"
	"journeygate/internal/repo"
)

type fakeStream struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func setup(t *testing.T) (repo.Repo, func(typ string, payload events.EventPayload)) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	w := events.Writer{DB: conn}
	appendEvent := func(typ string, payload events.EventPayload) {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		require.NoError(t, w.Append(ctx, tx, typ, "j-1", "journey", "j-1", "tester", payload))
		require.NoError(t, tx.Commit())
	}
	return repo.Repo{DB: conn}, appendEvent
}

func TestRenderLocalizesAndPicksChannels(t *testing.T) {
	cfg := config.Default("svc")
	evt := domain.Event{ID: 7, Type: events.EscalationRequired, JourneyID: "j-1", EntityKind: "journey", Payload: `{"user_id":"u-1","locale":"en"}`}
	n, ok := notify.Render(evt, cfg.Notifications.Channels, "ja")
	require.True(t, ok)
	assert.Equal(t, "ESCALATION_REQUIRED", n.Template)
	assert.Equal(t, "Professional Review Required", n.Title)
	assert.Equal(t, "u-1", n.UserID)
	assert.Equal(t, []string{"in_app", "push", "email", "line"}, n.Channels)

	evt = domain.Event{ID: 8, Type: events.ActionApprovalRequested, Payload: `{}`}
	n, ok = notify.Render(evt, cfg.Notifications.Channels, "ja")
	require.True(t, ok)
	assert.Equal(t, "承認リクエスト", n.Title)
	assert.Equal(t, []string{"in_app", "push"}, n.Channels)

	_, ok = notify.Render(domain.Event{Type: events.ActionDenied}, cfg.Notifications.Channels, "ja")
	assert.False(t, ok)
}

func TestDispatcherDeliversToWebhookAndStream(t *testing.T) {
	r, appendEvent := setup(t)
	var mu sync.Mutex
	var got []notify.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "s3cret", req.Header.Get("X-Journeygate-Secret"))
		body, _ := io.ReadAll(req.Body)
		var n notify.Notification
		assert.NoError(t, json.Unmarshal(body, &n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	stream := &fakeStream{}
	cfg := config.Default("svc")
	hook := notify.NewWebhookSink(config.Webhook{ID: "crm", URL: srv.URL, Secret: "s3cret", Events: []string{events.EscalationRequired}}, srv.Client())
	d := notify.NewDispatcher(r, cfg, []notify.Sink{hook, notify.NewRedisSink(stream, "jg:notifications", nil)}, nil)
	d.FromStart = true

	appendEvent(events.JourneyTransitioned, events.EventPayload{"user_id": "u-1", "from": "exploring", "to": "searching"})
	appendEvent(events.ActionDenied, nil)
	appendEvent(events.EscalationRequired, events.EventPayload{"user_id": "u-1", "reason": "mediation_category_c"})

	sent := d.DispatchOnce(context.Background())
	assert.Equal(t, 3, sent)
	require.Len(t, got, 1)
	assert.Equal(t, events.EscalationRequired, got[0].EventType)
	require.Len(t, stream.args, 2)
	assert.Equal(t, "jg:notifications", stream.args[0].Stream)

	assert.Equal(t, 0, d.DispatchOnce(context.Background()), "cursor should not redeliver")
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	r, appendEvent := setup(t)
	stream := &fakeStream{err: errors.New("connection refused")}
	d := notify.NewDispatcher(r, config.Default("svc"), []notify.Sink{notify.NewRedisSink(stream, "s", nil)}, nil)
	d.FromStart = true
	appendEvent(events.ActionApprovalRequested, events.EventPayload{"user_id": "u-1"})

	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	stream.mu.Lock()
	stream.err = nil
	stream.mu.Unlock()
	assert.Equal(t, 1, d.DispatchOnce(context.Background()))
}

func TestDispatcherStartsAtNewestByDefault(t *testing.T) {
	r, appendEvent := setup(t)
	appendEvent(events.EscalationRequired, nil)
	stream := &fakeStream{}
	d := notify.NewDispatcher(r, config.Default("svc"), []notify.Sink{notify.NewRedisSink(stream, "s", nil)}, nil)
	assert.Equal(t, 0, d.DispatchOnce(context.Background()))
	appendEvent(events.EscalationRequired, nil)
	assert.Equal(t, 1, d.DispatchOnce(context.Background()))
}
