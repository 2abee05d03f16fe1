package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"journeygate/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Sink delivers rendered notifications somewhere.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, n Notification) error
}

type WebhookSink struct {
	ID     string
	URL    string
	Secret string
	Client *http.Client
	filter eventFilter
}

func NewWebhookSink(wh config.Webhook, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	id := wh.ID
	if id == "" {
		id = wh.URL
	}
	return &WebhookSink{ID: id, URL: wh.URL, Secret: wh.Secret, Client: client, filter: newEventFilter(wh.Events)}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.ID }

func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Journeygate-Event", n.EventType)
	req.Header.Set("X-Journeygate-Delivery", n.ID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Journeygate-Secret", s.Secret)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// StreamAdder is the slice of the Redis client the stream sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends notifications to a Redis stream for downstream channel
// workers (push, LINE, email).
type RedisSink struct {
	Client StreamAdder
	Stream string
	filter eventFilter
}

func NewRedisSink(client StreamAdder, stream string, evts []string) *RedisSink {
	return &RedisSink{Client: client, Stream: stream, filter: newEventFilter(evts)}
}

// ConnectRedis creates a client from a redis:// URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisSink) Name() string { return "redis:" + s.Stream }

func (s *RedisSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = s.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream,
		Values: map[string]any{
			"id":         n.ID,
			"event_type": n.EventType,
			"template":   n.Template,
			"user_id":    n.UserID,
			"journey_id": n.JourneyID,
			"channels":   strings.Join(n.Channels, ","),
			"payload":    string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.Stream, err)
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(evts []string) eventFilter {
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// SinksFromConfig builds the configured sinks. The returned closer releases
// the Redis client, if any.
func SinksFromConfig(cfg *config.Config) ([]Sink, func() error, error) {
	var sinks []Sink
	closer := func() error { return nil }
	for _, wh := range cfg.Notifications.Webhooks {
		sinks = append(sinks, NewWebhookSink(wh, nil))
	}
	if rc := cfg.Notifications.Redis; rc.URL != "" {
		client, err := ConnectRedis(rc.URL)
		if err != nil {
			return nil, closer, err
		}
		sinks = append(sinks, NewRedisSink(client, rc.Stream, rc.Events))
		closer = client.Close
	}
	return sinks, closer, nil
}
