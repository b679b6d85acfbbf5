// Package webhook notifies subscribed HTTP endpoints of repository events.
// Payloads are signed with HMAC-SHA256 and delivered by a small worker pool
// with retries; every attempt is recorded.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Endpoint is a registered destination.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is what gets delivered. Subject is the uid the event is about.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent encodes payload and assigns a fresh id.
func NewEvent(typ, subject string, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{ID: uuid.NewString(), Type: typ, Subject: subject, Payload: raw, Timestamp: at}, nil
}

// Attempt records one delivery try.
type Attempt struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"` // success or failed
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists endpoints and delivery attempts.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, endpointID string) ([]*Attempt, error)
}

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	attempts  map[string][]*Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint), attempts: make(map[string][]*Attempt)}
}

func endpointNotFound(id string) error {
	return apperr.NotFound("webhook.get", "Webhook with ID '%s' doesn't exist.", id)
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; ok {
		return apperr.AlreadyExists("webhook.create", "Webhook with ID '%s' already exists.", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, endpointNotFound(id)
	}
	cp := *ep
	return &cp, nil
}

// ListEndpoints returns endpoints oldest first.
func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return endpointNotFound(ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return endpointNotFound(id)
	}
	delete(s.endpoints, id)
	delete(s.attempts, id)
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.EndpointID] = append(s.attempts[a.EndpointID], &cp)
	return nil
}

// ListAttempts returns the attempts of an endpoint, newest first.
func (s *MemoryStore) ListAttempts(_ context.Context, endpointID string) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[endpointID]
	out := make([]*Attempt, len(src))
	for i, a := range src {
		cp := *a
		out[len(src)-1-i] = &cp
	}
	return out, nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMaxAttempts bounds the tries per event and endpoint, the first included.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the wait before retry n (1-based).
func WithBackoff(fn func(n int) time.Duration) Option {
	return func(m *Manager) { m.backoff = fn }
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

type job struct {
	ep *Endpoint
	ev Event
}

// Manager registers endpoints and fans events out to them.
type Manager struct {
	store       Store
	client      *http.Client
	maxAttempts int
	backoff     func(n int) time.Duration
	queueSize   int
	now         func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup
}

func NewManager(store Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoff: func(n int) time.Duration {
			return time.Duration(n*n) * time.Second
		},
		queueSize: 256,
		now:       time.Now,
		log:       log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches workers that deliver published events until Close.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue != nil {
		return
	}
	m.queue = make(chan job, m.queueSize)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range m.queue {
				m.deliverWithRetry(ctx, j.ep, j.ev)
			}
		}()
	}
}

// Close stops accepting events and waits for queued deliveries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed || m.queue == nil {
		m.closed = true
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	m.wg.Wait()
}

func validateURL(op, raw string) error {
	if raw == "" {
		return apperr.Validation(op, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.Validation(op, "invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return apperr.Validation(op, "url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return apperr.Validation(op, "url host is required")
	}
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Register stores a new active endpoint. An empty secret is generated.
func (m *Manager) Register(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	const op = "webhook.register"
	if err := validateURL(op, rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.Validation(op, "at least one event pattern is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    StatusActive,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	m.log.Info().Str("webhook_id", ep.ID).Str("url", ep.URL).Strs("events", events).Msg("webhook registered")
	return ep, nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) (*Endpoint, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Pause(ctx context.Context, id string) (*Endpoint, error) {
	return m.setStatus(ctx, id, StatusPaused)
}

func (m *Manager) Resume(ctx context.Context, id string) (*Endpoint, error) {
	return m.setStatus(ctx, id, StatusActive)
}

func (m *Manager) Get(ctx context.Context, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Endpoint, error) {
	return m.store.ListEndpoints(ctx)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) Attempts(ctx context.Context, id string) ([]*Attempt, error) {
	if _, err := m.store.GetEndpoint(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListAttempts(ctx, id)
}

// eventMatches accepts an exact type, "*", "study.*" or "*.locked".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Publish queues ev for every active subscribed endpoint and returns how
// many deliveries were queued. It never blocks; with a full queue the
// delivery is dropped and logged.
func (m *Manager) Publish(ctx context.Context, ev Event) int {
	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("event", ev.Type).Msg("list webhooks failed")
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue == nil || m.closed {
		return 0
	}
	queued := 0
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !ep.subscribes(ev.Type) {
			continue
		}
		select {
		case m.queue <- job{ep: ep, ev: ev}:
			queued++
		default:
			m.log.Warn().Str("webhook_id", ep.ID).Str("event", ev.Type).Msg("webhook queue full, delivery dropped")
		}
	}
	return queued
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, ev Event) {
	for n := 1; n <= m.maxAttempts; n++ {
		a := m.Deliver(ctx, ep, ev, n)
		if a.Status == "success" {
			return
		}
		if n == m.maxAttempts {
			m.log.Warn().Str("webhook_id", ep.ID).Str("event", ev.Type).Int("attempts", n).Str("error", a.Error).Msg("webhook delivery gave up")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff(n)):
		}
	}
}

// Deliver POSTs ev to ep once and records the attempt.
func (m *Manager) Deliver(ctx context.Context, ep *Endpoint, ev Event, attempt int) *Attempt {
	start := m.now()
	a := &Attempt{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Attempt:    attempt,
		Status:     "failed",
		CreatedAt:  start,
	}
	defer func() {
		if err := m.store.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
			m.log.Error().Err(err).Str("webhook_id", ep.ID).Msg("record webhook attempt failed")
		}
	}()

	payload, err := json.Marshal(ev)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", start.UTC().Format(time.RFC3339))

	resp, err := m.client.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

// Test delivers a synthetic event to one endpoint synchronously.
func (m *Manager) Test(ctx context.Context, id string) (*Attempt, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := NewEvent("webhook.test", ep.ID, m.now(), map[string]bool{"test": true})
	if err != nil {
		return nil, err
	}
	return m.Deliver(ctx, ep, ev, 1), nil
}
