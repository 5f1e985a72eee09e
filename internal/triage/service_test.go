package triage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing using the shared update rules.
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	getErr   error
	listErr  error
	getCalls int

	// interfere makes the next n AppendAndSave calls lose a race against
	// another writer, which applies rival (or a plain exchange when rival
	// has no messages).
	interfere int
	rival     Update
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]*Session)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *mockStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New("duplicate session")
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *mockStore) AppendAndSave(_ context.Context, id string, u Update) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.interfere > 0 {
		m.interfere--
		rival := m.rival
		if len(rival.Messages) == 0 {
			rival.Messages = []Message{
				{Role: RoleUser, Content: "from another replica"},
				{Role: RoleAssistant, Content: "ok"},
			}
		}
		rival.ExpectVersion = s.Version
		_ = ApplyUpdate(s, rival, time.Now().UTC())
	}
	if err := ApplyUpdate(s, u, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (m *mockStore) List(_ context.Context) ([]SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *mockStore) session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Clone()
	}
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []*Session
	err   error
}

func (n *mockNotifier) NotifyEscalation(_ context.Context, s *Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s)
	return n.err
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func waitNotifications(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func newTestService(store Store, reasoner Reasoner, cfg ServiceConfig) *Service {
	engine := newTestEngine(testIndex(), reasoner, DefaultConfig(), EngineHooks{})
	return NewService(store, engine, log.Nop(), cfg)
}

func send(t *testing.T, svc *Service, id, text string) *SendResult {
	t.Helper()
	res, err := svc.SendMessage(context.Background(), SendRequest{SessionID: id, Text: text})
	if err != nil {
		t.Fatalf("SendMessage(%q): %v", text, err)
	}
	return res
}

func TestSendMessage_NewSessionShortcut(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{}, ServiceConfig{})

	res := send(t, svc, "", "hello")

	if res.SessionID == "" {
		t.Fatal("expected a new session id")
	}
	if res.Outcome.Kind != OutcomeShortcut || res.Escalated {
		t.Errorf("outcome = %+v", res.Outcome)
	}
	if res.Status != StatusActive {
		t.Errorf("status = %q, want active", res.Status)
	}
	if res.Summary != "" {
		t.Errorf("summary = %q, want empty", res.Summary)
	}

	stored := store.session(res.SessionID)
	if stored == nil {
		t.Fatal("session not persisted")
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(stored.Messages))
	}
	if stored.Messages[0].Role != RoleUser || stored.Messages[0].Content != "hello" {
		t.Errorf("messages[0] = %+v", stored.Messages[0])
	}
	if stored.Messages[1].Role != RoleAssistant || stored.Messages[1].Content != res.Reply {
		t.Errorf("messages[1] = %+v", stored.Messages[1])
	}
	if stored.CreatedAt.Location() != time.UTC {
		t.Errorf("created_at not UTC: %v", stored.CreatedAt)
	}
}

func TestSendMessage_InvalidInput(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reasoner := &mockReasoner{}
	svc := newTestService(store, reasoner, ServiceConfig{MaxMessageChars: 10})

	for _, text := range []string{"", "   \n\t", "this message is too long", "ääääääääääää"} {
		_, err := svc.SendMessage(context.Background(), SendRequest{SessionID: "existing", Text: text})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("SendMessage(%q) err = %v, want ErrInvalidInput", text, err)
		}
	}

	// exactly at the limit, counted in runes
	if _, err := svc.SendMessage(context.Background(), SendRequest{Text: "ääääääääää"}); err != nil {
		t.Errorf("10 rune message rejected: %v", err)
	}

	store.mu.Lock()
	getCalls := store.getCalls
	store.mu.Unlock()
	if getCalls != 0 {
		t.Errorf("store.Get calls = %d, invalid input must not load sessions", getCalls)
	}
	if store.count() != 1 {
		t.Errorf("sessions = %d, want only the valid one", store.count())
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reasoner := &mockReasoner{}
	svc := newTestService(store, reasoner, ServiceConfig{})

	_, err := svc.SendMessage(context.Background(), SendRequest{SessionID: "nope", Text: "what is your return policy?"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if store.count() != 0 {
		t.Errorf("sessions = %d, want 0", store.count())
	}
	if v, g, s := reasoner.counts(); v+g+s != 0 {
		t.Errorf("reasoner called for unknown session")
	}
}

func TestSendMessage_HistoryGrowsInOrder(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{relevant: true, answer: "30 days."}, ServiceConfig{})

	texts := []string{"hi", "what is your return policy?", "thanks", "ok", "bye"}
	id := ""
	for _, text := range texts {
		id = send(t, svc, id, text).SessionID
	}

	stored := store.session(id)
	if len(stored.Messages) != 2*len(texts) {
		t.Fatalf("messages = %d, want %d", len(stored.Messages), 2*len(texts))
	}
	for i, m := range stored.Messages {
		wantRole := RoleUser
		if i%2 == 1 {
			wantRole = RoleAssistant
		}
		if m.Role != wantRole {
			t.Errorf("messages[%d].role = %q, want %q", i, m.Role, wantRole)
		}
		if i%2 == 0 && m.Content != texts[i/2] {
			t.Errorf("messages[%d] = %q, want %q", i, m.Content, texts[i/2])
		}
		if i > 0 && m.Timestamp.Before(stored.Messages[i-1].Timestamp) {
			t.Errorf("messages[%d] timestamp goes backwards", i)
		}
	}
	if stored.Version != int64(len(texts)) {
		t.Errorf("version = %d, want %d", stored.Version, len(texts))
	}
}

func TestSendMessage_EscalationPersistsAndNotifiesOnce(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reasoner := &mockReasoner{summary: "Customer's parcel arrived damaged."}
	notifier := &mockNotifier{}
	svc := newTestService(store, reasoner, ServiceConfig{Notifier: notifier})

	res := send(t, svc, "", "my parcel arrived damaged")
	if !res.Escalated || res.Status != StatusEscalated {
		t.Fatalf("result = %+v, want escalated", res)
	}
	if res.Summary != "Customer's parcel arrived damaged." {
		t.Errorf("summary = %q", res.Summary)
	}

	stored := store.session(res.SessionID)
	if stored.Status != StatusEscalated || stored.Summary != res.Summary {
		t.Errorf("stored status/summary = %q/%q", stored.Status, stored.Summary)
	}
	waitNotifications(t, svc)
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	// a later escalating turn keeps the first summary and does not re-notify
	res2 := send(t, svc, res.SessionID, "still no word about the damaged parcel")
	if !res2.Escalated || res2.Summary != res.Summary {
		t.Errorf("second result = %+v", res2)
	}
	if _, _, s := reasoner.counts(); s != 1 {
		t.Errorf("summarize calls = %d, want 1", s)
	}
	waitNotifications(t, svc)
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	// shortcuts after escalation leave status escalated
	res3 := send(t, svc, res.SessionID, "thanks")
	if res3.Escalated || res3.Status != StatusEscalated {
		t.Errorf("shortcut after escalation = %+v", res3)
	}
	if res3.Summary != res.Summary {
		t.Errorf("shortcut after escalation summary = %q, want %q", res3.Summary, res.Summary)
	}
	if stored := store.session(res.SessionID); stored.Status != StatusEscalated || len(stored.Messages) != 6 {
		t.Errorf("stored = %q with %d messages", stored.Status, len(stored.Messages))
	}
}

func TestSendMessage_NotifierErrorDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &mockNotifier{err: errors.New("webhook down")}
	svc := newTestService(store, &mockReasoner{summary: "Parcel issue."}, ServiceConfig{Notifier: notifier})

	res := send(t, svc, "", "my parcel arrived damaged")
	if !res.Escalated {
		t.Fatal("expected escalation")
	}
	waitNotifications(t, svc)
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestSendMessage_ConflictRetry(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := newTestService(store, &mockReasoner{}, ServiceConfig{Metrics: metrics})

	id := send(t, svc, "", "hello").SessionID

	store.mu.Lock()
	store.interfere = 1
	store.mu.Unlock()

	res := send(t, svc, id, "thanks")
	if res.Outcome.Kind != OutcomeShortcut {
		t.Fatalf("kind = %q", res.Outcome.Kind)
	}

	stored := store.session(id)
	if len(stored.Messages) != 6 {
		t.Fatalf("messages = %d, want 6 (ours plus the other writer's)", len(stored.Messages))
	}
	if stored.Messages[4].Content != "thanks" {
		t.Errorf("retried turn not appended last: %+v", stored.Messages[4])
	}
	if got := testutil.ToFloat64(metrics.StoreConflictsTotal.WithLabelValues("retried")); got != 1 {
		t.Errorf("conflicts retried = %v, want 1", got)
	}
}

func TestSendMessage_ConflictRerunsAgainstReloadedSession(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reasoner := &mockReasoner{summary: "My replica summary."}
	notifier := &mockNotifier{}
	svc := newTestService(store, reasoner, ServiceConfig{Notifier: notifier})

	id := send(t, svc, "", "hello").SessionID

	// another replica escalates the session between our load and our write
	store.mu.Lock()
	store.interfere = 1
	store.rival = Update{
		Messages: []Message{
			{Role: RoleUser, Content: "I want a human"},
			{Role: RoleAssistant, Content: "escalating"},
		},
		Status:  StatusEscalated,
		Summary: "Other replica summary.",
	}
	store.mu.Unlock()

	res := send(t, svc, id, "my parcel arrived damaged")

	if res.Summary != "Other replica summary." {
		t.Errorf("summary = %q, want the stored one", res.Summary)
	}
	if !strings.Contains(res.Reply, res.Summary) {
		t.Errorf("reply %q does not quote summary %q", res.Reply, res.Summary)
	}
	if strings.Contains(res.Reply, "My replica summary.") {
		t.Errorf("reply quotes the stale summary: %q", res.Reply)
	}

	stored := store.session(id)
	if stored.Summary != "Other replica summary." {
		t.Errorf("stored summary = %q", stored.Summary)
	}
	last := stored.Messages[len(stored.Messages)-1]
	if last.Role != RoleAssistant || last.Content != res.Reply {
		t.Errorf("persisted reply = %+v, want %q", last, res.Reply)
	}

	// the other replica owns the hand-off notification
	waitNotifications(t, svc)
	if notifier.count() != 0 {
		t.Errorf("notifications = %d, want 0", notifier.count())
	}
}

func TestSendMessage_ConflictTwiceSurfaces(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{}, ServiceConfig{})

	id := send(t, svc, "", "hello").SessionID

	store.mu.Lock()
	store.interfere = 2
	store.mu.Unlock()

	_, err := svc.SendMessage(context.Background(), SendRequest{SessionID: id, Text: "thanks"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSendMessage_ConcurrentSameSessionSerializes(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{relevant: true, answer: "30 days."}, ServiceConfig{MaxConcurrent: 4})

	id := send(t, svc, "", "hello").SessionID

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := "thanks"
			if i%2 == 0 {
				text = "what is your return policy?"
			}
			if _, err := svc.SendMessage(context.Background(), SendRequest{SessionID: id, Text: text}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent send: %v", err)
	}

	stored := store.session(id)
	if len(stored.Messages) != 2*(n+1) {
		t.Fatalf("messages = %d, want %d", len(stored.Messages), 2*(n+1))
	}
	for i, m := range stored.Messages {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("messages[%d].role = %q, want %q", i, m.Role, want)
		}
	}
	if svc.locks.size() != 0 {
		t.Errorf("session locks leaked: %d", svc.locks.size())
	}
}

// blockingNotifier holds every notification until release is closed.
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) NotifyEscalation(ctx context.Context, _ *Session) error {
	close(n.entered)
	select {
	case <-n.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSendMessage_NotificationDoesNotDelayReply(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	notifier := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(store, &mockReasoner{summary: "Parcel damaged."}, ServiceConfig{Notifier: notifier})

	done := make(chan *SendResult, 1)
	go func() {
		res, err := svc.SendMessage(context.Background(), SendRequest{Text: "my parcel arrived damaged"})
		if err != nil {
			t.Errorf("SendMessage: %v", err)
		}
		done <- res
	}()

	var res *SendResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		close(notifier.release)
		t.Fatal("SendMessage waited on the notifier")
	}
	if res == nil || !res.Escalated {
		t.Fatalf("result = %+v, want escalation", res)
	}

	<-notifier.entered

	// the session lock is free while the notifier is still running
	got := send(t, svc, res.SessionID, "thanks")
	if got.Status != StatusEscalated {
		t.Errorf("status = %q, want escalated", got.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := svc.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait with notifier blocked: err = %v, want deadline exceeded", err)
	}

	close(notifier.release)
	waitNotifications(t, svc)
}

// gatedReasoner signals when summarizing starts and waits for release.
type gatedReasoner struct {
	mockReasoner
	started chan struct{}
	release chan struct{}
}

func (g *gatedReasoner) Summarize(ctx context.Context, history []Message) (string, error) {
	close(g.started)
	<-g.release
	return g.mockReasoner.Summarize(ctx, history)
}

func TestSendMessage_CallerCancelAfterStartStillPersists(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	reasoner := &gatedReasoner{
		mockReasoner: mockReasoner{summary: "Parcel damaged."},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	svc := newTestService(store, reasoner, ServiceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		res *SendResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := svc.SendMessage(ctx, SendRequest{Text: "my parcel arrived damaged"})
		done <- result{res, err}
	}()

	<-reasoner.started
	cancel()
	close(reasoner.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("SendMessage after cancel: %v", r.err)
	}
	stored := store.session(r.res.SessionID)
	if stored == nil || len(stored.Messages) != 2 || stored.Status != StatusEscalated {
		t.Fatalf("turn not persisted after caller cancel: %+v", stored)
	}
}

func TestSendMessage_LockWaitHonorsCancel(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{}, ServiceConfig{})
	id := send(t, svc, "", "hello").SessionID

	unlock, err := svc.locks.Lock(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.SendMessage(ctx, SendRequest{SessionID: id, Text: "thanks"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := len(store.session(id).Messages); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
}

func TestSendMessage_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := newMockStore()
	engine := newTestEngine(testIndex(), &mockReasoner{summary: "x."}, DefaultConfig(), metrics.Hooks())
	svc := NewService(store, engine, log.Nop(), ServiceConfig{Metrics: metrics})

	send(t, svc, "", "hi")
	send(t, svc, "", "my parcel arrived damaged")
	_, _ = svc.SendMessage(context.Background(), SendRequest{Text: " "})

	if got := testutil.ToFloat64(metrics.SendsTotal.WithLabelValues("shortcut")); got != 1 {
		t.Errorf("shortcut sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SendsTotal.WithLabelValues("escalated")); got != 1 {
		t.Errorf("escalated sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SendsTotal.WithLabelValues("invalid")); got != 1 {
		t.Errorf("invalid sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.OutcomesTotal.WithLabelValues("escalated", "no_match")); got != 1 {
		t.Errorf("no_match outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PipelinesInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{}, ServiceConfig{})
	id := send(t, svc, "", "hello").SessionID

	sess, err := svc.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != id || len(sess.Messages) != 2 {
		t.Errorf("session = %+v", sess)
	}

	if _, err := svc.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	store.mu.Lock()
	store.getErr = errors.New("db down")
	store.mu.Unlock()
	if _, err := svc.GetSession(context.Background(), id); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("err = %v, want wrapped store error", err)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, &mockReasoner{summary: "Parcel."}, ServiceConfig{})

	a := send(t, svc, "", "hello").SessionID
	b := send(t, svc, "", "my parcel arrived damaged").SessionID

	list, err := svc.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	byID := map[string]SessionSummary{list[0].ID: list[0], list[1].ID: list[1]}
	if byID[a].Escalated || byID[a].MessageCount != 2 {
		t.Errorf("session a = %+v", byID[a])
	}
	if !byID[b].Escalated || byID[b].Summary != "Parcel." {
		t.Errorf("session b = %+v", byID[b])
	}

	store.mu.Lock()
	store.listErr = errors.New("db down")
	store.mu.Unlock()
	if list, err := svc.ListSessions(context.Background()); err == nil || list != nil {
		t.Errorf("list = %v, err = %v; want nil list and error", list, err)
	}
}
