package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/browserpilot/controlplane/internal/db"
	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/repository"
)

// fakeAttacher records attach/detach calls and can be scripted to block or
// fail.
type fakeAttacher struct {
	mu        sync.Mutex
	attached  []string
	detached  []string
	attachErr error
	block     chan struct{}
}

func (f *fakeAttacher) AttachSession(ctx context.Context, session *model.Session) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = append(f.attached, session.ID)
	return nil
}

func (f *fakeAttacher) DetachSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, sessionID)
}

func (f *fakeAttacher) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

func newTestManager(t *testing.T, attacher Attacher, config Config) *Manager {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })

	m := NewManager(repository.NewSessionRepository(testDB), attacher, config)
	t.Cleanup(m.Close)
	return m
}

func TestCreateSession(t *testing.T) {
	attacher := &fakeAttacher{}
	m := newTestManager(t, attacher, Config{TranscriptDir: t.TempDir()})

	session, err := m.Create(context.Background(), &model.CreateSessionRequest{
		Title:   "My Run",
		OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if session.ID == "" {
		t.Error("expected generated session id")
	}
	if session.Title != "My Run" {
		t.Errorf("unexpected title: %q", session.Title)
	}
	if session.Status != model.SessionStatusRunning {
		t.Errorf("expected running status, got %s", session.Status)
	}
	if !strings.HasSuffix(session.TranscriptPath, session.ID+".jsonl") {
		t.Errorf("unexpected transcript path: %q", session.TranscriptPath)
	}
	if attacher.attachCount() != 1 {
		t.Errorf("expected 1 attach call, got %d", attacher.attachCount())
	}

	// The session is persisted and retrievable.
	got, err := m.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.OwnerID != "owner-1" {
		t.Errorf("unexpected owner: %q", got.OwnerID)
	}
}

func TestCreateSessionDefaultTitle(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{})

	session, err := m.Create(context.Background(), &model.CreateSessionRequest{
		OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if !strings.HasPrefix(session.Title, "Session ") {
		t.Errorf("expected generated title, got %q", session.Title)
	}
}

func TestCreateSessionRequiresOwner(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{})

	_, err := m.Create(context.Background(), &model.CreateSessionRequest{Title: "x"})
	if !errors.Is(err, model.ErrOwnerRequired) {
		t.Errorf("expected ErrOwnerRequired, got %v", err)
	}
}

func TestCreateSessionLimit(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{MaxSessionsPerUser: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, &model.CreateSessionRequest{
			Title:   "session-" + string(rune('a'+i)),
			OwnerID: "owner-1",
		}); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	_, err := m.Create(ctx, &model.CreateSessionRequest{Title: "one-too-many", OwnerID: "owner-1"})
	if !errors.Is(err, model.ErrConcurrencyLimit) {
		t.Errorf("expected ErrConcurrencyLimit, got %v", err)
	}

	// Another owner is unaffected.
	if _, err := m.Create(ctx, &model.CreateSessionRequest{Title: "fine", OwnerID: "owner-2"}); err != nil {
		t.Errorf("other owner should not be limited: %v", err)
	}
}

// TestConcurrentCreateDeduplicated verifies that parallel create calls with
// the same owner and title share one backing session.
func TestConcurrentCreateDeduplicated(t *testing.T) {
	attacher := &fakeAttacher{block: make(chan struct{})}
	m := newTestManager(t, attacher, Config{})

	req := &model.CreateSessionRequest{Title: "shared", OwnerID: "owner-1"}

	const callers = 5
	sessions := make([]*model.Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Create(context.Background(), req)
		}(i)
	}

	// Give every caller time to join the in-flight creation, then let the
	// attach finish.
	time.Sleep(50 * time.Millisecond)
	close(attacher.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if sessions[i].ID != sessions[0].ID {
			t.Errorf("caller %d got a different session: %s vs %s", i, sessions[i].ID, sessions[0].ID)
		}
	}

	// Exactly one session was persisted.
	list, err := m.List(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 persisted session, got %d", len(list))
	}
	if attacher.attachCount() != 1 {
		t.Errorf("expected 1 attach, got %d", attacher.attachCount())
	}
}

// TestSequentialCreateNotDeduplicated verifies the cache does not memoize:
// a create after the first completes yields a new session.
func TestSequentialCreateNotDeduplicated(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{})

	req := &model.CreateSessionRequest{Title: "same-title", OwnerID: "owner-1"}

	first, err := m.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := m.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if first.ID == second.ID {
		t.Error("sequential creates must produce distinct sessions")
	}
}

func TestCreateRollsBackOnAttachFailure(t *testing.T) {
	attacher := &fakeAttacher{attachErr: errors.New("engine unavailable")}
	m := newTestManager(t, attacher, Config{})

	_, err := m.Create(context.Background(), &model.CreateSessionRequest{
		Title:   "doomed",
		OwnerID: "owner-1",
	})
	if err == nil {
		t.Fatal("expected create to fail when attach fails")
	}

	// Nothing is left behind in the database.
	list, err := m.List(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected rollback to remove the session, found %d", len(list))
	}
}

func TestDeleteDetachesFirst(t *testing.T) {
	attacher := &fakeAttacher{}
	m := newTestManager(t, attacher, Config{})

	session, err := m.Create(context.Background(), &model.CreateSessionRequest{
		Title:   "to-delete",
		OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := m.Delete(context.Background(), session.ID); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	attacher.mu.Lock()
	detached := append([]string(nil), attacher.detached...)
	attacher.mu.Unlock()
	if len(detached) != 1 || detached[0] != session.ID {
		t.Errorf("expected detach for %s, got %v", session.ID, detached)
	}

	if _, err := m.Get(context.Background(), session.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected session gone, got %v", err)
	}
}

func TestAddMessageUnknownSession(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{})

	_, err := m.AddMessage(context.Background(), "missing", "user", "hi")
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAddAndListMessages(t *testing.T) {
	m := newTestManager(t, &fakeAttacher{}, Config{})

	session, err := m.Create(context.Background(), &model.CreateSessionRequest{
		Title:   "chat",
		OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	msg, err := m.AddMessage(context.Background(), session.ID, "user", "hello")
	if err != nil {
		t.Fatalf("failed to add message: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected generated message id")
	}

	messages, err := m.ListMessages(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Errorf("unexpected messages: %+v", messages)
	}
}
