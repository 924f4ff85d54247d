package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeSession is an in-memory Session backend. Output is fed through a
// channel; closing the channel looks like the child exiting.
type fakeSession struct {
	out chan []byte

	mu       sync.Mutex
	wrote    bytes.Buffer
	resizes  [][2]uint16
	closed   bool
	exitCode *int

	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{out: make(chan []byte, 16)}
}

func (f *fakeSession) Read(p []byte) (int, error) {
	data, ok := <-f.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("write on closed session")
	}
	return f.wrote.Write(p)
}

func (f *fakeSession) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.out) })
	return nil
}

func (f *fakeSession) ExitCode() *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

func (f *fakeSession) emit(s string) { f.out <- []byte(s) }

// exit simulates the child terminating with the given status.
func (f *fakeSession) exit(code int) {
	f.mu.Lock()
	f.exitCode = &code
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.out) })
}

func (f *fakeSession) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrote.String()
}

func (f *fakeSession) resizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resizes)
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordSink captures everything delivered to a connection.
type recordSink struct {
	mu     sync.Mutex
	output bytes.Buffer
	exits  []*int
}

func (s *recordSink) Output(p []byte) {
	s.mu.Lock()
	s.output.Write(p)
	s.mu.Unlock()
}

func (s *recordSink) Exit(code *int) {
	s.mu.Lock()
	s.exits = append(s.exits, code)
	s.mu.Unlock()
}

func (s *recordSink) outputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *recordSink) exitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exits)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestManager wires a Manager whose spawn hands out fake backends,
// recorded in order of creation.
func newTestManager(t *testing.T, cfg Config) (*Manager, func(i int) *fakeSession) {
	t.Helper()
	var mu sync.Mutex
	var spawned []*fakeSession

	cfg.Spawn = func(ctx context.Context, cols, rows uint16) (Session, error) {
		f := newFakeSession()
		mu.Lock()
		spawned = append(spawned, f)
		mu.Unlock()
		return f, nil
	}
	m := NewManager(cfg)
	t.Cleanup(m.Stop)

	return m, func(i int) *fakeSession {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(spawned) {
			t.Fatalf("no spawned session at index %d", i)
		}
		return spawned[i]
	}
}

func TestCreateDeliversOutput(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	backend(0).emit("hello ")
	backend(0).emit("world")
	waitFor(t, "output", func() bool { return sink.outputString() == "hello world" })
}

func TestCreateDuplicateID(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Create = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateQuota(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 2, IdleTimeout: time.Hour})
	sink := &recordSink{}

	for _, id := range []string{"t1", "t2"} {
		if err := m.Create(context.Background(), id, "alice", 80, 24, sink); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if err := m.Create(context.Background(), "t3", "alice", 80, 24, sink); !errors.Is(err, ErrMaxTerminals) {
		t.Fatalf("Create over quota = %v, want ErrMaxTerminals", err)
	}

	// Closing one frees a slot.
	if err := m.Close("t1", "alice"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Create(context.Background(), "t3", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create after close: %v", err)
	}
}

func TestCreateMakesWorkspaceDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workspace")
	m, _ := newTestManager(t, Config{WorkspaceDir: dir, MaxTerminals: 2, IdleTimeout: time.Hour})

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, &recordSink{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		t.Errorf("workspace dir not created: %v", err)
	}
}

func TestSendInputReachesBackend(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SendInput("t1", "alice", []byte("ls\r")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	waitFor(t, "input write", func() bool { return backend(0).written() == "ls\r" })
}

func TestSendInputUnknownTerminal(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	if err := m.SendInput("nope", "alice", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SendInput = %v, want ErrNotFound", err)
	}
}

func TestSendInputForeignOwner(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SendInput("t1", "bob", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SendInput as bob = %v, want ErrNotFound", err)
	}
}

func TestSendInputAfterExit(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	backend(0).exit(0)
	waitFor(t, "exit notification", func() bool { return sink.exitCount() == 1 })

	if err := m.SendInput("t1", "alice", []byte("x")); !errors.Is(err, ErrSendClosed) {
		t.Fatalf("SendInput after exit = %v, want ErrSendClosed", err)
	}
}

func TestExitReportsCodeAndKeepsEntry(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	backend(0).exit(7)
	waitFor(t, "exit notification", func() bool { return sink.exitCount() == 1 })

	sink.mu.Lock()
	code := sink.exits[0]
	sink.mu.Unlock()
	if code == nil || *code != 7 {
		t.Fatalf("exit code = %v, want 7", code)
	}
	// The entry stays registered until closed or reaped.
	if m.Count() != 1 {
		t.Fatalf("Count after exit = %d, want 1", m.Count())
	}
}

func TestResizeSkipsUnchangedDimensions(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Resize("t1", "alice", 80, 24); err != nil {
		t.Fatalf("Resize same: %v", err)
	}
	if n := backend(0).resizeCount(); n != 0 {
		t.Fatalf("resize calls = %d, want 0", n)
	}
	if err := m.Resize("t1", "alice", 120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if n := backend(0).resizeCount(); n != 1 {
		t.Fatalf("resize calls = %d, want 1", n)
	}
}

func TestAttachRetargetsOutput(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	first := &recordSink{}
	second := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	backend(0).emit("before")
	waitFor(t, "first sink output", func() bool { return first.outputString() == "before" })

	m.Disconnect("t1", first)
	if err := m.Attach("t1", "alice", second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	backend(0).emit("after")
	waitFor(t, "second sink output", func() bool { return second.outputString() == "after" })
	if got := first.outputString(); got != "before" {
		t.Fatalf("first sink received %q after detach", got)
	}
}

func TestAttachForeignOwner(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Attach("t1", "bob", &recordSink{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach as bob = %v, want ErrNotFound", err)
	}
}

func TestAttachAfterExitNotifiesImmediately(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	first := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	backend(0).exit(1)
	waitFor(t, "exit notification", func() bool { return first.exitCount() == 1 })

	late := &recordSink{}
	if err := m.Attach("t1", "alice", late); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if late.exitCount() != 1 {
		t.Fatalf("late sink exit notifications = %d, want 1", late.exitCount())
	}
}

func TestDisconnectIgnoresStaleSink(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	first := &recordSink{}
	second := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Attach("t1", "alice", second); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The old connection tearing down must not detach the new one.
	m.Disconnect("t1", first)

	backend(0).emit("still here")
	waitFor(t, "second sink output", func() bool { return second.outputString() == "still here" })
}

func TestCloseRemovesAndTerminates(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Close("t1", "alice"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("Count after close = %d, want 0", m.Count())
	}
	waitFor(t, "backend close", func() bool { return backend(0).isClosed() })

	if err := m.Close("t1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close = %v, want ErrNotFound", err)
	}
}

func TestReapIdleCollectsDisconnected(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: 10 * time.Millisecond})
	idle := &recordSink{}
	live := &recordSink{}

	if err := m.Create(context.Background(), "idle", "alice", 80, 24, idle); err != nil {
		t.Fatalf("Create idle: %v", err)
	}
	if err := m.Create(context.Background(), "live", "alice", 80, 24, live); err != nil {
		t.Fatalf("Create live: %v", err)
	}

	m.Disconnect("idle", idle)
	time.Sleep(30 * time.Millisecond)

	if n := m.reapIdle(); n != 1 {
		t.Fatalf("reapIdle = %d, want 1", n)
	}
	if m.Count() != 1 {
		t.Fatalf("Count after reap = %d, want 1", m.Count())
	}
	waitFor(t, "idle backend close", func() bool { return backend(0).isClosed() })
	if backend(1).isClosed() {
		t.Fatal("connected terminal was reaped")
	}
}

func TestReapIdleSparesRecentDisconnect(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Disconnect("t1", sink)

	if n := m.reapIdle(); n != 0 {
		t.Fatalf("reapIdle = %d, want 0", n)
	}
}

func TestStopClosesEverything(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	for _, id := range []string{"t1", "t2"} {
		if err := m.Create(context.Background(), id, "alice", 80, 24, sink); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	m.Stop()

	if m.Count() != 0 {
		t.Fatalf("Count after Stop = %d, want 0", m.Count())
	}
	waitFor(t, "backends closed", func() bool {
		return backend(0).isClosed() && backend(1).isClosed()
	})
}

func TestInputOrderPreserved(t *testing.T) {
	m, backend := newTestManager(t, Config{MaxTerminals: 4, IdleTimeout: time.Hour})
	sink := &recordSink{}

	if err := m.Create(context.Background(), "t1", "alice", 80, 24, sink); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, s := range []string{"a", "b", "c", "d"} {
		if err := m.SendInput("t1", "alice", []byte(s)); err != nil {
			t.Fatalf("SendInput %s: %v", s, err)
		}
	}
	waitFor(t, "ordered input", func() bool { return backend(0).written() == "abcd" })
}
