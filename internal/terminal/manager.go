package terminal

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// reapInterval is the reaper tick. Disconnected terminals idle longer than
// the configured timeout are collected on the next tick.
const reapInterval = 60 * time.Second

// Config carries the manager's immutable settings. A nil Remote means
// terminals are local ptys spawned in WorkspaceDir; otherwise every terminal
// is a shell on the configured SSH target.
type Config struct {
	WorkspaceDir string
	MaxTerminals int
	IdleTimeout  time.Duration
	Remote       *SSHConfig

	// Spawn overrides the backend factory. Nil picks local ptys or the
	// remote target; tests inject in-memory backends here.
	Spawn func(ctx context.Context, cols, rows uint16) (Session, error)
}

// terminal is one registry entry. The registry map is guarded by the
// Manager's RWMutex; everything mutable inside the entry is guarded by the
// entry's own mutex so a stuck backend never blocks the map.
type terminal struct {
	id        string
	backend   Session
	input     chan []byte
	done      chan struct{}
	doneOnce  sync.Once
	createdAt time.Time

	mu           sync.Mutex
	owner        string
	cols, rows   uint16
	lastActivity time.Time
	connected    bool
	sink         Sink
	exited       bool
	exitCode     *int
}

// closeInput stops the writer and fails subsequent SendInput calls.
func (t *terminal) closeInput() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *terminal) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *terminal) ownedBy(owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner == owner
}

// deliver hands one output chunk to whichever sink is currently attached.
func (t *terminal) deliver(p []byte) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Output(p)
	}
}

// Manager is the authoritative registry of live terminals. It is safe for
// concurrent use; a single Manager serves every connection in the process.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*terminal

	cfg Config
	log zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	// spawn builds the backend for a new terminal. Swapped out in tests.
	spawn func(ctx context.Context, cols, rows uint16) (Session, error)
}

// NewManager builds a Manager and starts its reaper goroutine. Call Stop to
// shut the reaper down and close every remaining terminal.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		terminals: make(map[string]*terminal),
		cfg:       cfg,
		log:       log.With().Str("component", "terminal").Logger(),
		stop:      make(chan struct{}),
	}
	m.spawn = m.spawnBackend
	if cfg.Spawn != nil {
		m.spawn = cfg.Spawn
	}
	go m.reapLoop()
	return m
}

func (m *Manager) spawnBackend(ctx context.Context, cols, rows uint16) (Session, error) {
	if m.cfg.Remote != nil {
		return dialSSH(ctx, *m.cfg.Remote, cols, rows)
	}
	return startLocal(cols, rows, m.cfg.WorkspaceDir)
}

// Create spawns a new terminal under the given id for owner and starts its
// reader and writer. Output flows into sink until a later Attach swaps it.
// The quota check is a best-effort read before spawning; concurrent creators
// may overshoot by at most their own count.
func (m *Manager) Create(ctx context.Context, id, owner string, cols, rows uint16, sink Sink) error {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	m.mu.RLock()
	_, exists := m.terminals[id]
	count := len(m.terminals)
	m.mu.RUnlock()
	if exists {
		return ErrAlreadyExists
	}
	if m.cfg.MaxTerminals > 0 && count >= m.cfg.MaxTerminals {
		return ErrMaxTerminals
	}

	if m.cfg.Remote == nil && m.cfg.WorkspaceDir != "" {
		if err := os.MkdirAll(m.cfg.WorkspaceDir, 0o755); err != nil {
			m.log.Warn().Err(err).Str("dir", m.cfg.WorkspaceDir).
				Msg("workspace directory unavailable")
		}
	}

	backend, err := m.spawn(ctx, cols, rows)
	if err != nil {
		return fmt.Errorf("spawn terminal %s: %w", id, err)
	}

	now := time.Now()
	t := &terminal{
		id:           id,
		backend:      backend,
		input:        make(chan []byte, inputQueueSize),
		done:         make(chan struct{}),
		createdAt:    now,
		owner:        owner,
		cols:         cols,
		rows:         rows,
		lastActivity: now,
		connected:    true,
		sink:         sink,
	}

	m.mu.Lock()
	if _, exists := m.terminals[id]; exists {
		// Lost the race to a concurrent creator with the same id.
		m.mu.Unlock()
		t.closeInput()
		backend.Close()
		return ErrAlreadyExists
	}
	m.terminals[id] = t
	m.mu.Unlock()

	go m.writeLoop(t)
	go m.readLoop(t)

	m.log.Info().Str("terminal", id).Str("user", owner).
		Uint16("cols", cols).Uint16("rows", rows).
		Bool("remote", m.cfg.Remote != nil).Msg("terminal created")
	return nil
}

// Attach retargets an existing terminal's output at sink and marks it
// connected, allowing a reconnecting socket to take over a terminal that
// survived a disconnect. Terminals owned by a different user are reported as
// not found. If the backend already exited, the sink is told immediately.
func (m *Manager) Attach(id, owner string, sink Sink) error {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	t.mu.Lock()
	if t.owner != owner {
		t.mu.Unlock()
		return ErrNotFound
	}
	t.sink = sink
	t.connected = true
	t.lastActivity = time.Now()
	exited, code := t.exited, t.exitCode
	t.mu.Unlock()

	if exited {
		sink.Exit(code)
	}
	m.log.Info().Str("terminal", id).Str("user", owner).Msg("terminal attached")
	return nil
}

// Disconnect detaches sink from the terminal, leaving the backend running so
// the client can reconnect before the reaper collects it. It is a no-op when
// a newer connection has already attached its own sink.
func (m *Manager) Disconnect(id string, sink Sink) {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.sink == sink {
		t.sink = nil
		t.connected = false
		t.lastActivity = time.Now()
	}
	t.mu.Unlock()
}

// SendInput queues input bytes for the terminal's writer, preserving arrival
// order. A full queue blocks the caller, pacing the socket read loop.
func (m *Manager) SendInput(id, owner string, p []byte) error {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok || !t.ownedBy(owner) {
		return ErrNotFound
	}
	t.touch()

	select {
	case t.input <- p:
		return nil
	case <-t.done:
		return ErrSendClosed
	}
}

// Resize applies a window change, skipping the backend call when the
// dimensions are unchanged.
func (m *Manager) Resize(id, owner string, cols, rows uint16) error {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok || !t.ownedBy(owner) {
		return ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
	if cols == 0 || rows == 0 || (t.cols == cols && t.rows == rows) {
		return nil
	}
	if err := t.backend.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize terminal %s: %w", id, err)
	}
	t.cols, t.rows = cols, rows
	return nil
}

// Touch refreshes the terminal's activity timestamp. Touching an unknown or
// foreign terminal is a silent no-op.
func (m *Manager) Touch(id, owner string) {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if ok && t.ownedBy(owner) {
		t.touch()
	}
}

// Close removes the terminal and terminates its backend (signal plus
// best-effort wait). The input queue is closed first so a concurrent
// SendInput fails instead of blocking.
func (m *Manager) Close(id, owner string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if ok && !t.ownedBy(owner) {
		ok = false
	}
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.terminals, id)
	m.mu.Unlock()

	m.teardown(t)
	m.log.Info().Str("terminal", id).Msg("terminal closed")
	return nil
}

// Count returns the number of registered terminals, live or exited.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terminals)
}

// Stop shuts down the reaper and closes every remaining terminal. Used on
// process shutdown so no child outlives the gateway.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	remaining := m.terminals
	m.terminals = make(map[string]*terminal)
	m.mu.Unlock()

	for _, t := range remaining {
		m.teardown(t)
	}
}

func (m *Manager) teardown(t *terminal) {
	t.closeInput()
	if err := t.backend.Close(); err != nil {
		m.log.Warn().Err(err).Str("terminal", t.id).Msg("backend close")
	}
}

// writeLoop drains the input queue into the backend. It stops when the queue
// closes or a write fails; a failed write also closes the queue so senders
// get ErrSendClosed instead of filling a dead channel.
func (m *Manager) writeLoop(t *terminal) {
	defer t.closeInput()
	for {
		select {
		case p := <-t.input:
			if _, err := t.backend.Write(p); err != nil {
				m.log.Debug().Err(err).Str("terminal", t.id).Msg("input write failed")
				return
			}
		case <-t.done:
			return
		}
	}
}

// readLoop drains backend output in fixed-size chunks and hands each to the
// attached sink, preserving order. Any read error means the stream ended and
// the child is gone; the loop then reaps it and reports the exit.
func (m *Manager) readLoop(t *terminal) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := t.backend.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliver(data)
		}
		if err != nil {
			break
		}
	}
	m.finish(t)
}

// finish runs the backend-exit path exactly once: close the input queue,
// collect the exit status, and notify the attached sink. The registry entry
// stays until the client closes it or the reaper collects it.
func (m *Manager) finish(t *terminal) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.mu.Unlock()

	t.closeInput()
	code := t.backend.ExitCode()

	t.mu.Lock()
	t.exitCode = code
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.Exit(code)
	}

	ev := m.log.Info().Str("terminal", t.id)
	if code != nil {
		ev = ev.Int("code", *code)
	}
	ev.Msg("terminal exited")
}

// reapLoop ticks until Stop. Each tick collects terminals that have been
// disconnected longer than the idle timeout.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes and removes disconnected terminals whose last activity is
// older than the idle timeout. Candidates are collected under the read lock;
// each is re-checked under the write lock in case a client reconnected in
// between. Errors are logged and never abort the sweep.
func (m *Manager) reapIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var expired []*terminal
	for _, t := range m.terminals {
		t.mu.Lock()
		idle := !t.connected && t.lastActivity.Before(cutoff)
		t.mu.Unlock()
		if idle {
			expired = append(expired, t)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, t := range expired {
		m.mu.Lock()
		cur, ok := m.terminals[t.id]
		if !ok || cur != t {
			m.mu.Unlock()
			continue
		}
		t.mu.Lock()
		last := t.lastActivity
		still := !t.connected && last.Before(cutoff)
		t.mu.Unlock()
		if !still {
			m.mu.Unlock()
			continue
		}
		delete(m.terminals, t.id)
		m.mu.Unlock()

		m.log.Info().Str("terminal", t.id).
			Time("last_activity", last).Msg("reaping idle terminal")
		m.teardown(t)
		reaped++
	}
	return reaped
}
