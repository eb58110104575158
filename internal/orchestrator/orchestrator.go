// Package orchestrator runs the set of live sessions. It owns one driving
// goroutine per session that polls events, applies the permission policy,
// fans events out to subscribers, and persists snapshots so sessions survive
// a host restart.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/okapilab/keeper/internal/agent"
	"github.com/okapilab/keeper/internal/config"
	"github.com/okapilab/keeper/internal/policy"
	"github.com/okapilab/keeper/internal/runner"
	"github.com/okapilab/keeper/internal/session"
)

// ErrClosed is returned by operations on a shut-down orchestrator.
var ErrClosed = errors.New("orchestrator is closed")

// subscriberBuffer is the per-subscriber event channel capacity. A consumer
// that falls further behind loses live events and resyncs from the replay
// buffer.
const subscriberBuffer = 128

// Info is a point-in-time description of a managed session.
type Info struct {
	ID                string                     `json:"id"`
	Name              string                     `json:"name"`
	WorkingDir        string                     `json:"working_dir"`
	State             string                     `json:"state"`
	PendingOutputs    int                        `json:"pending_outputs"`
	PendingPermission *session.PendingPermission `json:"pending_permission,omitempty"`
	LastActivity      time.Time                  `json:"last_activity"`
}

// Subscription is one consumer's view of a session's event stream. Events
// stops delivering after Close.
type Subscription struct {
	events chan session.Event
	cancel func()
	once   sync.Once
}

// Events delivers the session's events in order.
func (s *Subscription) Events() <-chan session.Event { return s.events }

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// managed is one session plus its orchestration state. mu serializes all
// Session calls between the driver goroutine and API handlers.
type managed struct {
	mu   sync.Mutex
	sess *session.Session
	name string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	obsMu   sync.Mutex
	obs     map[int]chan session.Event
	nextObs int

	// limiter coalesces snapshot writes for this session.
	limiter *rate.Limiter
}

// Orchestrator manages the full set of sessions behind a single API.
type Orchestrator struct {
	cfg       *config.Config
	store     *session.Store
	engine    *policy.Engine
	runnerCfg *runner.Config
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*managed
	closed   bool
	wg       sync.WaitGroup
}

// New assembles an orchestrator. The policy engine and runner config may be
// nil.
func New(cfg *config.Config, store *session.Store, engine *policy.Engine, runnerCfg *runner.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		runnerCfg: runnerCfg,
		logger:    logger,
		sessions:  make(map[string]*managed),
	}
}

// newRunner builds a sandbox runner for one session. Folder restrictions
// expand "${workdir}" against that session's working directory, so the
// runner cannot be shared across sessions.
func (o *Orchestrator) newRunner(workingDir string) (*runner.Runner, error) {
	if o.runnerCfg == nil {
		return nil, nil
	}
	return runner.New(o.runnerCfg, workingDir, o.logger)
}

// Create starts a new session in workingDir and begins driving it.
func (o *Orchestrator) Create(name, workingDir string) (Info, error) {
	absDir, err := filepath.Abs(workingDir)
	if err != nil {
		return Info{}, fmt.Errorf("resolving working directory: %w", err)
	}

	cfg := session.Config{
		SessionID:   uuid.NewString(),
		WorkingDir:  absDir,
		Name:        name,
		ClaudePath:  o.cfg.Claude.Path,
		BufferLimit: o.cfg.Claude.BufferLimit,
	}

	run, err := o.newRunner(absDir)
	if err != nil {
		return Info{}, fmt.Errorf("configuring runner: %w", err)
	}

	sess, err := session.New(cfg, session.Options{Runner: run, Logger: o.logger})
	if err != nil {
		return Info{}, err
	}

	m, err := o.adopt(sess, name)
	if err != nil {
		sess.Close()
		return Info{}, err
	}

	if o.logger != nil {
		o.logger.Info("session created",
			"session_id", cfg.SessionID,
			"name", name,
			"working_dir", absDir)
	}
	return o.info(cfg.SessionID, m), nil
}

// RestoreAll respawns every stored session. A snapshot whose restore fails
// is left on disk untouched and reported in the count of failures.
func (o *Orchestrator) RestoreAll() (restored, failed int, err error) {
	snaps, err := o.store.LoadAll()
	if err != nil {
		return 0, 0, err
	}

	for _, snap := range snaps {
		if !snap.WasRunning {
			if o.logger != nil {
				o.logger.Info("session had exited, not respawned",
					"session_id", snap.ID)
			}
			continue
		}
		run, err := o.newRunner(snap.Config.WorkingDir)
		if err != nil {
			failed++
			if o.logger != nil {
				o.logger.Warn("runner configuration failed, snapshot kept",
					"session_id", snap.ID,
					"error", err)
			}
			continue
		}
		sess, err := session.Restore(snap, session.Options{Runner: run, Logger: o.logger})
		if err != nil {
			failed++
			if o.logger != nil {
				o.logger.Warn("session restore failed, snapshot kept",
					"session_id", snap.ID,
					"error", err)
			}
			continue
		}
		if _, err := o.adopt(sess, snap.Config.Name); err != nil {
			sess.Close()
			return restored, failed, err
		}
		restored++
		if o.logger != nil {
			o.logger.Info("session restored",
				"session_id", snap.ID,
				"pending_outputs", len(snap.PendingOutputs))
		}
	}
	return restored, failed, nil
}

// adopt registers a session and starts its driver.
func (o *Orchestrator) adopt(sess *session.Session, name string) (*managed, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	interval := o.cfg.Snapshots.Interval.Std()
	if interval <= 0 {
		interval = config.DefaultSnapshotInterval
	}

	m := &managed{
		sess:    sess,
		name:    name,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		obs:     make(map[int]chan session.Event),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	o.sessions[sess.ID()] = m

	o.saveSnapshot(m)

	o.wg.Add(1)
	go o.drive(m)
	return m, nil
}

// get looks up a managed session.
func (o *Orchestrator) get(id string) (*managed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrClosed
	}
	m, ok := o.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return m, nil
}

// List describes all managed sessions, newest activity first.
func (o *Orchestrator) List() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()

	infos := make([]Info, 0, len(o.sessions))
	for id, m := range o.sessions {
		infos = append(infos, o.info(id, m))
	}
	sortInfos(infos)
	return infos
}

// Get describes one session.
func (o *Orchestrator) Get(id string) (Info, error) {
	m, err := o.get(id)
	if err != nil {
		return Info{}, err
	}
	return o.info(id, m), nil
}

func (o *Orchestrator) info(id string, m *managed) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		ID:                id,
		Name:              m.name,
		WorkingDir:        m.sess.Config().WorkingDir,
		State:             m.sess.State().String(),
		PendingOutputs:    len(m.sess.Pending()),
		PendingPermission: m.sess.PendingPermission(),
		LastActivity:      m.sess.LastActivity(),
	}
}

// SendInput forwards input to a session.
func (o *Orchestrator) SendInput(id string, content json.RawMessage) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.SendInput(content)
}

// RespondPermission answers a session's pending permission request.
func (o *Orchestrator) RespondPermission(id, requestID string, d agent.Decision) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.RespondPermission(requestID, d)
}

// Ack marks outputs up to seq as durably received by a consumer.
func (o *Orchestrator) Ack(id string, seq uint64) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess.Ack(seq)
	return nil
}

// Pending returns a session's unacknowledged outputs for replay.
func (o *Orchestrator) Pending(id string) ([]session.BufferedOutput, error) {
	m, err := o.get(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Pending(), nil
}

// Stop asks a session's agent to terminate gracefully. The exit surfaces
// later as an ExitedEvent to subscribers.
func (o *Orchestrator) Stop(id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Stop()
}

// Delete terminates a session and removes its snapshot.
func (o *Orchestrator) Delete(id string) error {
	o.mu.Lock()
	m, ok := o.sessions[id]
	if ok {
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	if ok {
		m.stopDriver()
		<-m.done
		m.mu.Lock()
		m.sess.Close()
		m.mu.Unlock()
	}

	if err := o.store.Delete(id); err != nil {
		if !ok || !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
	}
	if o.logger != nil {
		o.logger.Info("session deleted", "session_id", id)
	}
	return nil
}

// Subscribe attaches a consumer to a session's live event stream. Replay of
// unacknowledged outputs is the caller's business via Pending.
func (o *Orchestrator) Subscribe(id string) (*Subscription, error) {
	m, err := o.get(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan session.Event, subscriberBuffer)
	m.obsMu.Lock()
	key := m.nextObs
	m.nextObs++
	m.obs[key] = ch
	m.obsMu.Unlock()

	return &Subscription{
		events: ch,
		cancel: func() {
			m.obsMu.Lock()
			delete(m.obs, key)
			m.obsMu.Unlock()
		},
	}, nil
}

// Close stops all drivers, writes a final snapshot per session, terminates
// the subprocesses, and closes the store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sessions := make([]*managed, 0, len(o.sessions))
	for _, m := range o.sessions {
		sessions = append(sessions, m)
	}
	o.mu.Unlock()

	for _, m := range sessions {
		m.stopDriver()
	}
	o.wg.Wait()

	for _, m := range sessions {
		m.mu.Lock()
		o.saveSnapshot(m)
		m.sess.Close()
		m.mu.Unlock()
	}

	if o.logger != nil {
		o.logger.Info("orchestrator shut down", "sessions", len(sessions))
	}
	return o.store.Close()
}

func (m *managed) stopDriver() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// drive is the per-session loop: poll, decide, fan out, persist.
func (o *Orchestrator) drive(m *managed) {
	defer o.wg.Done()
	defer close(m.done)

	dirty := false
	for {
		select {
		case <-m.stop:
			if dirty {
				m.mu.Lock()
				o.saveSnapshot(m)
				m.mu.Unlock()
			}
			return
		default:
		}

		m.mu.Lock()
		ev := m.sess.NextEvent()
		if ev != nil {
			ev = o.applyPolicy(m, ev)
		}
		o.expirePermission(m)
		exited := !m.sess.IsRunning()
		if ev != nil {
			dirty = true
		}
		if dirty && (exited || m.limiter.Allow()) {
			o.saveSnapshot(m)
			dirty = false
		}
		m.mu.Unlock()

		if ev != nil {
			m.broadcast(ev)
		}
		if exited {
			return
		}
	}
}

// applyPolicy resolves permission requests the rules can decide on their
// own. Only requests the policy escalates reach subscribers. Called with
// m.mu held.
func (o *Orchestrator) applyPolicy(m *managed, ev session.Event) session.Event {
	pe, ok := ev.(session.PermissionRequestEvent)
	if !ok || o.engine == nil {
		return ev
	}

	verdict := o.engine.Evaluate(pe.Request.ToolName, pe.Request.Input)
	switch verdict.Action {
	case policy.ActionAllow, policy.ActionDeny:
		d := agent.Decision{
			Allow:   verdict.Action == policy.ActionAllow,
			Message: verdict.Message,
		}
		if err := m.sess.RespondPermission(pe.Request.RequestID, d); err != nil {
			if o.logger != nil {
				o.logger.Warn("auto permission response failed",
					"session_id", m.sess.ID(),
					"request_id", pe.Request.RequestID,
					"error", err)
			}
			return ev
		}
		if o.logger != nil {
			o.logger.Info("permission auto-resolved",
				"session_id", m.sess.ID(),
				"request_id", pe.Request.RequestID,
				"tool", pe.Request.ToolName,
				"rule", verdict.Rule,
				"allow", d.Allow)
		}
		return nil
	default:
		return ev
	}
}

// expirePermission denies a pending request nobody has answered within the
// configured window. Called with m.mu held.
func (o *Orchestrator) expirePermission(m *managed) {
	timeout := o.cfg.Permissions.Timeout.Std()
	if timeout <= 0 {
		return
	}
	pending := m.sess.PendingPermission()
	if pending == nil || time.Since(pending.RequestedAt) < timeout {
		return
	}

	d := agent.Decision{Allow: false, Message: "permission request timed out"}
	if err := m.sess.RespondPermission(pending.RequestID, d); err != nil {
		if o.logger != nil {
			o.logger.Warn("permission timeout response failed",
				"session_id", m.sess.ID(),
				"request_id", pending.RequestID,
				"error", err)
		}
		return
	}
	if o.logger != nil {
		o.logger.Info("permission timed out, denied",
			"session_id", m.sess.ID(),
			"request_id", pending.RequestID,
			"tool", pending.ToolName)
	}
}

// saveSnapshot persists the session's current state. Callers hold m.mu.
func (o *Orchestrator) saveSnapshot(m *managed) {
	if err := o.store.Save(m.sess.Snapshot()); err != nil {
		if o.logger != nil {
			o.logger.Error("snapshot save failed",
				"session_id", m.sess.ID(),
				"error", err)
		}
	}
}

// broadcast delivers an event to every subscriber. A full subscriber drops
// the event; its consumer recovers through the replay buffer.
func (m *managed) broadcast(ev session.Event) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for _, ch := range m.obs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
}
