package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless" // FSM library

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/logger"
	"github.com/comigor/carechat-go/internal/stream"
)

// Phase is the state of the current turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	// The outcomes of the last turn. All three are substates of PhaseIdle.
	PhaseFinalized Phase = "finalized"
	PhaseCancelled Phase = "cancelled"
	PhaseFailed    Phase = "failed"
)

// Trigger moves the turn between phases.
type Trigger string

const (
	TriggerStartStream Trigger = "StartStream"
	TriggerFinalize    Trigger = "Finalize"
	TriggerCancel      Trigger = "Cancel"
	TriggerFail        Trigger = "Fail"
	TriggerReset       Trigger = "Reset"
)

var (
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoStreamer is returned by Send when the machine was built without a
	// stream source.
	ErrNoStreamer = errors.New("no stream source configured")
)

// Streamer opens a stream for one turn. *stream.Client implements it.
type Streamer interface {
	Open(ctx context.Context, sessionID, text string, hs stream.Handlers) *stream.Handle
}

// Recorder receives the messages of finalized turns once the session has an
// identifier.
type Recorder interface {
	Record(sessionID string, msg Message) error
}

// TurnResult closes a turn. A nil Metadata keeps whatever metadata the turn
// already received.
type TurnResult struct {
	Metadata     *stream.Metadata
	MessageCount int
}

// Snapshot is a consistent copy of the machine's state after one command.
type Snapshot struct {
	SessionID string
	Phase     Phase
	Messages  []Message
	Sessions  []Session
	// Crisis holds the resources offered during the latest turn.
	Crisis []backend.CrisisResource
	// Err is the transport error that ended the latest turn, if any.
	Err error
}

// Streaming reports whether a turn is in flight.
func (s Snapshot) Streaming() bool {
	return s.Phase == PhaseStreaming
}

// StreamingMessage returns the message currently being streamed.
func (s Snapshot) StreamingMessage() (Message, bool) {
	for _, m := range s.Messages {
		if m.Streaming {
			return m, true
		}
	}
	return Message{}, false
}

// turn identifies the stream opened by one Send. Events bound to a turn that
// is no longer current are dropped.
type turn struct {
	id string
}

// Machine is the single source of truth for the active conversation and the
// session directory. Every command and every stream event is applied under
// one lock, one at a time; stream events that arrive after their stream was
// cancelled or superseded are no-ops.
type Machine struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	fsm      *stateless.StateMachine
	streamer Streamer
	recorder Recorder
	now      func() time.Time

	sessionID string
	messages  []Message
	streamIdx int
	recorded  int

	handle  *stream.Handle
	current *turn
	pending *stream.Metadata
	crisis  []backend.CrisisResource
	lastErr error

	dir  *Directory
	subs []func(Snapshot)
}

// Option configures a Machine.
type Option func(*Machine)

// WithRecorder hands finalized turns to r.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates an idle machine with an anonymous, empty conversation.
// streamer may be nil when streams are driven through StartStreaming and the
// event commands directly.
func NewMachine(streamer Streamer, opts ...Option) *Machine {
	m := &Machine{
		fsm:       newTurnFSM(),
		streamer:  streamer,
		now:       time.Now,
		streamIdx: -1,
		dir:       NewDirectory(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newTurnFSM wires the turn lifecycle:
//
//	idle --StartStream--> streaming --Finalize--> finalized
//	                                --Cancel----> cancelled
//	                                --Fail------> failed
//
// finalized, cancelled and failed are substates of idle, so a new stream may
// start from any of them and Reset returns them to plain idle.
func newTurnFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(PhaseIdle)

	fsm.Configure(PhaseIdle).
		Permit(TriggerStartStream, PhaseStreaming).
		Ignore(TriggerReset)

	fsm.Configure(PhaseStreaming).
		Permit(TriggerFinalize, PhaseFinalized).
		Permit(TriggerCancel, PhaseCancelled).
		Permit(TriggerFail, PhaseFailed)

	for _, outcome := range []Phase{PhaseFinalized, PhaseCancelled, PhaseFailed} {
		fsm.Configure(outcome).
			SubstateOf(PhaseIdle).
			Permit(TriggerReset, PhaseIdle)
	}

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.L.Debug("turn transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	return fsm
}

func (m *Machine) phase() Phase {
	return m.fsm.MustState().(Phase)
}

func (m *Machine) streaming() bool {
	return m.phase() == PhaseStreaming
}

func (m *Machine) fire(t Trigger) {
	if err := m.fsm.Fire(t); err != nil {
		logger.L.Warn("FSM fire error", "trigger", t, "error", err)
	}
}

// Subscribe registers fn to receive a snapshot after every command that
// changed state. Snapshots arrive in command order. fn must not issue
// commands on the machine synchronously.
func (m *Machine) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	msgs := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		msgs[i] = msg.clone()
	}
	return Snapshot{
		SessionID: m.sessionID,
		Phase:     m.phase(),
		Messages:  msgs,
		Sessions:  m.dir.List(),
		Crisis:    slices.Clone(m.crisis),
		Err:       m.lastErr,
	}
}

// update applies fn under the state lock and, when fn reports a change,
// notifies subscribers. The notify lock is taken before the state lock is
// released so notifications keep command order.
func (m *Machine) update(fn func() bool) bool {
	m.mu.Lock()
	changed := fn()
	if !changed || len(m.subs) == 0 {
		m.mu.Unlock()
		return changed
	}

	snap := m.snapshotLocked()
	subs := slices.Clone(m.subs)
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return changed
}

// StartNewSession cancels any active stream and resets to an anonymous,
// empty conversation.
func (m *Machine) StartNewSession() {
	m.update(func() bool {
		m.resetLocked("")
		logger.L.Info("new conversation started")
		return true
	})
}

// SwitchSession cancels any active stream, makes id the active session and
// clears the message list. Reloading its history is up to the caller, see
// LoadHistory.
func (m *Machine) SwitchSession(id string) {
	m.update(func() bool {
		m.resetLocked(id)
		logger.L.Info("switched session", "session_id", id)
		return true
	})
}

func (m *Machine) resetLocked(id string) {
	m.cancelLocked()
	m.fire(TriggerReset)
	m.sessionID = id
	m.messages = nil
	m.streamIdx = -1
	m.recorded = 0
	m.pending = nil
	m.crisis = nil
	m.lastErr = nil
}

// LoadHistory installs the reloaded history of session id. It only applies
// while id is still the active session, nothing is streaming and no message
// has been added since the switch; it reports whether it applied.
func (m *Machine) LoadHistory(id string, msgs []Message) bool {
	return m.update(func() bool {
		if id == "" || id != m.sessionID || m.streaming() || len(m.messages) > 0 {
			return false
		}
		m.messages = make([]Message, len(msgs))
		for i, msg := range msgs {
			msg = msg.clone()
			msg.Streaming = false
			m.messages[i] = msg
		}
		m.recorded = len(m.messages)
		return true
	})
}

// AddUserMessage appends a message authored by the user and returns its id.
// It does not start a stream.
func (m *Machine) AddUserMessage(text string) string {
	var id string
	m.update(func() bool {
		id = m.addUserLocked(text)
		return true
	})
	return id
}

func (m *Machine) addUserLocked(text string) string {
	msg := Message{
		ID:        newID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: m.now(),
	}
	m.messages = append(m.messages, msg)
	return msg.ID
}

// StartStreaming records h as the active stream and appends an empty
// assistant placeholder flagged as streaming. A stream that is still active
// is cancelled first.
func (m *Machine) StartStreaming(h *stream.Handle) {
	if h == nil {
		return
	}
	m.update(func() bool {
		m.startStreamingLocked(h)
		return true
	})
}

func (m *Machine) startStreamingLocked(h *stream.Handle) {
	m.cancelLocked()

	m.messages = append(m.messages, Message{
		ID:        newID(),
		Role:      RoleAssistant,
		CreatedAt: m.now(),
		Streaming: true,
	})
	m.streamIdx = len(m.messages) - 1
	m.handle = h
	m.current = nil
	m.pending = nil
	m.crisis = nil
	m.lastErr = nil
	m.fire(TriggerStartStream)
}

// AppendToken appends text to the streaming message. It is a no-op when
// nothing is streaming.
func (m *Machine) AppendToken(text string) {
	m.update(func() bool {
		return m.appendLocked(text)
	})
}

func (m *Machine) appendLocked(text string) bool {
	if !m.streaming() || m.streamIdx < 0 {
		return false
	}
	m.messages[m.streamIdx].Content += text
	return true
}

// FinalizeStream closes the streaming message, attaches the turn's risk
// assessment, updates the session's message count and last activity, and
// returns to idle. Metadata in res is applied as if it had arrived during the
// turn, so it can identify an anonymous conversation. It is a no-op when
// nothing is streaming.
func (m *Machine) FinalizeStream(res TurnResult) {
	m.update(func() bool {
		return m.finalizeLocked(res)
	})
}

func (m *Machine) finalizeLocked(res TurnResult) bool {
	if !m.streaming() {
		return false
	}

	if res.Metadata != nil {
		m.metadataLocked(*res.Metadata)
	}
	md := m.pending

	msg := &m.messages[m.streamIdx]
	msg.Streaming = false
	if md != nil {
		score := md.RiskScore
		msg.RiskScore = &score
		msg.RiskLevel = md.RiskLevel
		msg.TriageActivated = md.TriageActivated
		msg.HumanHandoff = md.HumanHandoff
	}

	now := m.now()
	if m.sessionID != "" {
		m.dir.Touch(m.sessionID, res.MessageCount, now)
	}

	m.endTurnLocked()
	m.fire(TriggerFinalize)
	m.recordLocked()

	logger.L.Info("turn finalized", "session_id", m.sessionID, "message_count", res.MessageCount)
	return true
}

// CancelStream aborts the active stream, if any, and returns to idle. Content
// streamed so far is kept. Calling it again is a no-op.
func (m *Machine) CancelStream() {
	m.update(func() bool {
		return m.cancelLocked()
	})
}

func (m *Machine) cancelLocked() bool {
	changed := false
	if m.handle != nil {
		m.handle.Cancel()
		changed = true
	}
	if m.streaming() {
		m.messages[m.streamIdx].Streaming = false
		m.fire(TriggerCancel)
		logger.L.Info("turn cancelled", "session_id", m.sessionID)
		changed = true
	}
	m.endTurnLocked()
	return changed
}

// FailStream ends the active turn after a transport failure: the streaming
// flag is cleared, partial content is kept, and err is exposed in the
// snapshot. It is a no-op when nothing is streaming.
func (m *Machine) FailStream(err error) {
	m.update(func() bool {
		return m.failLocked(err)
	})
}

func (m *Machine) failLocked(err error) bool {
	if !m.streaming() {
		return false
	}
	m.messages[m.streamIdx].Streaming = false
	m.lastErr = err
	m.endTurnLocked()
	m.fire(TriggerFail)
	logger.L.Warn("turn failed", "session_id", m.sessionID, "error", err)
	return true
}

func (m *Machine) endTurnLocked() {
	m.handle = nil
	m.current = nil
	m.streamIdx = -1
}

// UpdateSessionRisk sets the aggregate risk of session id. It reports whether
// the session is known.
func (m *Machine) UpdateSessionRisk(id string, level backend.RiskLevel) bool {
	return m.update(func() bool {
		return m.dir.SetRisk(id, level)
	})
}

// Send starts a turn: it cancels any active stream, appends text as a user
// message and opens a stream whose events feed back into the machine.
func (m *Machine) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if m.streamer == nil {
		return ErrNoStreamer
	}

	var (
		t = &turn{id: newID()}
		h *stream.Handle
	)
	m.update(func() bool {
		m.cancelLocked()
		m.addUserLocked(text)
		// The lock is held across Open so no event of the new stream can be
		// applied before its handle is recorded.
		h = m.streamer.Open(ctx, m.sessionID, text, m.bind(t))
		m.startStreamingLocked(h)
		m.current = t
		logger.L.Debug("stream opened", "turn", t.id, "session_id", m.sessionID)
		return true
	})

	go m.watch(t, h)
	return nil
}

// watch ends the turn if its stream is cancelled from outside the machine,
// for example by the caller's context.
func (m *Machine) watch(t *turn, h *stream.Handle) {
	if h.Wait() != stream.StateCancelled {
		return
	}
	m.update(func() bool {
		if m.current != t {
			return false
		}
		logger.L.Debug("stream cancelled by its context", "turn", t.id)
		return m.cancelLocked()
	})
}

// bind returns handlers that apply events only while t is the current turn.
func (m *Machine) bind(t *turn) stream.Handlers {
	apply := func(fn func() bool) {
		m.update(func() bool {
			if m.current != t || !m.streaming() {
				return false
			}
			return fn()
		})
	}

	return stream.Handlers{
		OnMetadata: func(md stream.Metadata) {
			apply(func() bool { return m.metadataLocked(md) })
		},
		OnToken: func(text string) {
			apply(func() bool { return m.appendLocked(text) })
		},
		OnCrisis: func(res []backend.CrisisResource) {
			apply(func() bool {
				m.crisis = slices.Clone(res)
				logger.L.Warn("crisis resources received", "session_id", m.sessionID, "count", len(res))
				return true
			})
		},
		OnDone: func(d stream.Done) {
			apply(func() bool {
				return m.finalizeLocked(TurnResult{MessageCount: d.SessionMessageCount})
			})
		},
		OnError: func(err error) {
			apply(func() bool { return m.failLocked(err) })
		},
	}
}

// metadataLocked records the turn's metadata, promotes an anonymous
// conversation into the directory, titled after the user message that opened
// the turn, and raises the session's aggregate risk.
func (m *Machine) metadataLocked(md stream.Metadata) bool {
	m.pending = &md

	opener := -1
	for i := m.streamIdx - 1; i >= 0; i-- {
		if m.messages[i].Role == RoleUser {
			opener = i
			break
		}
	}

	if m.sessionID == "" && md.SessionID != "" {
		var title string
		if opener >= 0 {
			title = m.messages[opener].Content
		}
		m.sessionID = md.SessionID
		m.dir.Add(md.SessionID, title, m.now())
		logger.L.Info("session identified", "session_id", md.SessionID)
	} else if md.SessionID != "" && md.SessionID != m.sessionID {
		logger.L.Warn("metadata for another session", "active", m.sessionID, "received", md.SessionID)
	}

	if s, ok := m.dir.Get(m.sessionID); ok {
		m.dir.SetRisk(s.ID, s.RiskLevel.Max(md.RiskLevel))
	}

	// The user message that opened this turn carries its own score.
	if opener >= 0 {
		score := md.RiskScore
		m.messages[opener].RiskScore = &score
		m.messages[opener].RiskLevel = md.RiskLevel
	}
	return true
}

func (m *Machine) recordLocked() {
	if m.recorder == nil || m.sessionID == "" {
		return
	}
	for ; m.recorded < len(m.messages); m.recorded++ {
		if err := m.recorder.Record(m.sessionID, m.messages[m.recorded].clone()); err != nil {
			logger.L.Error("failed to record message", "session_id", m.sessionID, "error", err)
		}
	}
}

func newID() string {
	return uuid.NewString()
}
