package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/teleconsult/classify"
	"github.com/opd-ai/teleconsult/device"
	"github.com/opd-ai/teleconsult/oracle"
	"github.com/opd-ai/teleconsult/transport"
)

// DefaultConnectTimeout bounds transport establishment so a dead signaling
// endpoint surfaces as failed instead of an indefinite connecting state.
const DefaultConnectTimeout = 30 * time.Second

// Role identifies which party the local user is.
type Role string

const (
	// RoleClinician is the doctor. Start and end of the consultation are
	// reserved for this role.
	RoleClinician Role = "doctor"
	// RolePatient is the patient.
	RolePatient Role = "patient"
)

// UserContext is the signed-in user's identity, passed in explicitly at
// construction so the controller never reads ambient authentication state.
type UserContext struct {
	UserID      int
	Role        Role
	DisplayName string
}

// Navigator routes the user after the session ends. Implementations belong
// to the surrounding application; a nil Navigator disables routing.
type Navigator interface {
	ToDashboard()
	ToAppointments()
	ToSummary(appointmentID int)
}

// Oracle is the backend surface the controller depends on. *oracle.Client
// satisfies it; tests substitute fakes.
type Oracle interface {
	GetStatus(ctx context.Context, appointmentID int) (*oracle.Snapshot, error)
	GetJoinCredential(ctx context.Context, appointmentID int) (*oracle.JoinCredential, error)
	StartSession(ctx context.Context, appointmentID int) error
	EndSession(ctx context.Context, appointmentID int) error
}

// Config assembles a Manager.
type Config struct {
	// Oracle is the consultation backend client. Required.
	Oracle Oracle
	// AppointmentID identifies the consultation. Required.
	AppointmentID int
	// User is the local participant's identity. Required.
	User UserContext
	// Preview owns the local devices until join. Required.
	Preview *device.PreviewManager
	// Connector establishes real transport sessions. Required unless every
	// credential is simulated.
	Connector transport.Connector
	// SimConnector handles credentials carrying the simulation marker.
	// Defaults to transport.NewSimConnector().
	SimConnector transport.Connector
	// Navigator routes the user on leave and end. Optional.
	Navigator Navigator
	// Sink renders local and remote media. Optional.
	Sink MediaSink
	// SignalingURL is the forwarding unit's websocket endpoint.
	SignalingURL string
	// ConnectTimeout bounds transport establishment. Defaults to
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// LowTimeThreshold overrides the session timer's warning threshold.
	LowTimeThreshold time.Duration
}

// Manager is the room connection controller: the single owner of the
// connection state machine, the session timer and the track lifecycle.
//
// All exported methods are safe for concurrent use. A Manager is bound to
// one appointment; create a new one per consultation view.
type Manager struct {
	cfg     Config
	machine stateMachine
	tracks  *trackManager
	timer   *Timer
	clock   TimeProvider

	mu          sync.Mutex
	session     transport.Session
	simulated   bool
	unsubs      []func()
	snapshot    *oracle.Snapshot
	lastErr     *classify.Classified
	connectedAt time.Time
	// gen identifies the current join attempt; teardown bumps it so a late
	// async continuation can tell its attempt was cancelled.
	gen uint64

	connecting atomic.Bool
	closed     atomic.Bool
}

// stateMachine is the part of fsm.FSM the Manager uses.
type stateMachine interface {
	Current() string
	Event(ctx context.Context, event string, args ...interface{}) error
}

// NewManager creates a controller in the disconnected state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("oracle client cannot be nil")
	}
	if cfg.AppointmentID <= 0 {
		return nil, fmt.Errorf("appointment ID must be positive")
	}
	if cfg.Preview == nil {
		return nil, fmt.Errorf("preview manager cannot be nil")
	}
	if cfg.SimConnector == nil {
		cfg.SimConnector = transport.NewSimConnector()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Manager{
		cfg:    cfg,
		tracks: newTrackManager(cfg.Sink),
		timer:  NewTimer(nil),
		clock:  DefaultTimeProvider{},
	}
	m.machine = newStateMachine(m.onTransition)
	if cfg.LowTimeThreshold > 0 {
		m.timer.SetLowTimeThreshold(cfg.LowTimeThreshold)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewManager",
		"appointment_id": cfg.AppointmentID,
		"role":           cfg.User.Role,
	}).Debug("Session controller created")

	return m, nil
}

// SetTimeProvider replaces the clock. A nil provider restores the default.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	m.clock = tp
}

func (m *Manager) onTransition(event string, from, to State) {
	metricStateTransitions.WithLabelValues(event, string(from), string(to)).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "onTransition",
		"event":    event,
		"from":     from,
		"to":       to,
	}).Info("Connection state changed")
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// DeviceStatuses returns the preview's camera and microphone pair.
func (m *Manager) DeviceStatuses() device.Statuses {
	return m.cfg.Preview.Statuses()
}

// Snapshot returns the last fetched consultation snapshot, or nil before
// the first refresh.
func (m *Manager) Snapshot() *oracle.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Elapsed returns the timer's elapsed seconds.
func (m *Manager) Elapsed() int { return m.timer.Elapsed() }

// Remaining returns the timer's remaining seconds.
func (m *Manager) Remaining() int { return m.timer.Remaining() }

// LowTime reports whether the session is about to expire.
func (m *Manager) LowTime() bool { return m.timer.LowTime() }

// RemoteVideoEnabled reports whether a remote video track is attached.
func (m *Manager) RemoteVideoEnabled() bool { return m.tracks.remoteVideoEnabled() }

// SpeakerMuted reports whether remote playback is muted.
func (m *Manager) SpeakerMuted() bool { return m.tracks.speakerIsMuted() }

// Simulated reports whether the live session runs in simulation mode.
func (m *Manager) Simulated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.simulated
}

// LastError returns the most recent classified failure, if any.
func (m *Manager) LastError() (classify.Classified, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return classify.Classified{}, false
	}
	return *m.lastErr, true
}

// StartPreview acquires local devices for the waiting room. The preview
// may only run while disconnected; once a join starts the devices belong
// to the connect flow.
func (m *Manager) StartPreview() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if s := m.State(); s != StateDisconnected {
		return fmt.Errorf("preview cannot run in %s state", s)
	}
	return m.cfg.Preview.Start()
}

// Connect joins the consultation room. Only one connect may be in flight;
// a concurrent call fails with ErrConnectInProgress. On failure the state
// is failed and the classified error is retained for display.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer m.connecting.Store(false)

	gen := m.generation()
	if err := m.fireEvent(eventJoin); err != nil {
		return fmt.Errorf("cannot join from %s state: %w", m.State(), err)
	}
	return m.establish(ctx, gen)
}

// Retry re-enters connecting after a failure. Allowed only from failed.
func (m *Manager) Retry(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer m.connecting.Store(false)

	gen := m.generation()
	if err := m.fireEvent(eventRetry); err != nil {
		return fmt.Errorf("%w: state is %s", ErrRetryNotAllowed, m.State())
	}
	return m.establish(ctx, gen)
}

// establish runs the credential fetch and transport setup for one join
// attempt. The machine is already in connecting. gen is the attempt's
// generation; after a teardown bumps it, no continuation here may mutate
// state and any late session is disconnected.
func (m *Manager) establish(ctx context.Context, gen uint64) error {
	cred, err := m.cfg.Oracle.GetJoinCredential(ctx, m.cfg.AppointmentID)
	if err != nil {
		return m.establishFailed(err, "credential", gen)
	}
	if aerr := m.abortSuperseded(gen, nil); aerr != nil {
		return aerr
	}

	sess, simulated, err := m.openTransport(ctx, cred)
	if err != nil {
		return m.establishFailed(err, "transport", gen)
	}
	if aerr := m.abortSuperseded(gen, sess); aerr != nil {
		return aerr
	}

	m.mu.Lock()
	m.session = sess
	m.simulated = simulated
	m.lastErr = nil
	m.connectedAt = m.clock.Now()
	m.unsubs = append(m.unsubs,
		sess.OnParticipantConnected(m.tracks.attachParticipant),
		sess.OnParticipantDisconnected(m.tracks.detachParticipant),
		sess.OnDisconnected(m.handleTransportDisconnect),
		sess.OnReconnecting(m.handleReconnecting),
		sess.OnReconnected(m.handleReconnected),
	)
	m.mu.Unlock()

	for _, p := range sess.RemoteParticipants() {
		m.tracks.attachParticipant(p)
	}
	if !simulated && m.cfg.Sink != nil {
		for _, t := range sess.LocalParticipant().Tracks() {
			m.cfg.Sink.AttachLocal(t)
		}
	}

	if aerr := m.abortSuperseded(gen, sess); aerr != nil {
		return aerr
	}
	if err := m.fireEvent(eventEstablished); err != nil {
		return err
	}

	// The transport can end between handler registration and the transition
	// above; the disconnect handler then cleared the session while the
	// machine was still connecting. Settle the machine from the session's
	// fate instead of reporting a connection that no longer exists.
	m.mu.Lock()
	lost := m.session != sess
	lastErr := m.lastErr
	m.mu.Unlock()
	if lost {
		if lastErr != nil {
			_ = m.fireEvent(eventFailed)
			return *lastErr
		}
		_ = m.fireEvent(eventClosed)
		return ErrNotConnected
	}

	mode := "webrtc"
	if simulated {
		mode = "simulation"
	}
	metricConnectAttempts.WithLabelValues("success", mode).Inc()
	metricActiveSessions.Inc()

	if err := m.refreshSnapshot(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"error":    err,
		}).Warn("Snapshot refresh after connect failed")
	}
	return nil
}

// generation returns the current attempt generation.
func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// abortSuperseded ends a join attempt whose controller was torn down while
// the attempt was in flight. The late session is disconnected so the
// transport never keeps devices past the teardown, and the machine settles
// back to disconnected.
func (m *Manager) abortSuperseded(gen uint64, sess transport.Session) error {
	superseded := m.generation() != gen
	closed := m.closed.Load()
	if !superseded && !closed {
		return nil
	}

	if sess != nil {
		_ = sess.Disconnect()
	}
	_ = m.fireEvent(eventAbort)

	logrus.WithFields(logrus.Fields{
		"function": "abortSuperseded",
		"closed":   closed,
	}).Info("Cancelled in-flight join attempt")

	if closed {
		return ErrClosed
	}
	return ErrConnectAborted
}

// openTransport selects the connector from the credential's marker. In
// simulation mode the preview keeps device ownership; otherwise ownership
// is handed to the transport in a single transfer.
func (m *Manager) openTransport(ctx context.Context, cred *oracle.JoinCredential) (transport.Session, bool, error) {
	opts := transport.ConnectOptions{
		RoomName:     cred.RoomName,
		Identity:     cred.Identity,
		DisplayName:  cred.DisplayName,
		SignalingURL: m.cfg.SignalingURL,
	}

	if cred.Simulated() {
		opts.Stream = m.cfg.Preview.Stream()
		sess, err := m.cfg.SimConnector.Connect(ctx, cred.Token, opts)
		return sess, true, err
	}

	if m.cfg.Connector == nil {
		return nil, false, fmt.Errorf("no transport connector configured")
	}
	stream, err := m.cfg.Preview.Handoff()
	if err != nil {
		return nil, false, fmt.Errorf("taking over preview devices: %w", err)
	}
	opts.Stream = stream
	opts.Codec = m.cfg.Preview.CodecSelector()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	sess, err := m.cfg.Connector.Connect(cctx, cred.Token, opts)
	return sess, false, err
}

// establishFailed records the classified error and moves to failed, unless
// the controller was torn down mid-flight.
func (m *Manager) establishFailed(err error, stage string, gen uint64) error {
	c := classify.Classify(err)
	m.mu.Lock()
	m.lastErr = &c
	m.mu.Unlock()

	metricConnectAttempts.WithLabelValues("failure", stage).Inc()
	logrus.WithFields(logrus.Fields{
		"function": "establishFailed",
		"stage":    stage,
		"kind":     c.Kind,
		"error":    err,
	}).Error("Join attempt failed")

	if aerr := m.abortSuperseded(gen, nil); aerr != nil {
		return aerr
	}
	if ferr := m.fireEvent(eventEstablishError); ferr != nil {
		return ferr
	}
	return c
}

// handleTransportDisconnect runs when the transport session ends on its
// own, cleanly or with an error.
func (m *Manager) handleTransportDisconnect(err error) {
	if m.closed.Load() {
		return
	}

	wasConnected := m.sessionActive()
	m.mu.Lock()
	m.session = nil
	m.unsubs = nil
	m.mu.Unlock()

	m.tracks.reset()
	m.timer.Stop()

	if err != nil {
		c := classify.Classify(err)
		m.mu.Lock()
		m.lastErr = &c
		m.mu.Unlock()
		_ = m.fireEvent(eventFailed)
	} else {
		_ = m.fireEvent(eventClosed)
	}

	if wasConnected {
		m.recordSessionEnd()
	}
}

func (m *Manager) handleReconnecting() {
	if m.closed.Load() {
		return
	}
	_ = m.fireEvent(eventReconnecting)
	m.updateTimerGate()
}

func (m *Manager) handleReconnected() {
	if m.closed.Load() {
		return
	}
	_ = m.fireEvent(eventReconnected)
	m.updateTimerGate()
}

// Refresh re-fetches the consultation snapshot from the backend.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.refreshSnapshot(ctx)
}

func (m *Manager) refreshSnapshot(ctx context.Context) error {
	snap, err := m.cfg.Oracle.GetStatus(ctx, m.cfg.AppointmentID)
	if err != nil {
		return classify.Classify(err)
	}
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	m.timer.Seed(snap.ElapsedSeconds, snap.RemainingSeconds)
	m.updateTimerGate()
	return nil
}

// updateTimerGate holds the timer to connected plus in-progress.
func (m *Manager) updateTimerGate() {
	m.mu.Lock()
	snap := m.snapshot
	m.mu.Unlock()

	live := snap != nil && snap.Status.Live()
	m.timer.Gate(m.State() == StateConnected, live)
}

// ToggleVideo flips the local camera track in place and returns the new
// enabled state. The track is never removed and re-added, so its identity
// is stable across toggles.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggleLocal(transport.KindVideo)
}

// ToggleAudio flips the local microphone track in place and returns the
// new enabled state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggleLocal(transport.KindAudio)
}

func (m *Manager) toggleLocal(kind transport.TrackKind) (bool, error) {
	sess := m.currentSession()
	if sess == nil {
		return false, ErrNotConnected
	}

	var enabled bool
	var found bool
	for _, t := range sess.LocalParticipant().Tracks() {
		if t.Kind() != kind {
			continue
		}
		if !found {
			enabled = !t.Enabled()
			found = true
		}
		t.SetEnabled(enabled)
	}
	if !found {
		return false, fmt.Errorf("no local %s track published", kind)
	}
	return enabled, nil
}

// ToggleSpeaker flips remote playback muting and returns the new muted
// state. Track enabled states are untouched.
func (m *Manager) ToggleSpeaker() bool {
	return m.tracks.toggleSpeaker()
}

// requireClinician guards the privileged operations without a backend
// round-trip. The error classifies as forbidden, the same recovery policy a
// backend 403 carries, so the caller routes away instead of offering a
// retry.
func (m *Manager) requireClinician(verb string) error {
	if m.cfg.User.Role == RoleClinician {
		return nil
	}
	c := classify.Classified{
		Kind:    classify.KindForbidden,
		Message: fmt.Sprintf("Only the clinician can %s the consultation.", verb),
		Err:     ErrNotPermitted,
	}
	m.mu.Lock()
	m.lastErr = &c
	m.mu.Unlock()
	return c
}

// StartConsultation moves the consultation to in-progress. Reserved for
// the clinician; the backend enforces the same rule.
func (m *Manager) StartConsultation(ctx context.Context) error {
	if err := m.requireClinician("start"); err != nil {
		return err
	}
	if err := m.cfg.Oracle.StartSession(ctx, m.cfg.AppointmentID); err != nil {
		c := classify.Classify(err)
		m.mu.Lock()
		m.lastErr = &c
		m.mu.Unlock()
		return c
	}
	return m.refreshSnapshot(ctx)
}

// EndConsultation completes the consultation. The transport is torn down
// before the backend call so devices are free by the time the session is
// marked completed; on success the user is routed to the summary view.
func (m *Manager) EndConsultation(ctx context.Context) error {
	if err := m.requireClinician("end"); err != nil {
		return err
	}

	m.teardownTransport()

	if err := m.cfg.Oracle.EndSession(ctx, m.cfg.AppointmentID); err != nil {
		c := classify.Classify(err)
		m.mu.Lock()
		m.lastErr = &c
		m.mu.Unlock()
		return c
	}

	if m.cfg.Navigator != nil {
		m.cfg.Navigator.ToSummary(m.cfg.AppointmentID)
	}
	return nil
}

// Leave disconnects, releases every media handle and routes the user by
// role. Safe to call in any state.
func (m *Manager) Leave() {
	m.teardownTransport()

	if m.cfg.Navigator == nil {
		return
	}
	if m.cfg.User.Role == RoleClinician {
		m.cfg.Navigator.ToDashboard()
	} else {
		m.cfg.Navigator.ToAppointments()
	}
}

// Close tears the controller down without navigation, as when the view
// unmounts. After Close no late async continuation may mutate state.
// Idempotent.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.teardownTransport()
	logrus.WithFields(logrus.Fields{
		"function":       "Close",
		"appointment_id": m.cfg.AppointmentID,
	}).Debug("Session controller closed")
}

// teardownTransport disconnects the session, releases media and resets the
// state machine. Event handlers are unsubscribed before the disconnect so
// the transport's own disconnect callback cannot double-drive the machine.
func (m *Manager) teardownTransport() {
	wasConnected := m.sessionActive()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	unsubs := m.unsubs
	m.unsubs = nil
	m.gen++
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if sess != nil {
		_ = sess.Disconnect()
	}

	m.tracks.reset()
	m.timer.Stop()
	m.cfg.Preview.Release()

	// leave is a no-op when already disconnected or still connecting.
	_ = m.fireEvent(eventLeave)

	if wasConnected {
		m.recordSessionEnd()
	}
}

// sessionActive reports whether a live or recovering session exists.
func (m *Manager) sessionActive() bool {
	s := m.State()
	return s == StateConnected || s == StateReconnecting
}

func (m *Manager) recordSessionEnd() {
	metricActiveSessions.Dec()
	m.mu.Lock()
	startedAt := m.connectedAt
	clock := m.clock
	m.mu.Unlock()
	if !startedAt.IsZero() {
		metricSessionDuration.Observe(clock.Now().Sub(startedAt).Seconds())
	}
}

func (m *Manager) currentSession() transport.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// fireEvent drives the state machine; invalid transitions are reported to
// the caller and logged, never applied.
func (m *Manager) fireEvent(event string) error {
	if err := m.machine.Event(context.Background(), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fireEvent",
			"event":    event,
			"state":    m.machine.Current(),
			"error":    err,
		}).Debug("State machine rejected event")
		return err
	}
	return nil
}
