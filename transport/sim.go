package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/teleconsult/oracle"
)

var (
	_ Connector = (*SimConnector)(nil)
	_ Session   = (*SimSession)(nil)
)

// SimConnector builds in-process sessions for credentials carrying the
// simulation marker. No network connection is opened and the handed-off
// stream stays local, so the full session flow can run against a backend
// that has no live video credentials.
type SimConnector struct{}

// NewSimConnector creates a simulation connector.
func NewSimConnector() *SimConnector {
	return &SimConnector{}
}

// Connect builds a simulated session. The token must carry the simulation
// marker; a real token reaching this connector is a wiring error.
//
// Unlike the real transport, the simulation never takes ownership of
// opts.Stream: the preview keeps rendering and releasing the devices, and
// the session only mirrors the track identities so toggles behave the same
// as in a live call.
func (c *SimConnector) Connect(ctx context.Context, token string, opts ConnectOptions) (Session, error) {
	cred := oracle.JoinCredential{Token: token}
	if !cred.Simulated() {
		return nil, fmt.Errorf("token does not carry the simulation marker")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local := newParticipant(opts.Identity)
	if opts.Stream != nil {
		for _, t := range opts.Stream.GetVideoTracks() {
			local.addTrack(&simTrack{id: t.ID(), kind: KindVideo, enabled: true})
		}
		for _, t := range opts.Stream.GetAudioTracks() {
			local.addTrack(&simTrack{id: t.ID(), kind: KindAudio, enabled: true})
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"room":     opts.RoomName,
		"identity": opts.Identity,
	}).Info("Simulated session established")

	return &SimSession{
		local:   local,
		remotes: make(map[string]*participant),
	}, nil
}

// SimSession is an in-process Session. The Simulate methods drive events
// that a real transport would deliver from the network.
type SimSession struct {
	mu      sync.Mutex
	local   *participant
	remotes map[string]*participant
	closed  bool

	partConnected    callbackSet[func(Participant)]
	partDisconnected callbackSet[func(Participant)]
	disconnected     callbackSet[func(error)]
	reconnecting     callbackSet[func()]
	reconnected      callbackSet[func()]
}

// LocalParticipant implements Session.
func (s *SimSession) LocalParticipant() Participant { return s.local }

// RemoteParticipants implements Session.
func (s *SimSession) RemoteParticipants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.remotes))
	for _, p := range s.remotes {
		out = append(out, p)
	}
	return out
}

// Disconnect implements Session. It is idempotent; only the first call
// fires OnDisconnected.
func (s *SimSession) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, fn := range s.disconnected.snapshot() {
		fn(nil)
	}
	logrus.WithField("function", "Disconnect").Info("Simulated session closed")
	return nil
}

// Closed reports whether Disconnect has run.
func (s *SimSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SimSession) OnParticipantConnected(fn func(Participant)) func() {
	return s.partConnected.add(fn)
}

func (s *SimSession) OnParticipantDisconnected(fn func(Participant)) func() {
	return s.partDisconnected.add(fn)
}

func (s *SimSession) OnDisconnected(fn func(error)) func() {
	return s.disconnected.add(fn)
}

func (s *SimSession) OnReconnecting(fn func()) func() {
	return s.reconnecting.add(fn)
}

func (s *SimSession) OnReconnected(fn func()) func() {
	return s.reconnected.add(fn)
}

// SimulateRemoteJoin adds a remote participant with one video and one audio
// track and fires the participant-connected event.
func (s *SimSession) SimulateRemoteJoin(identity string) Participant {
	p := newParticipant(identity)
	p.addTrack(&simTrack{id: identity + "-video", kind: KindVideo, enabled: true})
	p.addTrack(&simTrack{id: identity + "-audio", kind: KindAudio, enabled: true})

	s.mu.Lock()
	s.remotes[identity] = p
	s.mu.Unlock()

	for _, fn := range s.partConnected.snapshot() {
		fn(p)
	}
	return p
}

// SimulateRemoteLeave removes a remote participant and fires the
// participant-disconnected event. Unknown identities are ignored.
func (s *SimSession) SimulateRemoteLeave(identity string) {
	s.mu.Lock()
	p, ok := s.remotes[identity]
	delete(s.remotes, identity)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, fn := range s.partDisconnected.snapshot() {
		fn(p)
	}
}

// SimulateTrackUnsubscribed removes one of a remote participant's tracks
// and fires its track-unsubscribed event. Unknown identities or track IDs
// are ignored.
func (s *SimSession) SimulateTrackUnsubscribed(identity, trackID string) {
	s.mu.Lock()
	p, ok := s.remotes[identity]
	s.mu.Unlock()
	if !ok {
		return
	}
	p.removeTrack(trackID)
}

// SimulateReconnecting fires the reconnecting event.
func (s *SimSession) SimulateReconnecting() {
	for _, fn := range s.reconnecting.snapshot() {
		fn()
	}
}

// SimulateReconnected fires the reconnected event.
func (s *SimSession) SimulateReconnected() {
	for _, fn := range s.reconnected.snapshot() {
		fn()
	}
}

// SimulateFailure closes the session with err, as a transport that
// exhausted its recovery budget would.
func (s *SimSession) SimulateFailure(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, fn := range s.disconnected.snapshot() {
		fn(err)
	}
}

// participant is the shared Participant implementation.
type participant struct {
	identity string

	mu     sync.Mutex
	tracks []Track

	subscribed   callbackSet[func(Track)]
	unsubscribed callbackSet[func(Track)]
}

func newParticipant(identity string) *participant {
	return &participant{identity: identity}
}

func (p *participant) Identity() string { return p.identity }

func (p *participant) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

func (p *participant) OnTrackSubscribed(fn func(Track)) func() {
	return p.subscribed.add(fn)
}

func (p *participant) OnTrackUnsubscribed(fn func(Track)) func() {
	return p.unsubscribed.add(fn)
}

func (p *participant) addTrack(t Track) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()

	for _, fn := range p.subscribed.snapshot() {
		fn(t)
	}
}

func (p *participant) removeTrack(id string) {
	p.mu.Lock()
	var removed Track
	kept := p.tracks[:0]
	for _, t := range p.tracks {
		if t.ID() == id && removed == nil {
			removed = t
			continue
		}
		kept = append(kept, t)
	}
	p.tracks = kept
	p.mu.Unlock()

	if removed == nil {
		return
	}
	for _, fn := range p.unsubscribed.snapshot() {
		fn(removed)
	}
}

// simTrack is a stateful track with no media behind it.
type simTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
}

func (t *simTrack) ID() string      { return t.id }
func (t *simTrack) Kind() TrackKind { return t.kind }

func (t *simTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *simTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}
