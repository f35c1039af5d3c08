// Package transport carries live audio and video between consultation
// participants.
//
// The session layer programs against the Connector and Session interfaces
// only. Two implementations exist: a WebRTC connector that publishes the
// handed-off device stream into a forwarding unit, and a simulation
// connector selected by credential that never opens a network connection.
package transport

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"

	"github.com/opd-ai/teleconsult/device"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	// KindVideo is a camera or screen track.
	KindVideo TrackKind = "video"
	// KindAudio is a microphone track.
	KindAudio TrackKind = "audio"
)

// Track is one published or subscribed media track. SetEnabled toggles the
// track in place without replacing it, so the track's identity is stable
// across mute cycles.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// Participant is one party in the room.
type Participant interface {
	Identity() string
	Tracks() []Track
	// OnTrackSubscribed registers fn for tracks this participant publishes.
	// The returned function removes the registration.
	OnTrackSubscribed(fn func(Track)) (unsubscribe func())
	// OnTrackUnsubscribed registers fn for tracks this participant stops
	// publishing.
	OnTrackUnsubscribed(fn func(Track)) (unsubscribe func())
}

// Session is one established room connection. Event registrations return an
// unsubscribe function; the session layer collects these and runs them all
// on teardown so no callback outlives its owner.
type Session interface {
	LocalParticipant() Participant
	RemoteParticipants() []Participant
	// Disconnect leaves the room and releases transport-owned devices.
	// Safe to call more than once.
	Disconnect() error

	OnParticipantConnected(fn func(Participant)) (unsubscribe func())
	OnParticipantDisconnected(fn func(Participant)) (unsubscribe func())
	// OnDisconnected fires once when the session ends. err is nil for a
	// local Disconnect and non-nil when the transport gave up.
	OnDisconnected(fn func(err error)) (unsubscribe func())
	OnReconnecting(fn func()) (unsubscribe func())
	OnReconnected(fn func()) (unsubscribe func())
}

// ConnectOptions carries everything a connector needs besides the token.
type ConnectOptions struct {
	// RoomName is the room to join, as issued by the backend.
	RoomName string
	// Identity is the caller's participant identity within the room.
	Identity string
	// DisplayName is the caller's human-readable name.
	DisplayName string
	// Stream is the device stream whose ownership was handed off to the
	// transport. The transport closes its tracks on Disconnect.
	Stream device.Stream
	// Codec is the selector the stream was encoded with.
	Codec *mediadevices.CodecSelector
	// SignalingURL is the websocket endpoint of the forwarding unit.
	// Ignored by the simulation connector.
	SignalingURL string
}

// Connector establishes a Session from a join credential. Connect blocks
// until the room is joined or ctx expires.
type Connector interface {
	Connect(ctx context.Context, token string, opts ConnectOptions) (Session, error)
}

// callbackSet is a registry of event callbacks with individual removal.
type callbackSet[T any] struct {
	mu  sync.Mutex
	seq int
	fns map[int]T
}

func (s *callbackSet[T]) add(fn T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]T)
	}
	s.seq++
	id := s.seq
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// snapshot copies the registered callbacks so they can be invoked without
// holding the lock.
func (s *callbackSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}
