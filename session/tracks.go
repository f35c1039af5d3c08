package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/teleconsult/transport"
)

// MediaSink renders session media into the surrounding application. All
// methods must tolerate being called for tracks they never saw attached;
// detach is a no-op-safe operation, never an error. A nil sink disables
// rendering without changing session behavior.
type MediaSink interface {
	AttachLocal(t transport.Track)
	DetachLocal(t transport.Track)
	AttachRemote(t transport.Track)
	DetachRemote(t transport.Track)
	// SetSpeakerMuted mutes the remote playback only. Track enabled state
	// is never touched through this path.
	SetSpeakerMuted(muted bool)
}

// trackManager attaches and detaches remote participants and their tracks.
// The transport may deliver subscribe and unsubscribe events repeatedly or
// out of order relative to participant events, so every operation here is
// idempotent.
type trackManager struct {
	mu           sync.Mutex
	sink         MediaSink
	participants map[string][]func()
	attached     map[string]transport.Track
	remoteVideo  bool
	speakerMuted bool
}

func newTrackManager(sink MediaSink) *trackManager {
	return &trackManager{
		sink:         sink,
		participants: make(map[string][]func()),
		attached:     make(map[string]transport.Track),
	}
}

// attachParticipant subscribes to a remote participant's track events and
// attaches the tracks it already publishes. Re-attaching a known
// participant is a no-op.
func (tm *trackManager) attachParticipant(p transport.Participant) {
	tm.mu.Lock()
	if _, known := tm.participants[p.Identity()]; known {
		tm.mu.Unlock()
		return
	}
	unsubs := []func(){
		p.OnTrackSubscribed(tm.attachTrack),
		p.OnTrackUnsubscribed(tm.detachTrack),
	}
	tm.participants[p.Identity()] = unsubs
	tm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "attachParticipant",
		"identity": p.Identity(),
	}).Info("Remote participant attached")

	for _, t := range p.Tracks() {
		tm.attachTrack(t)
	}
}

// detachParticipant unwinds a participant's subscriptions and detaches its
// remaining tracks. Unknown participants are ignored.
func (tm *trackManager) detachParticipant(p transport.Participant) {
	tm.mu.Lock()
	unsubs, known := tm.participants[p.Identity()]
	delete(tm.participants, p.Identity())
	tm.mu.Unlock()
	if !known {
		return
	}

	for _, unsub := range unsubs {
		unsub()
	}
	for _, t := range p.Tracks() {
		tm.detachTrack(t)
	}

	logrus.WithFields(logrus.Fields{
		"function": "detachParticipant",
		"identity": p.Identity(),
	}).Info("Remote participant detached")
}

// attachTrack renders one remote track. Duplicate subscribe events for the
// same track ID are ignored.
func (tm *trackManager) attachTrack(t transport.Track) {
	tm.mu.Lock()
	if _, dup := tm.attached[t.ID()]; dup {
		tm.mu.Unlock()
		return
	}
	tm.attached[t.ID()] = t
	if t.Kind() == transport.KindVideo {
		tm.remoteVideo = true
	}
	sink := tm.sink
	tm.mu.Unlock()

	if sink != nil {
		sink.AttachRemote(t)
	}

	logrus.WithFields(logrus.Fields{
		"function": "attachTrack",
		"track":    t.ID(),
		"kind":     t.Kind(),
	}).Debug("Remote track attached")
}

// detachTrack stops rendering one remote track. Detaching an unknown or
// already-detached track is a no-op.
func (tm *trackManager) detachTrack(t transport.Track) {
	tm.mu.Lock()
	_, known := tm.attached[t.ID()]
	delete(tm.attached, t.ID())
	if t.Kind() == transport.KindVideo {
		tm.remoteVideo = tm.anyVideoLocked()
	}
	sink := tm.sink
	tm.mu.Unlock()
	if !known {
		return
	}

	if sink != nil {
		sink.DetachRemote(t)
	}

	logrus.WithFields(logrus.Fields{
		"function": "detachTrack",
		"track":    t.ID(),
		"kind":     t.Kind(),
	}).Debug("Remote track detached")
}

// anyVideoLocked reports whether any attached track is video. Callers hold
// mu.
func (tm *trackManager) anyVideoLocked() bool {
	for _, t := range tm.attached {
		if t.Kind() == transport.KindVideo {
			return true
		}
	}
	return false
}

// remoteVideoEnabled reports whether a remote video track is currently
// attached.
func (tm *trackManager) remoteVideoEnabled() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.remoteVideo
}

// toggleSpeaker flips remote playback muting and returns the new muted
// state.
func (tm *trackManager) toggleSpeaker() bool {
	tm.mu.Lock()
	tm.speakerMuted = !tm.speakerMuted
	muted := tm.speakerMuted
	sink := tm.sink
	tm.mu.Unlock()

	if sink != nil {
		sink.SetSpeakerMuted(muted)
	}
	return muted
}

// speakerIsMuted reports the current speaker mute state.
func (tm *trackManager) speakerIsMuted() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.speakerMuted
}

// reset detaches everything. Used on disconnect and teardown.
func (tm *trackManager) reset() {
	tm.mu.Lock()
	participants := tm.participants
	attached := tm.attached
	tm.participants = make(map[string][]func())
	tm.attached = make(map[string]transport.Track)
	tm.remoteVideo = false
	sink := tm.sink
	tm.mu.Unlock()

	for _, unsubs := range participants {
		for _, unsub := range unsubs {
			unsub()
		}
	}
	if sink != nil {
		for _, t := range attached {
			sink.DetachRemote(t)
		}
	}
}
