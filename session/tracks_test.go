package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/teleconsult/transport"
)

// recordingSink records every rendering call for assertions.
type recordingSink struct {
	mu           sync.Mutex
	localAttach  []string
	localDetach  []string
	remoteAttach []string
	remoteDetach []string
	speakerMuted []bool
}

func (s *recordingSink) AttachLocal(t transport.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localAttach = append(s.localAttach, t.ID())
}

func (s *recordingSink) DetachLocal(t transport.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDetach = append(s.localDetach, t.ID())
}

func (s *recordingSink) AttachRemote(t transport.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAttach = append(s.remoteAttach, t.ID())
}

func (s *recordingSink) DetachRemote(t transport.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDetach = append(s.remoteDetach, t.ID())
}

func (s *recordingSink) SetSpeakerMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerMuted = append(s.speakerMuted, muted)
}

func (s *recordingSink) remoteAttached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.remoteAttach...)
}

func (s *recordingSink) remoteDetached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.remoteDetach...)
}

// newSimForTracks builds a simulated session to source participants and
// tracks from.
func newSimForTracks(t *testing.T) *transport.SimSession {
	t.Helper()
	sess, err := transport.NewSimConnector().Connect(context.Background(), "dev_token_x", transport.ConnectOptions{
		RoomName: "room",
		Identity: "doctor_3",
	})
	require.NoError(t, err)
	return sess.(*transport.SimSession)
}

func TestAttachParticipantAttachesExistingTracks(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)

	assert.ElementsMatch(t, []string{"patient_7-video", "patient_7-audio"}, sink.remoteAttached())
	assert.True(t, tm.remoteVideoEnabled())
}

func TestAttachParticipantIsIdempotent(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)
	tm.attachParticipant(p)

	assert.Len(t, sink.remoteAttached(), 2)
}

func TestRemoteVideoFlagFlipsOnUnsubscribe(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)
	require.True(t, tm.remoteVideoEnabled())

	sess.SimulateTrackUnsubscribed("patient_7", "patient_7-video")

	assert.False(t, tm.remoteVideoEnabled())
	assert.Equal(t, []string{"patient_7-video"}, sink.remoteDetached())

	// The audio track is untouched.
	assert.Len(t, sink.remoteAttached(), 2)
}

func TestDetachUnknownTrackIsNoOp(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	track := p.Tracks()[0]

	// Never attached; detach must not panic or render anything.
	tm.detachTrack(track)
	assert.Empty(t, sink.remoteDetached())

	// Attach, then detach twice.
	tm.attachTrack(track)
	tm.detachTrack(track)
	tm.detachTrack(track)
	assert.Len(t, sink.remoteDetached(), 1)
}

func TestDetachParticipantUnsubscribes(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)
	tm.detachParticipant(p)

	assert.Len(t, sink.remoteDetached(), 2)
	assert.False(t, tm.remoteVideoEnabled())

	// Events after detach no longer reach the manager.
	sess.SimulateTrackUnsubscribed("patient_7", "patient_7-audio")
	assert.Len(t, sink.remoteDetached(), 2)

	// Detaching again is a no-op.
	tm.detachParticipant(p)
}

func TestToggleSpeakerOnlyTouchesPlayback(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)

	muted := tm.toggleSpeaker()
	assert.True(t, muted)
	assert.True(t, tm.speakerIsMuted())
	assert.Equal(t, []bool{true}, sink.speakerMuted)

	// Every track keeps its enabled state.
	for _, track := range p.Tracks() {
		assert.True(t, track.Enabled())
	}

	assert.False(t, tm.toggleSpeaker())
	assert.Equal(t, []bool{true, false}, sink.speakerMuted)
}

func TestResetDetachesEverything(t *testing.T) {
	sess := newSimForTracks(t)
	sink := &recordingSink{}
	tm := newTrackManager(sink)

	tm.attachParticipant(sess.SimulateRemoteJoin("patient_7"))
	tm.reset()

	assert.Len(t, sink.remoteDetached(), 2)
	assert.False(t, tm.remoteVideoEnabled())

	// A second reset has nothing left to do.
	tm.reset()
	assert.Len(t, sink.remoteDetached(), 2)
}

func TestNilSinkIsSafe(t *testing.T) {
	sess := newSimForTracks(t)
	tm := newTrackManager(nil)

	p := sess.SimulateRemoteJoin("patient_7")
	tm.attachParticipant(p)
	assert.True(t, tm.remoteVideoEnabled())

	tm.toggleSpeaker()
	tm.reset()
}
