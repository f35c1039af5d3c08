package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeviceTrack struct {
	mediadevices.Track
	id     string
	closed bool
}

func (t *fakeDeviceTrack) ID() string { return t.id }

func (t *fakeDeviceTrack) Close() error {
	t.closed = true
	return nil
}

type fakeDeviceStream struct {
	video []mediadevices.Track
	audio []mediadevices.Track
}

func (s *fakeDeviceStream) GetVideoTracks() []mediadevices.Track { return s.video }
func (s *fakeDeviceStream) GetAudioTracks() []mediadevices.Track { return s.audio }
func (s *fakeDeviceStream) GetTracks() []mediadevices.Track {
	return append(append([]mediadevices.Track{}, s.video...), s.audio...)
}

func newSimSession(t *testing.T, stream *fakeDeviceStream) *SimSession {
	t.Helper()
	sess, err := NewSimConnector().Connect(context.Background(), "dev_token_room_user_1", ConnectOptions{
		RoomName: "consultation-42",
		Identity: "doctor_3",
		Stream:   stream,
	})
	require.NoError(t, err)
	return sess.(*SimSession)
}

func TestSimConnectRejectsRealToken(t *testing.T) {
	_, err := NewSimConnector().Connect(context.Background(), "eyJhbGciOi.real.token", ConnectOptions{})
	assert.Error(t, err)
}

func TestSimConnectWrapsLocalTracks(t *testing.T) {
	stream := &fakeDeviceStream{
		video: []mediadevices.Track{&fakeDeviceTrack{id: "cam-1"}},
		audio: []mediadevices.Track{&fakeDeviceTrack{id: "mic-1"}},
	}
	sess := newSimSession(t, stream)

	local := sess.LocalParticipant()
	assert.Equal(t, "doctor_3", local.Identity())
	require.Len(t, local.Tracks(), 2)

	kinds := map[TrackKind]bool{}
	for _, tr := range local.Tracks() {
		kinds[tr.Kind()] = true
		assert.True(t, tr.Enabled())
	}
	assert.True(t, kinds[KindVideo])
	assert.True(t, kinds[KindAudio])
}

func TestSimTrackToggleKeepsIdentity(t *testing.T) {
	stream := &fakeDeviceStream{video: []mediadevices.Track{&fakeDeviceTrack{id: "cam-1"}}}
	sess := newSimSession(t, stream)

	track := sess.LocalParticipant().Tracks()[0]
	id := track.ID()

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	track.SetEnabled(true)
	assert.True(t, track.Enabled())

	// The same track object survives the toggle cycle.
	assert.Equal(t, id, sess.LocalParticipant().Tracks()[0].ID())
	assert.Same(t, track, sess.LocalParticipant().Tracks()[0])
}

func TestSimRemoteJoinAndLeave(t *testing.T) {
	sess := newSimSession(t, &fakeDeviceStream{})

	var joined, left []string
	sess.OnParticipantConnected(func(p Participant) { joined = append(joined, p.Identity()) })
	sess.OnParticipantDisconnected(func(p Participant) { left = append(left, p.Identity()) })

	remote := sess.SimulateRemoteJoin("patient_7")
	assert.Equal(t, []string{"patient_7"}, joined)
	assert.Len(t, remote.Tracks(), 2)
	assert.Len(t, sess.RemoteParticipants(), 1)

	sess.SimulateRemoteLeave("patient_7")
	assert.Equal(t, []string{"patient_7"}, left)
	assert.Empty(t, sess.RemoteParticipants())

	// Unknown identities are ignored.
	sess.SimulateRemoteLeave("patient_7")
	assert.Len(t, left, 1)
}

func TestSimDisconnectFiresOnceAndKeepsDevices(t *testing.T) {
	cam := &fakeDeviceTrack{id: "cam-1"}
	mic := &fakeDeviceTrack{id: "mic-1"}
	stream := &fakeDeviceStream{
		video: []mediadevices.Track{cam},
		audio: []mediadevices.Track{mic},
	}
	sess := newSimSession(t, stream)

	var fired int
	var lastErr error
	sess.OnDisconnected(func(err error) {
		fired++
		lastErr = err
	})

	require.NoError(t, sess.Disconnect())
	assert.Equal(t, 1, fired)
	assert.NoError(t, lastErr)
	assert.True(t, sess.Closed())

	// The preview still owns the devices in simulation mode.
	assert.False(t, cam.closed)
	assert.False(t, mic.closed)

	require.NoError(t, sess.Disconnect())
	assert.Equal(t, 1, fired)
}

func TestSimFailureCarriesError(t *testing.T) {
	sess := newSimSession(t, &fakeDeviceStream{})

	var got error
	sess.OnDisconnected(func(err error) { got = err })

	boom := errors.New("ice gave up")
	sess.SimulateFailure(boom)
	assert.ErrorIs(t, got, boom)
	assert.True(t, sess.Closed())

	// A failed session cannot fire disconnect again.
	sess.SimulateFailure(errors.New("second"))
	assert.ErrorIs(t, got, boom)
}

func TestSimReconnectEvents(t *testing.T) {
	sess := newSimSession(t, &fakeDeviceStream{})

	var events []string
	unsubReconnecting := sess.OnReconnecting(func() { events = append(events, "reconnecting") })
	sess.OnReconnected(func() { events = append(events, "reconnected") })

	sess.SimulateReconnecting()
	sess.SimulateReconnected()
	assert.Equal(t, []string{"reconnecting", "reconnected"}, events)

	// An unsubscribed callback no longer fires.
	unsubReconnecting()
	sess.SimulateReconnecting()
	assert.Equal(t, []string{"reconnecting", "reconnected"}, events)
}

func TestSimulateRemoteTrackUnsubscribe(t *testing.T) {
	sess := newSimSession(t, &fakeDeviceStream{})
	remote := sess.SimulateRemoteJoin("patient_7").(*participant)

	var gone []string
	remote.OnTrackUnsubscribed(func(tr Track) { gone = append(gone, tr.ID()) })

	remote.removeTrack("patient_7-video")
	assert.Equal(t, []string{"patient_7-video"}, gone)
	assert.Len(t, remote.Tracks(), 1)
}
