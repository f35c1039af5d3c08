package device

import (
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrack embeds the mediadevices.Track interface so only the methods the
// preview touches need implementations.
type fakeTrack struct {
	mediadevices.Track
	closed bool
}

func (t *fakeTrack) Close() error {
	t.closed = true
	return nil
}

type fakeStream struct {
	video []mediadevices.Track
	audio []mediadevices.Track
}

func (s *fakeStream) GetVideoTracks() []mediadevices.Track { return s.video }
func (s *fakeStream) GetAudioTracks() []mediadevices.Track { return s.audio }
func (s *fakeStream) GetTracks() []mediadevices.Track {
	return append(append([]mediadevices.Track{}, s.video...), s.audio...)
}

type recordingSink struct {
	attached int
	detached int
	last     Stream
}

func (s *recordingSink) AttachPreview(stream Stream) {
	s.attached++
	s.last = stream
}

func (s *recordingSink) DetachPreview() {
	s.detached++
}

// stageOutcome is the scripted result for one acquisition stage, keyed by
// which constraints were requested.
type stageOutcome struct {
	stream Stream
	err    error
}

// scriptedAcquire answers combined, video-only and audio-only stages from
// the given outcomes.
func scriptedAcquire(combined, videoOnly, audioOnly stageOutcome) AcquireFunc {
	return func(c mediadevices.MediaStreamConstraints) (Stream, error) {
		switch {
		case c.Video != nil && c.Audio != nil:
			return combined.stream, combined.err
		case c.Video != nil:
			return videoOnly.stream, videoOnly.err
		default:
			return audioOnly.stream, audioOnly.err
		}
	}
}

func newTestPreview(t *testing.T, acquire AcquireFunc) (*PreviewManager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m, err := NewPreviewManager(sink)
	require.NoError(t, err)
	m.SetAcquireFunc(acquire)
	return m, sink
}

func TestStartAcquiresBothDevices(t *testing.T) {
	stream := &fakeStream{
		video: []mediadevices.Track{&fakeTrack{}},
		audio: []mediadevices.Track{&fakeTrack{}},
	}
	m, sink := newTestPreview(t, scriptedAcquire(stageOutcome{stream: stream}, stageOutcome{}, stageOutcome{}))

	require.NoError(t, m.Start())
	assert.Equal(t, Statuses{Camera: StatusGranted, Microphone: StatusGranted}, m.Statuses())
	assert.True(t, m.HasVideo())
	assert.True(t, m.HasAudio())
	assert.True(t, m.Active())
	assert.Equal(t, 1, sink.attached)
	assert.Same(t, Stream(stream), sink.last)
}

func TestStartCameraDeniedMicrophoneGranted(t *testing.T) {
	mic := &fakeStream{audio: []mediadevices.Track{&fakeTrack{}}}
	denied := errors.New("video: permission denied by user")
	m, _ := newTestPreview(t, scriptedAcquire(
		stageOutcome{err: denied},
		stageOutcome{err: denied},
		stageOutcome{stream: mic},
	))

	require.NoError(t, m.Start())
	assert.Equal(t, Statuses{Camera: StatusDenied, Microphone: StatusGranted}, m.Statuses())
	assert.False(t, m.HasVideo())
	assert.True(t, m.HasAudio())
}

func TestStartMicrophoneFailsCameraGranted(t *testing.T) {
	cam := &fakeStream{video: []mediadevices.Track{&fakeTrack{}}}
	m, _ := newTestPreview(t, scriptedAcquire(
		stageOutcome{err: errors.New("microphone busy")},
		stageOutcome{stream: cam},
		stageOutcome{err: errors.New("microphone busy")},
	))

	require.NoError(t, m.Start())
	assert.Equal(t, Statuses{Camera: StatusGranted, Microphone: StatusError}, m.Statuses())
	assert.True(t, m.HasVideo())
	assert.False(t, m.HasAudio())
}

func TestStartAllDevicesFail(t *testing.T) {
	m, sink := newTestPreview(t, scriptedAcquire(
		stageOutcome{err: errors.New("enumeration failed")},
		stageOutcome{err: errors.New("no camera found")},
		stageOutcome{err: errors.New("camera: permission denied")},
	))

	err := m.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMediaAvailable)
	assert.Equal(t, Statuses{Camera: StatusError, Microphone: StatusDenied}, m.Statuses())
	assert.False(t, m.Active())
	assert.Zero(t, sink.attached)
}

func TestStartIsIdempotent(t *testing.T) {
	calls := 0
	stream := &fakeStream{video: []mediadevices.Track{&fakeTrack{}}}
	m, sink := newTestPreview(t, func(mediadevices.MediaStreamConstraints) (Stream, error) {
		calls++
		return stream, nil
	})

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, sink.attached)
}

func TestStatusNeverRegressesFromGranted(t *testing.T) {
	stream := &fakeStream{video: []mediadevices.Track{&fakeTrack{}}}
	m, _ := newTestPreview(t, scriptedAcquire(stageOutcome{stream: stream}, stageOutcome{}, stageOutcome{}))

	require.NoError(t, m.Start())
	m.upgradeStatus(&m.statuses.Camera, StatusChecking)
	assert.Equal(t, StatusGranted, m.Statuses().Camera)
	m.upgradeStatus(&m.statuses.Camera, StatusDenied)
	assert.Equal(t, StatusGranted, m.Statuses().Camera)
}

func TestReleaseClosesTracksAndIsIdempotent(t *testing.T) {
	video := &fakeTrack{}
	audio := &fakeTrack{}
	stream := &fakeStream{
		video: []mediadevices.Track{video},
		audio: []mediadevices.Track{audio},
	}
	m, sink := newTestPreview(t, scriptedAcquire(stageOutcome{stream: stream}, stageOutcome{}, stageOutcome{}))
	require.NoError(t, m.Start())

	m.Release()
	assert.True(t, video.closed)
	assert.True(t, audio.closed)
	assert.False(t, m.Active())
	assert.Equal(t, 1, sink.detached)

	m.Release()
	assert.Equal(t, 1, sink.detached)
}

func TestHandoffTransfersOwnership(t *testing.T) {
	video := &fakeTrack{}
	stream := &fakeStream{video: []mediadevices.Track{video}}
	m, sink := newTestPreview(t, scriptedAcquire(stageOutcome{stream: stream}, stageOutcome{}, stageOutcome{}))
	require.NoError(t, m.Start())

	got, err := m.Handoff()
	require.NoError(t, err)
	assert.Same(t, Stream(stream), got)
	assert.Equal(t, 1, sink.detached)
	assert.False(t, m.Active())

	// Release after handoff must not close tracks the transport now owns.
	m.Release()
	assert.False(t, video.closed)

	// The transfer happens at most once.
	_, err = m.Handoff()
	assert.ErrorIs(t, err, ErrStreamHandedOff)

	// A spent manager refuses to reacquire devices.
	assert.ErrorIs(t, m.Start(), ErrStreamHandedOff)
}

func TestHandoffWithoutStream(t *testing.T) {
	m, _ := newTestPreview(t, scriptedAcquire(
		stageOutcome{err: errors.New("boom")},
		stageOutcome{err: errors.New("boom")},
		stageOutcome{err: errors.New("boom")},
	))
	_, err := m.Handoff()
	assert.ErrorIs(t, err, ErrNoPreviewStream)
}

func TestStreamAccessorDoesNotTransferOwnership(t *testing.T) {
	video := &fakeTrack{}
	stream := &fakeStream{video: []mediadevices.Track{video}}
	m, _ := newTestPreview(t, scriptedAcquire(stageOutcome{stream: stream}, stageOutcome{}, stageOutcome{}))
	require.NoError(t, m.Start())

	assert.Same(t, Stream(stream), m.Stream())
	assert.True(t, m.Active())

	m.Release()
	assert.True(t, video.closed)
	assert.Nil(t, m.Stream())
}
