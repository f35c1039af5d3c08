// Package device manages local camera and microphone access for the
// pre-join preview.
//
// The preview holds the only live handle on the hardware until the user
// joins a call. At join time ownership of the stream is handed off to the
// transport in a single transfer; the preview never releases devices the
// transport is using, and the transport never acquires devices the preview
// still owns. Acquisition degrades per device so a denied camera does not
// block an audio-only consultation.
package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/sirupsen/logrus"

	// Driver registration for camera and microphone adapters.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// Status describes one device's permission state as shown to the user.
// Per device, the status moves from checking to exactly one terminal value
// and never returns to checking.
type Status string

const (
	// StatusChecking indicates acquisition has not completed yet.
	StatusChecking Status = "checking"
	// StatusDenied indicates the user or platform refused device access.
	StatusDenied Status = "denied"
	// StatusError indicates acquisition failed for a non-permission reason.
	StatusError Status = "error"
	// StatusGranted indicates the device was acquired.
	StatusGranted Status = "granted"
)

// statusRank orders Status values for the upgrade-only rule.
var statusRank = map[Status]int{
	StatusChecking: 0,
	StatusDenied:   1,
	StatusError:    1,
	StatusGranted:  2,
}

// Statuses is the camera and microphone permission pair.
type Statuses struct {
	Camera     Status
	Microphone Status
}

// Stream is the subset of mediadevices.MediaStream the session layer uses.
// Narrowing the interface keeps the preview testable without hardware.
type Stream interface {
	GetVideoTracks() []mediadevices.Track
	GetAudioTracks() []mediadevices.Track
	GetTracks() []mediadevices.Track
}

// AcquireFunc obtains a local media stream for the given constraints.
// The default implementation is mediadevices.GetUserMedia.
type AcquireFunc func(constraints mediadevices.MediaStreamConstraints) (Stream, error)

// PreviewSink receives the acquired stream for local rendering. Attach and
// Detach are never called concurrently.
type PreviewSink interface {
	AttachPreview(stream Stream)
	DetachPreview()
}

// PreviewManager acquires local devices with per-device fallback and owns
// the resulting stream until it is released or handed off.
//
// All methods are safe for concurrent use. A manager is single-use: after
// Handoff it is spent and a fresh manager must be created for the next
// preview.
type PreviewManager struct {
	mu        sync.Mutex
	sink      PreviewSink
	codec     *mediadevices.CodecSelector
	acquire   AcquireFunc
	stream    Stream
	statuses  Statuses
	handedOff bool
}

// NewPreviewManager creates a preview manager rendering into sink. A nil
// sink is allowed for headless use.
func NewPreviewManager(sink PreviewSink) (*PreviewManager, error) {
	selector, err := NewCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("building codec selector: %w", err)
	}

	m := &PreviewManager{
		sink:     sink,
		codec:    selector,
		statuses: Statuses{Camera: StatusChecking, Microphone: StatusChecking},
	}
	m.acquire = func(c mediadevices.MediaStreamConstraints) (Stream, error) {
		return mediadevices.GetUserMedia(c)
	}
	return m, nil
}

// SetAcquireFunc replaces the media acquisition function. Tests use this to
// run without camera or microphone hardware.
func (m *PreviewManager) SetAcquireFunc(fn AcquireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquire = fn
}

// Start acquires local devices. Combined camera plus microphone acquisition
// is tried first; on failure each device is attempted independently so a
// denial of one never blocks the other. Start returns an error only when no
// device at all could be acquired. Calling Start on a running preview is a
// no-op.
func (m *PreviewManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handedOff {
		return ErrStreamHandedOff
	}
	if m.stream != nil {
		return nil
	}

	stream, err := m.acquire(m.constraints(true, true))
	if err == nil {
		m.upgradeStatus(&m.statuses.Camera, StatusGranted)
		m.upgradeStatus(&m.statuses.Microphone, StatusGranted)
		m.attach(stream)
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"stage":    "video+audio",
		}).Info("Preview media acquired")
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"stage":    "video+audio",
		"error":    err,
	}).Warn("Combined preview acquisition failed")

	composite := &compositeStream{}

	videoStream, videoErr := m.acquire(m.constraints(true, false))
	if videoErr == nil {
		composite.video = videoStream.GetVideoTracks()
		m.upgradeStatus(&m.statuses.Camera, StatusGranted)
	} else {
		m.upgradeStatus(&m.statuses.Camera, failureStatus(videoErr))
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"stage":    "video-only",
			"error":    videoErr,
		}).Warn("Camera acquisition failed")
	}

	audioStream, audioErr := m.acquire(m.constraints(false, true))
	if audioErr == nil {
		composite.audio = audioStream.GetAudioTracks()
		m.upgradeStatus(&m.statuses.Microphone, StatusGranted)
	} else {
		m.upgradeStatus(&m.statuses.Microphone, failureStatus(audioErr))
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"stage":    "audio-only",
			"error":    audioErr,
		}).Warn("Microphone acquisition failed")
	}

	if videoErr != nil && audioErr != nil {
		return fmt.Errorf("%w: %w", ErrNoMediaAvailable, errors.Join(videoErr, audioErr))
	}

	m.attach(composite)
	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"camera":     m.statuses.Camera,
		"microphone": m.statuses.Microphone,
	}).Info("Preview media acquired with per-device fallback")
	return nil
}

// attach stores the stream and renders it. Callers hold mu.
func (m *PreviewManager) attach(stream Stream) {
	m.stream = stream
	if m.sink != nil {
		m.sink.AttachPreview(stream)
	}
}

// Release stops the preview and closes every acquired track. Release is
// idempotent and a no-op after Handoff, since the transport then owns the
// devices.
func (m *PreviewManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handedOff || m.stream == nil {
		return
	}

	if m.sink != nil {
		m.sink.DetachPreview()
	}
	for _, track := range m.stream.GetTracks() {
		if err := track.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"error":    err,
			}).Warn("Closing preview track failed")
		}
	}
	m.stream = nil

	logrus.WithField("function", "Release").Debug("Preview media released")
}

// Handoff transfers stream ownership to the caller, detaching the local
// sink. After a successful handoff the manager is spent: Release becomes a
// no-op and Start fails. The transfer happens at most once.
func (m *PreviewManager) Handoff() (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handedOff {
		return nil, ErrStreamHandedOff
	}
	if m.stream == nil {
		return nil, ErrNoPreviewStream
	}

	if m.sink != nil {
		m.sink.DetachPreview()
	}
	stream := m.stream
	m.stream = nil
	m.handedOff = true

	logrus.WithField("function", "Handoff").Info("Preview stream ownership transferred")
	return stream, nil
}

// Stream returns the live stream without transferring ownership. Simulation
// sessions use this to mirror the preview's tracks; the preview remains
// responsible for releasing them.
func (m *PreviewManager) Stream() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// CodecSelector returns the selector the stream was encoded with so the
// transport can populate its media engine consistently.
func (m *PreviewManager) CodecSelector() *mediadevices.CodecSelector {
	return m.codec
}

// Statuses returns the current camera and microphone permission pair.
func (m *PreviewManager) Statuses() Statuses {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses
}

// Active reports whether the preview currently owns a live stream.
func (m *PreviewManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// HasVideo reports whether the acquired stream includes a camera track.
func (m *PreviewManager) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil && len(m.stream.GetVideoTracks()) > 0
}

// HasAudio reports whether the acquired stream includes a microphone track.
func (m *PreviewManager) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil && len(m.stream.GetAudioTracks()) > 0
}

// upgradeStatus applies the upgrade-only transition rule. Callers hold mu.
func (m *PreviewManager) upgradeStatus(slot *Status, s Status) {
	if statusRank[s] >= statusRank[*slot] {
		*slot = s
	}
}

// constraints builds per-stage acquisition constraints.
func (m *PreviewManager) constraints(video, audio bool) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: m.codec}
	if video {
		c.Video = func(t *mediadevices.MediaTrackConstraints) {
			t.Width = prop.Int(640)
			t.Height = prop.Int(480)
			t.FrameRate = prop.Float(30)
			t.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		}
	}
	if audio {
		c.Audio = func(t *mediadevices.MediaTrackConstraints) {
			t.SampleRate = prop.Int(48000)
			t.ChannelCount = prop.Int(1)
			t.Latency = prop.Duration(20 * time.Millisecond)
		}
	}
	return c
}

// compositeStream merges independently acquired camera and microphone
// streams into one Stream.
type compositeStream struct {
	video []mediadevices.Track
	audio []mediadevices.Track
}

func (s *compositeStream) GetVideoTracks() []mediadevices.Track { return s.video }
func (s *compositeStream) GetAudioTracks() []mediadevices.Track { return s.audio }
func (s *compositeStream) GetTracks() []mediadevices.Track {
	return append(append([]mediadevices.Track{}, s.video...), s.audio...)
}

// failureStatus maps an acquisition error to denied or error.
func failureStatus(err error) Status {
	if isPermissionDenied(err) {
		return StatusDenied
	}
	return StatusError
}

// isPermissionDenied distinguishes a refused permission from other device
// failures. Driver errors are not typed, so the check is best effort.
func isPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed")
}
