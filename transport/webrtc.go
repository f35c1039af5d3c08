package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/opd-ai/teleconsult/device"
)

const (
	rtpMTU = 1200

	// maxConsecutiveReadErrors bounds how long a forward loop keeps polling
	// a source that returns nothing but errors.
	maxConsecutiveReadErrors = 10

	// Reconnection policy after a connectivity drop. The budget bounds the
	// total time spent recovering before the session is declared failed.
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 10 * time.Second
	reconnectBudget          = 45 * time.Second
)

var (
	_ Connector = (*WebRTCConnector)(nil)
	_ Session   = (*WebRTCSession)(nil)
)

// WebRTCConnector joins consultation rooms through a selective forwarding
// unit, signaling over a JSON-RPC websocket.
type WebRTCConnector struct {
	iceServers []webrtc.ICEServer
}

// NewWebRTCConnector creates a connector with the default STUN
// configuration.
func NewWebRTCConnector() *WebRTCConnector {
	return &WebRTCConnector{
		iceServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Connect joins the room, publishes the handed-off stream and blocks until
// ICE reaches connected or ctx expires. On any error the handed-off stream
// is released so devices are never leaked mid-join.
func (c *WebRTCConnector) Connect(ctx context.Context, token string, opts ConnectOptions) (Session, error) {
	if opts.SignalingURL == "" {
		return nil, fmt.Errorf("signaling URL cannot be empty")
	}
	if opts.Stream == nil {
		return nil, fmt.Errorf("media stream cannot be nil")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec selector cannot be nil")
	}

	mediaEngine := webrtc.MediaEngine{}
	opts.Codec.Populate(&mediaEngine)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		closeStream(opts.Stream)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opts.SignalingURL, header)
	if err != nil {
		_ = pc.Close()
		closeStream(opts.Stream)
		return nil, fmt.Errorf("dialing signaling endpoint: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &WebRTCSession{
		pc:        pc,
		ws:        ws,
		ctx:       sctx,
		cancel:    cancel,
		stream:    opts.Stream,
		room:      opts.RoomName,
		local:     newParticipant(opts.Identity),
		remotes:   make(map[string]*participant),
		connected: make(chan struct{}),
	}

	if err := s.publishLocalTracks(); err != nil {
		s.teardown()
		return nil, err
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnICEConnectionStateChange(s.handleICEStateChange)
	pc.OnTrack(s.handleRemoteTrack)

	go s.readLoop()

	if err := s.sendJoin(); err != nil {
		s.teardown()
		return nil, fmt.Errorf("joining room: %w", err)
	}

	select {
	case <-s.connected:
	case <-ctx.Done():
		s.teardown()
		return nil, fmt.Errorf("waiting for room connection: %w", ctx.Err())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"room":     opts.RoomName,
		"identity": opts.Identity,
	}).Info("Room connection established")

	return s, nil
}

// WebRTCSession is a live room connection over a peer connection.
type WebRTCSession struct {
	pc     *webrtc.PeerConnection
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	stream device.Stream
	room   string

	mu      sync.Mutex
	local   *participant
	remotes map[string]*participant
	closed  bool

	wsWriteMu sync.Mutex

	connected     chan struct{}
	connectedOnce sync.Once
	reconnecting  atomic.Bool

	partConnected    callbackSet[func(Participant)]
	partDisconnected callbackSet[func(Participant)]
	disconnectedCBs  callbackSet[func(error)]
	reconnectingCBs  callbackSet[func()]
	reconnectedCBs   callbackSet[func()]
}

// LocalParticipant implements Session.
func (s *WebRTCSession) LocalParticipant() Participant { return s.local }

// RemoteParticipants implements Session.
func (s *WebRTCSession) RemoteParticipants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.remotes))
	for _, p := range s.remotes {
		out = append(out, p)
	}
	return out
}

// Disconnect implements Session. Idempotent; fires OnDisconnected with a
// nil error on the first call.
func (s *WebRTCSession) Disconnect() error {
	if !s.markClosed() {
		return nil
	}
	s.teardown()
	for _, fn := range s.disconnectedCBs.snapshot() {
		fn(nil)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"room":     s.room,
	}).Info("Room connection closed")
	return nil
}

func (s *WebRTCSession) OnParticipantConnected(fn func(Participant)) func() {
	return s.partConnected.add(fn)
}

func (s *WebRTCSession) OnParticipantDisconnected(fn func(Participant)) func() {
	return s.partDisconnected.add(fn)
}

func (s *WebRTCSession) OnDisconnected(fn func(error)) func() {
	return s.disconnectedCBs.add(fn)
}

func (s *WebRTCSession) OnReconnecting(fn func()) func() {
	return s.reconnectingCBs.add(fn)
}

func (s *WebRTCSession) OnReconnected(fn func()) func() {
	return s.reconnectedCBs.add(fn)
}

// markClosed flips the closed flag, reporting whether this caller won.
func (s *WebRTCSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// teardown releases the peer connection, signaling socket and devices.
func (s *WebRTCSession) teardown() {
	s.cancel()
	_ = s.ws.Close()
	_ = s.pc.Close()
	closeStream(s.stream)
}

// fail closes the session with err after the transport gave up.
func (s *WebRTCSession) fail(err error) {
	if !s.markClosed() {
		return
	}
	s.teardown()
	for _, fn := range s.disconnectedCBs.snapshot() {
		fn(err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"room":     s.room,
		"error":    err,
	}).Error("Room connection lost")
}

// publishLocalTracks creates one outgoing RTP track per device track and
// starts the forward loops.
func (s *WebRTCSession) publishLocalTracks() error {
	for _, t := range s.stream.GetVideoTracks() {
		if err := s.publishTrack(t, KindVideo); err != nil {
			return err
		}
	}
	for _, t := range s.stream.GetAudioTracks() {
		if err := s.publishTrack(t, KindAudio); err != nil {
			return err
		}
	}
	return nil
}

func (s *WebRTCSession) publishTrack(source mediadevices.Track, kind TrackKind) error {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}
	}

	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(capability, source.ID(), s.local.Identity())
	if err != nil {
		return fmt.Errorf("creating %s track: %w", kind, err)
	}
	sender, err := s.pc.AddTrack(rtpTrack)
	if err != nil {
		return fmt.Errorf("adding %s track: %w", kind, err)
	}

	lt := &localRTPTrack{id: source.ID(), kind: kind}
	lt.enabled.Store(true)
	s.local.addTrack(lt)

	// The sender read loop keeps RTCP feedback flowing.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go s.forwardRTP(source, rtpTrack, sender, lt)
	return nil
}

// forwardRTP pumps encoded packets from the device track into the outgoing
// RTP track. A disabled track keeps the loop and the track alive but drops
// packets, so toggling never renegotiates.
func (s *WebRTCSession) forwardRTP(source mediadevices.Track, out *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, lt *localRTPTrack) {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "forwardRTP",
			"track":    lt.ID(),
		}).Error("No encoding parameters for outgoing track")
		return
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	reader, err := source.NewRTPReader(out.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forwardRTP",
			"track":    lt.ID(),
			"error":    err,
		}).Error("Creating RTP reader failed")
		return
	}

	s.pumpRTP(reader, lt, func(packets []*rtp.Packet) {
		s.writePackets(out, packets)
	})
}

// pumpRTP drains reader into write until the source ends, the session
// closes, or the source keeps failing. A successful read resets the error
// streak so transient decode hiccups don't kill the track.
func (s *WebRTCSession) pumpRTP(reader mediadevices.RTPReadCloser, lt *localRTPTrack, write func([]*rtp.Packet)) {
	defer reader.Close()

	streak := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			streak++
			if streak >= maxConsecutiveReadErrors {
				logrus.WithFields(logrus.Fields{
					"function": "pumpRTP",
					"track":    lt.ID(),
					"error":    err,
				}).Error("Giving up on RTP source after repeated read failures")
				return
			}
			continue
		}
		streak = 0
		if lt.Enabled() {
			write(packets)
		}
		if release != nil {
			release()
		}
	}
}

func (s *WebRTCSession) writePackets(out *webrtc.TrackLocalStaticRTP, packets []*rtp.Packet) {
	for _, pkt := range packets {
		if err := out.WriteRTP(pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "writePackets",
				"error":    err,
			}).Debug("Writing RTP packet failed")
			return
		}
	}
}

// Signaling message shapes, matching the forwarding unit's JSON-RPC API.

type joinPayload struct {
	SID   string                     `json:"sid"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

type answerPayload struct {
	SID    string                     `json:"sid"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

type tricklePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Target    int                     `json:"target"`
}

type signalEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

func (s *WebRTCSession) sendJoin() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return s.sendRequest("join", joinPayload{SID: s.room, Offer: s.pc.LocalDescription()})
}

// sendRequest writes one JSON-RPC request over the signaling socket.
func (s *WebRTCSession) sendRequest(method string, payload interface{}) error {
	params, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}
	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}

	s.wsWriteMu.Lock()
	defer s.wsWriteMu.Unlock()
	return s.ws.WriteJSON(req)
}

func (s *WebRTCSession) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	err := s.sendRequest("trickle", tricklePayload{Candidate: candidate.ToJSON()})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleICECandidate",
			"error":    err,
		}).Warn("Sending ICE candidate failed")
	}
}

func (s *WebRTCSession) readLoop() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.fail(fmt.Errorf("signaling connection lost: %w", err))
			return
		}
		if err := s.handleSignal(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("Handling signaling message failed")
		}
	}
}

func (s *WebRTCSession) handleSignal(data []byte) error {
	var env signalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshaling signal: %w", err)
	}

	switch env.Method {
	case "offer":
		return s.handleOffer(env.Params)
	case "trickle":
		return s.handleTrickle(env.Params)
	case "answer":
		return s.applyRemoteDescription(env.Params)
	case "":
		// A bare result is the answer to our join request.
		if len(env.Result) > 0 {
			return s.applyRemoteDescription(env.Result)
		}
		return nil
	default:
		return fmt.Errorf("unknown signaling method %q", env.Method)
	}
}

func (s *WebRTCSession) applyRemoteDescription(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("unmarshaling description: %w", err)
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// handleOffer answers a renegotiation offer from the forwarding unit.
func (s *WebRTCSession) handleOffer(raw json.RawMessage) error {
	if err := s.applyRemoteDescription(raw); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return s.sendRequest("answer", answerPayload{SID: s.room, Answer: s.pc.LocalDescription()})
}

func (s *WebRTCSession) handleTrickle(raw json.RawMessage) error {
	var payload tricklePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshaling trickle: %w", err)
	}
	if err := s.pc.AddICECandidate(payload.Candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (s *WebRTCSession) handleICEStateChange(state webrtc.ICEConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "handleICEStateChange",
		"room":     s.room,
		"state":    state.String(),
	}).Debug("ICE connection state changed")

	switch state {
	case webrtc.ICEConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
		if s.reconnecting.CompareAndSwap(true, false) {
			for _, fn := range s.reconnectedCBs.snapshot() {
				fn()
			}
		}
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		if s.reconnecting.CompareAndSwap(false, true) {
			for _, fn := range s.reconnectingCBs.snapshot() {
				fn()
			}
			go s.reconnectLoop()
		}
	}
}

// reconnectLoop retries ICE restarts until the connection recovers or the
// budget is exhausted, at which point the session fails.
func (s *WebRTCSession) reconnectLoop() {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = reconnectInitialInterval
	ebo.MaxInterval = reconnectMaxInterval
	ebo.MaxElapsedTime = reconnectBudget

	op := func() error {
		if s.pc.ICEConnectionState() == webrtc.ICEConnectionStateConnected {
			return nil
		}
		offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating restart offer: %w", err))
		}
		if err := s.pc.SetLocalDescription(offer); err != nil {
			return backoff.Permanent(fmt.Errorf("setting restart description: %w", err))
		}
		if err := s.sendRequest("offer", joinPayload{SID: s.room, Offer: s.pc.LocalDescription()}); err != nil {
			return fmt.Errorf("sending restart offer: %w", err)
		}
		return fmt.Errorf("connection not yet restored")
	}

	if err := backoff.Retry(op, backoff.WithContext(ebo, s.ctx)); err != nil {
		s.fail(fmt.Errorf("reconnection budget exhausted: %w", err))
		return
	}

	if s.reconnecting.CompareAndSwap(true, false) {
		for _, fn := range s.reconnectedCBs.snapshot() {
			fn()
		}
	}
}

// handleRemoteTrack wires an incoming track to its participant, creating
// the participant on first sight. The participant identity is the remote
// stream ID.
func (s *WebRTCSession) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	identity := track.StreamID()

	s.mu.Lock()
	p, known := s.remotes[identity]
	if !known {
		p = newParticipant(identity)
		s.remotes[identity] = p
	}
	s.mu.Unlock()

	if !known {
		for _, fn := range s.partConnected.snapshot() {
			fn(p)
		}
	}

	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	rt := &remoteRTPTrack{id: track.ID(), kind: kind}
	rt.enabled.Store(true)
	p.addTrack(rt)

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteTrack",
		"identity": identity,
		"kind":     kind,
	}).Info("Remote track subscribed")

	// Drain incoming RTP so feedback keeps flowing; rendering is wired by
	// the session layer through its own sinks.
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				p.removeTrack(rt.ID())
				if len(p.Tracks()) == 0 {
					s.dropParticipant(identity)
				}
				return
			}
		}
	}()
}

func (s *WebRTCSession) dropParticipant(identity string) {
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

func closeStream(stream device.Stream) {
	if stream == nil {
		return
	}
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}

// localRTPTrack is a published track. Enabled gates the forward loop.
type localRTPTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
}

func (t *localRTPTrack) ID() string              { return t.id }
func (t *localRTPTrack) Kind() TrackKind         { return t.kind }
func (t *localRTPTrack) Enabled() bool           { return t.enabled.Load() }
func (t *localRTPTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// remoteRTPTrack is a subscribed track. Enabled gates local rendering only;
// the remote side controls what it sends.
type remoteRTPTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
}

func (t *remoteRTPTrack) ID() string              { return t.id }
func (t *remoteRTPTrack) Kind() TrackKind         { return t.kind }
func (t *remoteRTPTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteRTPTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
