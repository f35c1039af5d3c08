package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

// scriptedRTPReader feeds pumpRTP a fixed sequence of read results.
type scriptedRTPReader struct {
	mu      sync.Mutex
	results []scriptedRead
	reads   int
	closed  bool
}

type scriptedRead struct {
	packets []*rtp.Packet
	err     error
}

func (r *scriptedRTPReader) Read() ([]*rtp.Packet, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if len(r.results) == 0 {
		return nil, nil, io.EOF
	}
	next := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return next.packets, func() {}, next.err
}

func (r *scriptedRTPReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *scriptedRTPReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *scriptedRTPReader) wasClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func pumpSession(t *testing.T) *WebRTCSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &WebRTCSession{ctx: ctx, cancel: cancel}
}

func runPump(t *testing.T, s *WebRTCSession, reader *scriptedRTPReader, lt *localRTPTrack, write func([]*rtp.Packet)) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.pumpRTP(reader, lt, write)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestPumpRTPStopsAfterRepeatedReadFailures(t *testing.T) {
	s := pumpSession(t)
	lt := &localRTPTrack{id: "cam-1", kind: KindVideo}
	lt.enabled.Store(true)

	// The final (sticky) result is a persistent non-EOF failure.
	reader := &scriptedRTPReader{results: []scriptedRead{{err: errors.New("encoder stalled")}}}
	runPump(t, s, reader, lt, func([]*rtp.Packet) {})

	assert.True(t, reader.wasClosed())
	assert.Equal(t, maxConsecutiveReadErrors, reader.readCount())
}

func TestPumpRTPSuccessResetsErrorStreak(t *testing.T) {
	s := pumpSession(t)
	lt := &localRTPTrack{id: "cam-1", kind: KindVideo}
	lt.enabled.Store(true)

	// Alternate one failure shy of the limit with a good read, then end.
	var results []scriptedRead
	for i := 0; i < maxConsecutiveReadErrors-1; i++ {
		results = append(results, scriptedRead{err: errors.New("transient")})
	}
	results = append(results,
		scriptedRead{packets: []*rtp.Packet{{}}},
		scriptedRead{err: io.EOF},
	)

	var written int
	reader := &scriptedRTPReader{results: results}
	runPump(t, s, reader, lt, func(pkts []*rtp.Packet) { written += len(pkts) })

	assert.Equal(t, 1, written)
	assert.True(t, reader.wasClosed())
}

func TestPumpRTPDropsPacketsWhileDisabled(t *testing.T) {
	s := pumpSession(t)
	lt := &localRTPTrack{id: "mic-1", kind: KindAudio}
	lt.enabled.Store(false)

	var written int
	reader := &scriptedRTPReader{results: []scriptedRead{
		{packets: []*rtp.Packet{{}}},
		{err: io.EOF},
	}}
	runPump(t, s, reader, lt, func(pkts []*rtp.Packet) { written += len(pkts) })

	assert.Zero(t, written, "disabled track must drop packets, not send them")
}

func TestPumpRTPStopsOnSessionClose(t *testing.T) {
	s := pumpSession(t)
	s.cancel()
	lt := &localRTPTrack{id: "cam-1", kind: KindVideo}
	lt.enabled.Store(true)

	reader := &scriptedRTPReader{results: []scriptedRead{{packets: []*rtp.Packet{{}}}}}
	runPump(t, s, reader, lt, func([]*rtp.Packet) {})

	assert.True(t, reader.wasClosed())
	assert.Zero(t, reader.readCount())
}
