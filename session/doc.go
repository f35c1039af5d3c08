// Package session implements the live consultation session controller.
//
// This package coordinates the full lifecycle of one telemedicine video
// consultation: device acquisition in the waiting room, credential-based
// room join, connection state tracking, remote track attachment, backend
// authoritative timing, and a clean teardown that releases every acquired
// media handle exactly once.
//
// # Architecture
//
// The session package integrates several subsystems:
//
//   - Manager: The room connection controller holding the state machine
//     and orchestrating connect, leave, retry and teardown
//   - Timer: Elapsed/remaining tracking gated to connected plus
//     in-progress, seeded from backend snapshots
//   - trackManager: Idempotent attach/detach of remote participants and
//     their tracks
//   - MediaSink / Navigator: Outward interfaces into the surrounding
//     application for rendering and routing
//
// # Connection States
//
// The Manager owns a strict state machine over disconnected, connecting,
// connected, reconnecting and failed. Failed is reachable only through an
// error path and is left only by an explicit retry or leave. Transitions
// are sequential; a connect in flight rejects a second connect.
//
// # Usage
//
// Create a controller per consultation view:
//
//	preview, _ := device.NewPreviewManager(sink)
//	mgr, err := session.NewManager(session.Config{
//	    Oracle:        client,
//	    AppointmentID: 42,
//	    User:          session.UserContext{UserID: 3, Role: session.RoleClinician},
//	    Preview:       preview,
//	    Connector:     transport.NewWebRTCConnector(),
//	    SignalingURL:  "wss://sfu.example.com/ws",
//	})
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	mgr.StartPreview()
//	if err := mgr.Connect(ctx); err != nil {
//	    // mgr.LastError() carries the classified failure
//	}
//
// # Simulation Mode
//
// A join credential whose token carries the simulation marker connects
// without any real transport: the preview stream stays the local source
// and the session can be exercised end to end against a backend that has
// no live video credentials.
//
// # Media Ownership
//
// The camera and microphone are owned by exactly one of preview or
// transport at any instant. A real join hands the stream off in a single
// transfer; every exit path (leave, end, error, Close) releases whatever
// side currently holds the devices.
package session
