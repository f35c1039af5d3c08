// Package teleconsult provides live video consultation sessions for a
// telemedicine scheduling backend.
//
// The package wires four subsystems behind one facade: the backend client
// (oracle), local device management (device), the room transport
// (transport) and the session controller (session). Most applications only
// need New and the returned Client's Session manager.
package teleconsult

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/teleconsult/device"
	"github.com/opd-ai/teleconsult/oracle"
	"github.com/opd-ai/teleconsult/session"
	"github.com/opd-ai/teleconsult/transport"
)

// Options configures a consultation client.
type Options struct {
	// BaseURL is the scheduling backend's API root.
	BaseURL string
	// AuthToken is the signed-in user's bearer token.
	AuthToken string
	// AppointmentID identifies the consultation to run.
	AppointmentID int
	// UserID is the signed-in user's numeric ID.
	UserID int
	// Role is the local party's role; start/end require the clinician.
	Role session.Role
	// DisplayName is shown to the other party.
	DisplayName string
	// SignalingURL is the forwarding unit's websocket endpoint. Unused
	// when the backend issues simulation credentials.
	SignalingURL string
	// ConnectTimeout bounds transport establishment.
	ConnectTimeout time.Duration
	// LowTimeThreshold is the remaining time under which the session
	// warns about expiry.
	LowTimeThreshold time.Duration
	// PreviewSink renders the waiting-room preview. Optional.
	PreviewSink device.PreviewSink
	// MediaSink renders call media. Optional.
	MediaSink session.MediaSink
	// Navigator routes the user after leave and end. Optional.
	Navigator session.Navigator
}

// NewOptions returns Options with sensible defaults. BaseURL, AuthToken
// and AppointmentID must still be provided by the caller.
func NewOptions() *Options {
	return &Options{
		Role:             session.RolePatient,
		ConnectTimeout:   session.DefaultConnectTimeout,
		LowTimeThreshold: session.DefaultLowTimeThreshold,
	}
}

// Client bundles the subsystems for one consultation.
type Client struct {
	oracle  *oracle.Client
	preview *device.PreviewManager
	session *session.Manager
}

// New creates a consultation client for one appointment.
func New(options *Options) (*Client, error) {
	if options == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}

	oracleClient, err := oracle.NewClient(options.BaseURL, options.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}

	preview, err := device.NewPreviewManager(options.PreviewSink)
	if err != nil {
		return nil, fmt.Errorf("creating preview manager: %w", err)
	}

	mgr, err := session.NewManager(session.Config{
		Oracle:        oracleClient,
		AppointmentID: options.AppointmentID,
		User: session.UserContext{
			UserID:      options.UserID,
			Role:        options.Role,
			DisplayName: options.DisplayName,
		},
		Preview:          preview,
		Connector:        transport.NewWebRTCConnector(),
		Navigator:        options.Navigator,
		Sink:             options.MediaSink,
		SignalingURL:     options.SignalingURL,
		ConnectTimeout:   options.ConnectTimeout,
		LowTimeThreshold: options.LowTimeThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"appointment_id": options.AppointmentID,
		"role":           options.Role,
	}).Info("Consultation client created")

	return &Client{
		oracle:  oracleClient,
		preview: preview,
		session: mgr,
	}, nil
}

// Oracle returns the backend client.
func (c *Client) Oracle() *oracle.Client {
	return c.oracle
}

// Preview returns the device preview manager.
func (c *Client) Preview() *device.PreviewManager {
	return c.preview
}

// Session returns the session controller.
func (c *Client) Session() *session.Manager {
	return c.session
}

// Close tears the session down and releases every media handle.
func (c *Client) Close() {
	c.session.Close()
}
