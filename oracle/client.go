// Package oracle implements the client for the consultation status backend.
//
// The backend is the single authority for session status, timing and join
// credentials. This client is a thin, context-aware REST wrapper: it fetches
// immutable snapshots, obtains join credentials and invokes the privileged
// start/end transitions. Errors carry the HTTP status so they can be mapped
// onto recovery policies by the classify package.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every backend call. The observed design left these
// calls unbounded; an expiry surfaces as a network-classified error instead
// of an indefinitely pending join.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// HTTPStatus returns the HTTP status code, satisfying classify.StatusCoder.
func (e *APIError) HTTPStatus() int {
	return e.Status
}

// Client talks to the consultation backend.
//
// The zero value is not usable; construct with NewClient. All methods are
// safe for concurrent use.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a backend client.
//
// baseURL is the API root (e.g. "https://api.example.com"); authToken is the
// bearer token of the signed-in user. The session context is passed in
// explicitly rather than read from ambient state so the client stays
// independently testable.
func NewClient(baseURL, authToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if authToken == "" {
		return nil, fmt.Errorf("auth token cannot be empty")
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"base_url": baseURL,
	}).Debug("Creating consultation backend client")

	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// GetStatus fetches the authoritative snapshot for one consultation.
func (c *Client) GetStatus(ctx context.Context, appointmentID int) (*Snapshot, error) {
	var snap Snapshot
	path := fmt.Sprintf("/api/v1/consultations/%d/status", appointmentID)
	if err := c.get(ctx, path, &snap); err != nil {
		return nil, fmt.Errorf("fetching consultation status: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "GetStatus",
		"appointment_id": appointmentID,
		"status":         snap.Status,
		"can_join":       snap.CanJoin,
	}).Debug("Consultation status fetched")

	return &snap, nil
}

// GetJoinCredential obtains a short-lived token and room name for one join
// attempt. The token may carry the simulation marker (see SimTokenPrefix).
func (c *Client) GetJoinCredential(ctx context.Context, appointmentID int) (*JoinCredential, error) {
	var cred JoinCredential
	path := fmt.Sprintf("/api/v1/consultations/%d/token", appointmentID)
	if err := c.get(ctx, path, &cred); err != nil {
		return nil, fmt.Errorf("fetching join credential: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "GetJoinCredential",
		"appointment_id": appointmentID,
		"room_name":      cred.RoomName,
		"simulated":      cred.Simulated(),
	}).Info("Join credential obtained")

	return &cred, nil
}

// StartSession transitions the consultation to in_progress. The backend
// enforces that only the clinician may do this; a non-privileged caller
// receives a 403 APIError.
func (c *Client) StartSession(ctx context.Context, appointmentID int) error {
	path := fmt.Sprintf("/api/v1/consultations/%d/start", appointmentID)
	if err := c.post(ctx, path); err != nil {
		return fmt.Errorf("starting consultation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "StartSession",
		"appointment_id": appointmentID,
	}).Info("Consultation started")

	return nil
}

// EndSession transitions the consultation to completed. Clinician-only,
// like StartSession.
func (c *Client) EndSession(ctx context.Context, appointmentID int) error {
	path := fmt.Sprintf("/api/v1/consultations/%d/end", appointmentID)
	if err := c.post(ctx, path); err != nil {
		return fmt.Errorf("ending consultation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "EndSession",
		"appointment_id": appointmentID,
	}).Info("Consultation ended")

	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *Client) post(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, path, nil)
}

// do performs one request and decodes a 2xx body into out when non-nil.
// Non-2xx responses become an *APIError carrying the backend's detail field.
func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Status: resp.StatusCode,
			Detail: decodeDetail(body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeDetail extracts the backend's {"detail": "..."} error payload,
// falling back to the raw body when the shape is unexpected.
func decodeDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return string(bytes.TrimSpace(body))
}
