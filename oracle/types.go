package oracle

import "strings"

// SessionStatus is the canonical consultation status owned by the backend.
// The client never mutates it locally; it is refreshed on demand.
type SessionStatus string

const (
	// StatusPending indicates the consultation is booked but not yet
	// confirmed by the clinician.
	StatusPending SessionStatus = "pending"
	// StatusConfirmed indicates the consultation is confirmed and waiting
	// to start.
	StatusConfirmed SessionStatus = "confirmed"
	// StatusInProgress indicates the clinician has started the consultation.
	StatusInProgress SessionStatus = "in_progress"
	// StatusCompleted indicates the consultation has ended normally.
	StatusCompleted SessionStatus = "completed"
	// StatusCancelled indicates the consultation was cancelled.
	StatusCancelled SessionStatus = "cancelled"
	// StatusNoShow indicates a participant never joined.
	StatusNoShow SessionStatus = "no_show"
)

// Live reports whether the consultation is currently running.
func (s SessionStatus) Live() bool {
	return s == StatusInProgress
}

// Terminal reports whether the consultation can no longer be joined.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Participant identifies one party of the consultation for display.
type Participant struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Snapshot is the backend's authoritative view of one consultation.
//
// The snapshot is fetched when the session view mounts and re-fetched after
// any state-changing action (start/end) or connection transition. Elapsed
// and remaining values are seeds for the local session timer; the backend
// remains the source of truth.
type Snapshot struct {
	AppointmentID         int           `json:"appointment_id"`
	Status                SessionStatus `json:"status"`
	ScheduledDate         string        `json:"scheduled_date"`
	ScheduledTime         string        `json:"scheduled_time"`
	DurationMinutes       int           `json:"duration"`
	RoomName              string        `json:"room_name"`
	CanJoin               bool          `json:"can_join"`
	TimeUntilStartSeconds int           `json:"time_until_start_seconds"`
	ElapsedSeconds        int           `json:"elapsed_seconds"`
	RemainingSeconds      int           `json:"remaining_seconds"`
	StartedAt             string        `json:"started_at"`
	EndedAt               string        `json:"ended_at"`
	Patient               Participant   `json:"patient"`
	Doctor                Participant   `json:"doctor"`
}

// SimTokenPrefix marks a join credential issued by a backend running
// without live video credentials. A token carrying this prefix instructs
// the connection controller to bypass the real transport entirely.
const SimTokenPrefix = "dev_token_"

// JoinCredential is a short-lived authorization to enter one transport
// room. It is obtained once per join attempt and never persisted.
type JoinCredential struct {
	Token       string `json:"token"`
	RoomName    string `json:"room_name"`
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
}

// Simulated reports whether the credential instructs the controller to
// skip the real transport and run in simulation mode.
func (c JoinCredential) Simulated() bool {
	return strings.HasPrefix(c.Token, SimTokenPrefix)
}
