package capture

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type SessionStatus string

const (
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// Session is one recording attempt and its lifecycle record.
type Session struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Filename string             `bson:"filename" json:"filename"`
	Path     string             `bson:"path" json:"path"`
	Status   SessionStatus      `bson:"status" json:"status"`

	StartTime time.Time  `bson:"start_time" json:"startTime"`
	EndTime   *time.Time `bson:"end_time,omitempty" json:"endTime,omitempty"`
	// Duration in seconds, set once when the session reaches a terminal status.
	Duration *float64 `bson:"duration,omitempty" json:"duration,omitempty"`

	Notes string `bson:"notes" json:"notes"`
	// Error holds the failure detail when Status is "error".
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	Uploaded      bool   `bson:"uploaded" json:"uploaded"`
	RemoteLocator string `bson:"remote_locator,omitempty" json:"remoteLocator,omitempty"`
	UploadError   string `bson:"upload_error,omitempty" json:"uploadError,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

type StartCaptureRequest struct {
	Notes string `json:"notes"`
}

type StartCaptureResponse struct {
	SessionID string    `json:"sessionId"`
	StartTime time.Time `json:"startTime"`
}

type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}
