package models

import "time"

// SessionState represents where an upload session is in its lifecycle.
type SessionState string

const (
	SessionStateEmpty      SessionState = "empty"
	SessionStateFileChosen SessionState = "file_chosen"
	SessionStateConverting SessionState = "converting"
	SessionStatePreviewed  SessionState = "previewed"
	SessionStateAnalyzing  SessionState = "analyzing"
	SessionStateCompleted  SessionState = "completed"
	SessionStateFailed     SessionState = "failed"
)

// Settled reports whether a file is selected and no work is pending for it.
func (s SessionState) Settled() bool {
	switch s {
	case SessionStatePreviewed, SessionStateCompleted, SessionStateFailed:
		return true
	}
	return false
}

// SessionSnapshot is a point-in-time view of an upload session.
type SessionSnapshot struct {
	ID                 string       `json:"id"`
	State              SessionState `json:"state"`
	FileName           string       `json:"fileName,omitempty"`
	MediaType          string       `json:"mediaType,omitempty"`
	FileSize           int64        `json:"fileSize,omitempty"`
	PreviewID          string       `json:"previewId,omitempty"`
	PreviewMediaType   string       `json:"previewMediaType,omitempty"`
	PreviewUnavailable bool         `json:"previewUnavailable,omitempty"`
	Busy               bool         `json:"busy"`
	Outcome            *Outcome     `json:"outcome,omitempty"`
	Error              string       `json:"error,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}
