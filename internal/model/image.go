package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrIllegalTransition is returned when an event is not allowed
// for the current image status.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the processing state of an image.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event drives status transitions.
type Event string

const (
	EventStart    Event = "start"    // a worker picked the image up
	EventComplete Event = "complete" // all thumbnails generated
	EventFail     Event = "fail"     // generation or persistence failed
)

// transitions is the closed set of legal status changes. A duplicate
// delivery may re-enter processing, and a failed image may be retried
// when its task is redelivered; a completed image accepts nothing.
var transitions = map[Status]map[Event]Status{
	StatusUploaded: {
		EventStart: StatusProcessing,
	},
	StatusProcessing: {
		EventStart:    StatusProcessing,
		EventComplete: StatusCompleted,
		EventFail:     StatusFailed,
	},
	StatusFailed: {
		EventStart: StatusProcessing,
	},
}

// Transition returns the status that follows s on the given event,
// or ErrIllegalTransition if the event is not allowed.
func (s Status) Transition(e Event) (Status, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, ErrIllegalTransition
	}

	return next, nil
}

// Terminal reports whether no further worker-driven transition applies.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Image is the durable record of one uploaded image.
type Image struct {
	ID               uuid.UUID  `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	OriginalPath     string     `json:"original_path"`
	SizeBytes        int64      `json:"size_bytes"`
	Status           Status     `json:"status"`
	UploadedAt       time.Time  `json:"uploaded_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Thumbnail is one generated derivative of an image. Rows are written
// only by workers after a successful generation and are never updated
// in place, except by replacement on a duplicate delivery.
type Thumbnail struct {
	ImageID          uuid.UUID `json:"image_id"`
	SizeName         string    `json:"size_name"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Path             string    `json:"file_path"`
	SizeBytes        int64     `json:"size_bytes"`
	GenerationTimeMS int64     `json:"generation_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
