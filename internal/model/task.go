package model

import "github.com/google/uuid"

// Task is the queue message published for each uploaded image.
// The queue treats it as opaque bytes; only the producer and the
// workers interpret it.
type Task struct {
	ImageID          uuid.UUID `json:"image_id"`
	FilePath         string    `json:"file_path"`
	OriginalFilename string    `json:"original_filename,omitempty"`
}
