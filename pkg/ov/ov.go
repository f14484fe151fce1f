package ov

import (
	"time"
)

// PhotoResult is the body of POST /camera/take_photo.
type PhotoResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
}

type Record struct {
	Duration time.Duration `form:"duration" json:"duration"`
}

type RecordResult struct {
	Filename string `json:"filename"`
	Frames   int    `json:"frames"`
	Size     string `json:"size"`
}
