package types

import (
	"time"

	"pi-camera-stream/pkg/utils/ps"
)

type File struct {
	Name    string    `json:"name"`
	Size    string    `json:"size"`
	ModTime time.Time `json:"modTime"`
}

type DeviceStatus struct {
	State         string     `json:"state"`
	Viewers       int        `json:"viewers"`
	Generation    uint64     `json:"generation"`
	LastFrame     *time.Time `json:"lastFrame,omitempty"`
	LastFrameSize string     `json:"lastFrameSize,omitempty"`
	Webdav        bool       `json:"webdav"`

	CPU    *ps.CPU    `json:"cpu,omitempty"`
	Memory *ps.Memory `json:"memory,omitempty"`
	Disk   *ps.Disk   `json:"disk,omitempty"`
}
