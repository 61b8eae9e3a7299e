package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// BoundingBox is an axis-aligned box in server pixel coordinates.
// Invariant: X1 < X2 and Y1 < Y2.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one recognized object as reported by the inference service.
// Immutable once decoded for a given frame.
type Detection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Position   string      `json:"position"`
	Distance   string      `json:"distance"`
	IsPriority bool        `json:"isPriority"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionResponse mirrors the JSON body returned by the inference
// service. Every field is optional on the wire; absent fields decode to
// zero values.
type DetectionResponse struct {
	Alert       string      `json:"alert"`
	Alerts      []string    `json:"alerts"`
	Objects     []string    `json:"objects"`
	Detections  []Detection `json:"detections"`
	FrameWidth  int         `json:"frameWidth"`
	FrameHeight int         `json:"frameHeight"`
}

// Meta returns the frame pixel space the bounding boxes refer to.
func (r *DetectionResponse) Meta() FrameMeta {
	return FrameMeta{Width: r.FrameWidth, Height: r.FrameHeight}
}

// FrameMeta describes the pixel space of a server response. The core
// passes it through untouched; only the presentation layer scales with it.
type FrameMeta struct {
	Width  int `json:"frameWidth"`
	Height int `json:"frameHeight"`
}

// ConnectionStatus is the authoritative connection state of the stream.
type ConnectionStatus int

const (
	StatusConnecting ConnectionStatus = iota
	StatusConnected
	StatusError
)

// String returns the lowercase wire name of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its string name.
func (s ConnectionStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a status from its string name, rejecting
// unknown names with an error.
func (s *ConnectionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "connecting":
		*s = StatusConnecting
	case "connected":
		*s = StatusConnected
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("unknown connection status %q", name)
	}
	return nil
}

// Snapshot is the read-only state published to the presentation layer
// after each completed loop iteration. Consumers must not mutate it.
type Snapshot struct {
	SessionID           string           `json:"session_id"`
	Detections          []Detection      `json:"detections"`
	FrameMeta           FrameMeta        `json:"frame_meta"`
	AlertText           string           `json:"alert_text"`
	Status              ConnectionStatus `json:"connection_status"`
	Running             bool             `json:"running"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	UpdatedAt           time.Time        `json:"updated_at"`
}
