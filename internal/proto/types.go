package proto

import "time"

type H map[string]interface{}

// StreamEvent is the envelope pushed to daemon websocket subscribers.
type StreamEvent struct {
	Event string      `json:"event"`
	At    time.Time   `json:"at,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}
