package core

import (
	"encoding/json"
	"time"
)

type BroadcastState string

const (
	BroadcastLive BroadcastState = "live"
	BroadcastVOD  BroadcastState = "VOD"
)

const titleLayout = "2006-01-02 15:04:05 MST"

// BroadcastMessage announces a stream on the public channel. Index and
// Duration are only set on the final VOD message.
type BroadcastMessage struct {
	Owner     string         `json:"owner"`
	Topic     string         `json:"topic"`
	State     BroadcastState `json:"state"`
	MediaType MediaType      `json:"mediatype"`
	Title     string         `json:"title"`
	Timestamp int64          `json:"timestamp"`
	Index     *uint64        `json:"index,omitempty"`
	Duration  *float64       `json:"duration,omitempty"`
}

func (m BroadcastMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeBroadcast(b []byte) (BroadcastMessage, error) {
	var m BroadcastMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// sessionTitle is the human readable start date of a session.
func sessionTitle(t time.Time) string {
	return t.UTC().Format(titleLayout)
}
