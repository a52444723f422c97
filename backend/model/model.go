package model

import (
	"context"
	"encoding/json"
)

// Commands sent by peers.
const (
	CommandPlay        = "play"
	CommandPause       = "pause"
	CommandSeek        = "seek"
	CommandChangeMedia = "change-media"
	CommandRequestSync = "request-sync"
)

// Events sent by server.
const (
	EventInitialState = "initial-state"
	EventViewerCount  = "viewer-count"
	EventPlay         = CommandPlay
	EventPause        = CommandPause
	EventSeek         = CommandSeek
	EventVideoChanged = "video-changed"
	EventSyncState    = "sync-state"
	EventError        = "error"
)

type Announcement struct {
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement builds outbound announcement with encoded payload.
func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

// Decode unmarshalls payload into v. Empty payload leaves v untouched.
func (ann Announcement) Decode(v any) error {
	if len(ann.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(ann.Payload, v)
}

type InitialState struct {
	MediaRef    string  `json:"mediaRef"`
	Playing     bool    `json:"playing"`
	Position    float64 `json:"position"`
	ViewerCount int     `json:"viewerCount"`
}

type ViewerCount struct {
	ViewerCount int `json:"viewerCount"`
}

// Transport is inbound play/pause payload. Position is what initiator observed, if reported.
type Transport struct {
	Position *float64 `json:"position,omitempty"`
}

// Position is payload of outbound play/pause and both directions of seek.
type Position struct {
	Position float64 `json:"position"`
}

// Seek is inbound seek payload, position is mandatory.
type Seek struct {
	Position *float64 `json:"position"`
}

type ChangeMedia struct {
	Input string `json:"input"`
}

type VideoChanged struct {
	MediaRef string  `json:"mediaRef"`
	Playing  bool    `json:"playing"`
	Position float64 `json:"position"`
}

type SyncState struct {
	Playing    bool    `json:"playing"`
	Position   float64 `json:"position"`
	ServerTime int64   `json:"serverTime"`
}

type Error struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// Wire connects websocket session with a hub.
// RX carries inbound commands, TX outbound events, Done is closed once peer is gone.
type Wire struct {
	RX    chan Announcement
	TX    chan Announcement
	Done  <-chan struct{}
	close context.CancelFunc
}

// NewWire creates wire that is done when ctx is done or Close is called.
func NewWire(ctx context.Context, txSize int) Wire {
	ctx, cancel := context.WithCancel(ctx)
	return Wire{
		RX:    make(chan Announcement),
		TX:    make(chan Announcement, txSize),
		Done:  ctx.Done(),
		close: cancel,
	}
}

// Close tells connection owner to drop the peer.
func (w Wire) Close() {
	if w.close != nil {
		w.close()
	}
}

// SessionInfo is read-only view of a session served by API.
type SessionInfo struct {
	ID          string  `json:"session_id"`
	MediaRef    string  `json:"media_ref"`
	Playing     bool    `json:"playing"`
	Position    float64 `json:"position"`
	ViewerCount int     `json:"viewer_count"`
	ServerTime  int64   `json:"server_time"`
}
