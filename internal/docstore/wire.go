package docstore

import (
	"encoding/json"
	"io"
)

// Relay frame ops.
const (
	OpPing      = "ping"
	OpGet       = "get"
	OpSet       = "set"
	OpWatchDoc  = "watch_doc"
	OpWatchColl = "watch_coll"
	OpUnwatch   = "unwatch"
	OpResult    = "result"
	OpSnapshot  = "snapshot"
)

// Frame is one websocket message between a Remote and a relay server.
type Frame struct {
	Op       string         `json:"op"`
	ID       string         `json:"id,omitempty"`
	Sub      string         `json:"sub,omitempty"`
	Ref      *Ref           `json:"ref,omitempty"`
	Path     string         `json:"path,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Docs     []Document     `json:"docs,omitempty"`
	Error    string         `json:"error,omitempty"`
	NotFound bool           `json:"not_found,omitempty"`
}

// DecodeFrame reads one frame keeping numbers as json.Number.
func DecodeFrame(r io.Reader) (Frame, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var f Frame
	err := dec.Decode(&f)
	return f, err
}
