package hub

import "encoding/json"

// Client→server message types.
const (
	MsgPasskeySubmitted = "passkey:submitted"
	MsgTerminalWrite    = "terminal:write"
	MsgTerminalResize   = "terminal:resize"
	MsgFileChange       = "file:change"
)

// Server→client message types.
const (
	MsgRequestPasskey  = "request:passkey"
	MsgPasskeyAccepted = "passkey:accepted"
	MsgPasskeyExists   = "passkey:exists"
	MsgPasskeyError    = "passkey:error"
	MsgSessionToken    = "session:token"
	MsgTerminalData    = "terminal:data"
	MsgFileRefresh     = "file:refresh"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FileChange is the payload of a file:change message.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TerminalResize is the payload of a terminal:resize message.
type TerminalResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}
