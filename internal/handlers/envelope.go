package handlers

import "encoding/json"

// Wire tags. The first four arrive from the client, the last two are sent
// by the server; a tag received in the wrong direction is dropped.
const (
	msgTermOpen    = "term.open"
	msgTermInput   = "term.input"
	msgTermResize  = "term.resize"
	msgTermClose   = "term.close"
	msgShellOutput = "shell.output"
	msgShellExit   = "shell.exit"
)

// envelope is the tagged message carried in each text frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// outboundEnvelope mirrors envelope for serialization with a typed payload.
type outboundEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type openPayload struct {
	ID   string `json:"id"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type inputPayload struct {
	ID    string `json:"id"`
	Input string `json:"input"`
}

type resizePayload struct {
	ID   string `json:"id"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type closePayload struct {
	ID string `json:"id"`
}

type outputPayload struct {
	ID     string `json:"id"`
	Output string `json:"output"`
}

type exitPayload struct {
	ID   string `json:"id"`
	Code *int   `json:"code"`
}
