package main

import "time"

// ConnState represents the state of the link to the gesture peripheral.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateScanning     ConnState = "scanning"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Peripheral is a device discovered during a scan.
type Peripheral struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// GestureEvent is one reassembled gesture report from the peripheral.
type GestureEvent struct {
	Label      string
	Confidence float64
}

// EventKind tags entries on the daemon's event stream.
type EventKind string

const (
	EventStatus  EventKind = "status"  // link state changed
	EventGesture EventKind = "gesture" // gesture received from the peripheral
	EventAction  EventKind = "action"  // shortcut actually fired
)

// Event is one entry on the daemon's event stream, delivered to `watch`
// clients. Exactly one of the payload groups is set depending on Kind.
type Event struct {
	Kind       EventKind `json:"kind"`
	Time       time.Time `json:"time"`
	State      ConnState `json:"state,omitempty"`
	Status     string    `json:"status,omitempty"`
	Gesture    string    `json:"gesture,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Shortcut   string    `json:"shortcut,omitempty"`
}

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command   string            `json:"command"`
	Address   string            `json:"address,omitempty"`   // connect
	Gesture   string            `json:"gesture,omitempty"`   // set-shortcut
	Shortcut  string            `json:"shortcut,omitempty"`  // set-shortcut
	Shortcuts map[string]string `json:"shortcuts,omitempty"` // set-shortcuts
	Value     string            `json:"value,omitempty"`     // set-threshold, set-cooldown, set-auto-reconnect
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	State     string       `json:"state,omitempty"`
	Address   string       `json:"address,omitempty"`
	Devices   []Peripheral `json:"devices,omitempty"`
	Config    *Config      `json:"config,omitempty"`
	Keys      []string     `json:"keys,omitempty"`
	Modifiers []string     `json:"modifiers,omitempty"`
	Error     string       `json:"error,omitempty"`
}
