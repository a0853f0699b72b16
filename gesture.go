package main

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

// reassembler merges the peripheral's two notification streams into gesture
// events. The firmware reports the label and the confidence score on
// separate characteristics with independent timing, so both arrivals land
// here and an event fires whenever a label is pending. Confidence may lag a
// cycle behind the label; that is the peripheral's contract, not something
// to repair here (it defaults to 0.0 until the first confidence frame).
type reassembler struct {
	mu         sync.Mutex
	label      string
	confidence float64
	emit       func(GestureEvent)
}

func newReassembler(emit func(GestureEvent)) *reassembler {
	return &reassembler{emit: emit}
}

// onLabel handles a prediction notification: UTF-8 text, possibly padded
// with trailing NULs. Invalid UTF-8 is a malformed frame and is dropped.
func (r *reassembler) onLabel(data []byte) {
	if !utf8.Valid(data) {
		return
	}
	label := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))

	r.mu.Lock()
	r.label = label
	r.mu.Unlock()
	r.tryEmit()
}

// onConfidence handles a confidence notification: a little-endian IEEE-754
// float32. Short frames are dropped silently; NaN or out-of-range values
// are decode failures, never clamped and forwarded.
func (r *reassembler) onConfidence(data []byte) {
	if len(data) < 4 {
		return
	}
	c := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[:4])))
	if math.IsNaN(c) || c < 0.0 || c > 1.0 {
		return
	}

	r.mu.Lock()
	r.confidence = c
	r.mu.Unlock()
	r.tryEmit()
}

// tryEmit fires an event if a label is pending. The pending state is not
// cleared: a repeated label notification re-emits with whatever confidence
// is current.
func (r *reassembler) tryEmit() {
	r.mu.Lock()
	ev := GestureEvent{Label: r.label, Confidence: r.confidence}
	r.mu.Unlock()
	if ev.Label == "" {
		return
	}
	r.emit(ev)
}

// reset clears the pending state, used when a connection is torn down so a
// stale label does not leak into the next session.
func (r *reassembler) reset() {
	r.mu.Lock()
	r.label = ""
	r.confidence = 0.0
	r.mu.Unlock()
}
