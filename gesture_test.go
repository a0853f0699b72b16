package main

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confidenceFrame(f float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

func collectGestures() (*[]GestureEvent, func(GestureEvent)) {
	events := &[]GestureEvent{}
	return events, func(ev GestureEvent) { *events = append(*events, ev) }
}

func TestReassemblerEmitsOnLabelWithDefaultConfidence(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	require.Len(t, *events, 1)
	assert.Equal(t, "left", (*events)[0].Label)
	assert.Zero(t, (*events)[0].Confidence)
}

func TestReassemblerStripsPaddingAndWhitespace(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte(" right \x00\x00\x00"))
	require.Len(t, *events, 1)
	assert.Equal(t, "right", (*events)[0].Label)
}

func TestReassemblerConfidenceThenLabel(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onConfidence(confidenceFrame(0.93))
	assert.Empty(t, *events) // no label yet

	r.onLabel([]byte("up"))
	require.Len(t, *events, 1)
	assert.Equal(t, "up", (*events)[0].Label)
	assert.InDelta(t, 0.93, (*events)[0].Confidence, 1e-6)
}

func TestReassemblerStaleConfidenceIsReused(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	r.onConfidence(confidenceFrame(0.8))
	// Next label arrives before its confidence: the previous score rides
	// along. That is the peripheral's split-notification contract.
	r.onLabel([]byte("down"))

	require.Len(t, *events, 3)
	assert.Equal(t, "down", (*events)[2].Label)
	assert.InDelta(t, 0.8, (*events)[2].Confidence, 1e-6)
}

func TestReassemblerConfidenceUpdateReEmits(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	r.onConfidence(confidenceFrame(0.75))

	require.Len(t, *events, 2)
	assert.Equal(t, "left", (*events)[1].Label)
	assert.InDelta(t, 0.75, (*events)[1].Confidence, 1e-6)
}

func TestReassemblerShortConfidenceFrameDropped(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	r.onConfidence([]byte{0x01, 0x02, 0x03}) // undersized

	require.Len(t, *events, 1)
	assert.Zero(t, (*events)[0].Confidence)
}

func TestReassemblerInvalidConfidenceDropped(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	before := len(*events)

	r.onConfidence(confidenceFrame(float32(math.NaN())))
	r.onConfidence(confidenceFrame(1.5))
	r.onConfidence(confidenceFrame(-0.2))
	assert.Len(t, *events, before) // nothing stored, nothing emitted

	r.onConfidence(confidenceFrame(0.9))
	require.Len(t, *events, before+1)
	assert.InDelta(t, 0.9, (*events)[before].Confidence, 1e-6)
}

func TestReassemblerInvalidUTF8Dropped(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte{0xff, 0xfe})
	assert.Empty(t, *events)
}

func TestReassemblerEmptyLabelDoesNotEmit(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("\x00\x00"))
	r.onConfidence(confidenceFrame(0.99))
	assert.Empty(t, *events)
}

func TestReassemblerReset(t *testing.T) {
	events, emit := collectGestures()
	r := newReassembler(emit)

	r.onLabel([]byte("left"))
	r.onConfidence(confidenceFrame(0.9))
	r.reset()

	n := len(*events)
	r.onConfidence(confidenceFrame(0.5))
	assert.Len(t, *events, n) // no pending label after reset
}
