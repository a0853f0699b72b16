package main

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is an in-memory link transport.
type fakeLink struct {
	mu              sync.Mutex
	scanResults     []Peripheral
	scanErr         error
	connectErr      error
	connectCalls    int
	disconnectCalls int
	subscribeCalls  int
	connected       bool
	onDrop          func(addr string)
}

func (f *fakeLink) scan(duration time.Duration, target string) ([]Peripheral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanResults, f.scanErr
}

func (f *fakeLink) connect(addr string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLink) disconnect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
	return nil
}

func (f *fakeLink) isConnected(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) subscribe(addr string, onLabel, onConfidence func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	return nil
}

func (f *fakeLink) unsubscribe() {}

func (f *fakeLink) watchDrops(onDrop func(addr string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDrop = onDrop
}

func (f *fakeLink) calls() (connects, disconnects, subscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.disconnectCalls, f.subscribeCalls
}

type linkFixture struct {
	tr  *fakeLink
	mgr *linkManager

	mu       sync.Mutex
	statuses []string
	delays   []time.Duration
	statusCh chan string
}

func newLinkFixture(t *testing.T) *linkFixture {
	t.Helper()
	f := &linkFixture{
		tr:       &fakeLink{},
		statusCh: make(chan string, 128),
	}
	asm := newReassembler(func(GestureEvent) {})
	f.mgr = newLinkManager(f.tr, asm, true, func(state ConnState, detail string) {
		f.mu.Lock()
		f.statuses = append(f.statuses, detail)
		f.mu.Unlock()
		f.statusCh <- detail
	})
	f.mgr.sleep = func(d time.Duration) {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		f.mu.Unlock()
	}
	return f
}

func (f *linkFixture) waitForStatus(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.statusCh:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q; saw %v", want, f.snapshotStatuses())
		}
	}
}

// drainStatuses empties the status channel so a later waitForStatus only
// sees fresh transitions.
func (f *linkFixture) drainStatuses() {
	for {
		select {
		case <-f.statusCh:
		default:
			return
		}
	}
}

func (f *linkFixture) snapshotStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *linkFixture) snapshotDelays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func TestConnectSuccess(t *testing.T) {
	f := newLinkFixture(t)

	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	assert.Equal(t, StateConnected, f.mgr.currentState())
	assert.True(t, f.mgr.isConnected())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", f.mgr.lastAddress())

	connects, _, subscribes := f.tr.calls()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, subscribes)
	// The settle delay runs between connect and subscribe.
	assert.Contains(t, f.snapshotDelays(), settleDelay)
}

func TestConnectRetriesThenFails(t *testing.T) {
	f := newLinkFixture(t)
	f.tr.connectErr = errors.New("le-connection-abort-by-local")

	err := f.mgr.connect("AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.Equal(t, StateFailed, f.mgr.currentState())

	connects, _, _ := f.tr.calls()
	assert.Equal(t, connectAttempts, connects)
	// One inter-attempt delay between each of the three attempts.
	assert.Equal(t, 2, countDelays(f.snapshotDelays(), connectRetryDelay))
	assert.Contains(t, f.snapshotStatuses(), "Connection failed")
}

func countDelays(delays []time.Duration, want time.Duration) int {
	n := 0
	for _, d := range delays {
		if d == want {
			n++
		}
	}
	return n
}

func TestConnectResetsReconnectState(t *testing.T) {
	f := newLinkFixture(t)

	f.mgr.mu.Lock()
	f.mgr.attempts = 3
	f.mgr.reconnectEnabled = false
	f.mgr.mu.Unlock()

	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	f.mgr.mu.Lock()
	defer f.mgr.mu.Unlock()
	assert.Zero(t, f.mgr.attempts)
	assert.True(t, f.mgr.reconnectEnabled)
}

func TestScanPassesThroughScanningState(t *testing.T) {
	f := newLinkFixture(t)
	f.tr.scanResults = []Peripheral{{Address: "AA:BB:CC:DD:EE:FF", Name: "5ClassForwarder"}}

	devices, err := f.mgr.scan(time.Second)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	statuses := f.snapshotStatuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, "Scanning...", statuses[0])
	assert.Equal(t, "Disconnected", statuses[1]) // scan never ends in Scanning
	assert.Equal(t, StateDisconnected, f.mgr.currentState())
}

func TestScanAndConnect(t *testing.T) {
	f := newLinkFixture(t)
	f.tr.scanResults = []Peripheral{{Address: "AA:BB:CC:DD:EE:FF", Name: "5ClassForwarder"}}

	require.NoError(t, f.mgr.scanAndConnect(time.Second))
	assert.Equal(t, StateConnected, f.mgr.currentState())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", f.mgr.lastAddress())
}

func TestScanAndConnectNoDevice(t *testing.T) {
	f := newLinkFixture(t)

	err := f.mgr.scanAndConnect(time.Second)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, f.mgr.currentState())
	assert.Contains(t, f.snapshotStatuses(), "Device not found")
}

func TestDropTriggersReconnect(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	f.drainStatuses()
	f.tr.onDrop("AA:BB:CC:DD:EE:FF")
	f.waitForStatus(t, "Connected")

	assert.True(t, f.mgr.isConnected())
	assert.Contains(t, f.snapshotStatuses(), "Reconnecting (1/5)...")
}

func TestDropForUnknownAddressIgnored(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	f.tr.onDrop("11:22:33:44:55:66")
	assert.Equal(t, StateConnected, f.mgr.currentState())
}

func TestReconnectCapEmitsTerminalStatusOnce(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	// All further connects fail: the loop must stop at the cap.
	f.tr.mu.Lock()
	f.tr.connectErr = errors.New("gone")
	f.tr.connected = false
	f.tr.mu.Unlock()

	f.tr.onDrop("AA:BB:CC:DD:EE:FF")
	f.waitForStatus(t, "Reconnect failed")

	// Give a would-be 6th attempt a moment to (not) appear.
	time.Sleep(50 * time.Millisecond)

	statuses := f.snapshotStatuses()
	assert.Equal(t, 1, count(statuses, "Reconnect failed"))
	for n := 1; n <= maxReconnectAttempts; n++ {
		assert.Equal(t, 1, count(statuses, fmt.Sprintf("Reconnecting (%d/5)...", n)))
	}
	assert.Zero(t, count(statuses, "Reconnecting (6/5)..."))

	// Backoff sequence: min(2^n, 10) seconds for n = 1..5.
	var backoffs []time.Duration
	for _, d := range f.snapshotDelays() {
		if d >= 2*time.Second {
			backoffs = append(backoffs, d)
		}
	}
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	assert.Equal(t, want, backoffs)
}

func TestManualDisconnectDisablesReconnect(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	f.mgr.disconnect()
	assert.Equal(t, StateDisconnected, f.mgr.currentState())
	assert.False(t, f.mgr.isConnected())

	// A late drop signal must not start a reconnect.
	f.tr.onDrop("AA:BB:CC:DD:EE:FF")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, count(f.snapshotStatuses(), "Reconnecting (1/5)..."))
}

func TestSetAutoReconnectOffSuppressesReconnect(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))

	f.mgr.setAutoReconnect(false)
	f.tr.onDrop("AA:BB:CC:DD:EE:FF")
	f.waitForStatus(t, "Disconnected")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, count(f.snapshotStatuses(), "Reconnecting (1/5)..."))
	assert.Equal(t, StateDisconnected, f.mgr.currentState())
}

func TestReconnectDelaySequence(t *testing.T) {
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, reconnectDelay(i+1), "attempt %d", i+1)
	}
}

func TestIsConnectedRequiresTransportAgreement(t *testing.T) {
	f := newLinkFixture(t)
	require.NoError(t, f.mgr.connect("AA:BB:CC:DD:EE:FF"))
	require.True(t, f.mgr.isConnected())

	// Transport silently lost the link: the local flag alone is not
	// enough to report connected.
	f.tr.mu.Lock()
	f.tr.connected = false
	f.tr.mu.Unlock()
	assert.False(t, f.mgr.isConnected())
}
