package main

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Name substring advertised by the gesture peripheral.
const targetNameSubstr = "5ClassForwarder"

const (
	defaultScanDuration = 10 * time.Second

	connectAttempts       = 3
	connectRetryDelay     = 1 * time.Second
	connectAttemptTimeout = 20 * time.Second // consumer radios are slow to establish
	settleDelay           = 500 * time.Millisecond

	maxReconnectAttempts = 5
	maxReconnectDelay    = 10 * time.Second
)

// reconnectDelay is the backoff before reconnect attempt n (1-based):
// min(2^n, 10) seconds.
func reconnectDelay(n int) time.Duration {
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// linkManager owns the wireless link: scanning, connect/disconnect,
// notification subscription, disconnect detection and auto-reconnect.
// Operations that touch the radio are serialized on opMu; opMu is never
// held while sleeping in the reconnect backoff.
type linkManager struct {
	tr       link
	asm      *reassembler
	onStatus func(state ConnState, detail string)

	opMu sync.Mutex // serializes scan/connect/disconnect

	mu               sync.Mutex
	state            ConnState
	connected        bool
	lastAddr         string
	reconnectEnabled bool // per-session flag, cleared by manual disconnect
	autoReconnect    bool // runtime toggle from config
	attempts         int
	reconnecting     bool

	sleep func(time.Duration) // stubbed in tests
}

func newLinkManager(tr link, asm *reassembler, autoReconnect bool, onStatus func(ConnState, string)) *linkManager {
	m := &linkManager{
		tr:               tr,
		asm:              asm,
		onStatus:         onStatus,
		state:            StateDisconnected,
		reconnectEnabled: true,
		autoReconnect:    autoReconnect,
		sleep:            time.Sleep,
	}
	tr.watchDrops(m.handleDrop)
	return m
}

func (m *linkManager) setState(state ConnState, detail string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	if m.onStatus != nil {
		m.onStatus(state, detail)
	}
}

func (m *linkManager) currentState() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// isConnected requires both the local flag and the transport's view to
// agree, so a silent drop never reads as connected.
func (m *linkManager) isConnected() bool {
	m.mu.Lock()
	local, addr := m.connected, m.lastAddr
	m.mu.Unlock()
	return local && addr != "" && m.tr.isConnected(addr)
}

func (m *linkManager) lastAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAddr
}

// scan discovers peripherals matching the target name. The state machine
// passes through Scanning and always settles back on the real link state.
func (m *linkManager) scan(duration time.Duration) ([]Peripheral, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.scanLocked(duration)
}

func (m *linkManager) scanLocked(duration time.Duration) ([]Peripheral, error) {
	m.setState(StateScanning, "Scanning...")
	devices, err := m.tr.scan(duration, targetNameSubstr)
	if m.isConnected() {
		m.setState(StateConnected, "Connected")
	} else {
		m.setState(StateDisconnected, "Disconnected")
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	log.Printf("link: scan found %d target device(s)", len(devices))
	return devices, nil
}

// scanAndConnect discovers the target peripheral and connects to the first
// match. Discovery is bounded by timeout.
func (m *linkManager) scanAndConnect(timeout time.Duration) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.setState(StateScanning, "Scanning & Connecting...")
	devices, err := m.tr.scan(timeout, targetNameSubstr)
	if err != nil {
		m.setState(StateDisconnected, "Device not found")
		return fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		m.setState(StateDisconnected, "Device not found")
		return fmt.Errorf("no device matching %q found", targetNameSubstr)
	}
	log.Printf("link: found %s [%s]", devices[0].Name, devices[0].Address)
	return m.connectLocked(devices[0].Address)
}

// connect establishes a connection with retries and subscribes to the
// gesture notifications.
func (m *linkManager) connect(addr string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connectLocked(addr)
}

func (m *linkManager) connectLocked(addr string) error {
	// Tear down any existing connection first, best-effort.
	m.mu.Lock()
	prev, wasConnected := m.lastAddr, m.connected
	m.lastAddr = addr
	m.connected = false
	m.mu.Unlock()
	if wasConnected && prev != "" {
		m.tr.unsubscribe()
		if err := m.tr.disconnect(prev); err != nil {
			log.Printf("link: teardown of %s: %v", prev, err)
		}
	}

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		m.setState(StateConnecting, fmt.Sprintf("Connecting (%d/%d)...", attempt, connectAttempts))

		err := m.tr.connect(addr, connectAttemptTimeout)
		if err == nil {
			// Subscribing immediately after connect is unreliable on
			// some stacks; give the link a moment to settle.
			m.sleep(settleDelay)
			err = m.tr.subscribe(addr, m.asm.onLabel, m.asm.onConfidence)
			if err == nil {
				m.mu.Lock()
				m.connected = true
				m.attempts = 0
				m.reconnectEnabled = true
				m.mu.Unlock()
				m.setState(StateConnected, "Connected")
				log.Printf("link: connected to %s", addr)
				return nil
			}
		}
		log.Printf("link: attempt %d/%d failed: %v", attempt, connectAttempts, err)
		if derr := m.tr.disconnect(addr); derr != nil {
			log.Printf("link: cleanup disconnect: %v", derr)
		}
		if attempt < connectAttempts {
			m.sleep(connectRetryDelay)
		}
	}

	m.setState(StateFailed, "Connection failed")
	return fmt.Errorf("connect to %s: all %d attempts failed", addr, connectAttempts)
}

// disconnect is user-initiated. Reconnect is disabled before the link goes
// down so the drop handler cannot race into an unwanted auto-reconnect, and
// the local flag clears even if the teardown call errors.
func (m *linkManager) disconnect() {
	m.mu.Lock()
	m.reconnectEnabled = false
	addr := m.lastAddr
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.tr.unsubscribe()
	if addr != "" {
		if err := m.tr.disconnect(addr); err != nil {
			log.Printf("link: disconnect: %v", err)
		}
	}
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.asm.reset()
	m.setState(StateDisconnected, "Disconnected")
}

// setAutoReconnect toggles the runtime reconnect policy, independent of the
// per-session flag cleared by manual disconnect.
func (m *linkManager) setAutoReconnect(enabled bool) {
	m.mu.Lock()
	m.autoReconnect = enabled
	m.mu.Unlock()
}

// handleDrop runs on the transport's signal goroutine when the link goes
// down unexpectedly. It must not block, so the reconnect loop runs on its
// own goroutine.
func (m *linkManager) handleDrop(addr string) {
	m.mu.Lock()
	if addr != m.lastAddr || !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	start := m.reconnectEnabled && m.autoReconnect && m.lastAddr != "" && !m.reconnecting
	if start {
		m.reconnecting = true
	}
	m.mu.Unlock()

	log.Printf("link: device %s disconnected", addr)
	m.asm.reset()
	m.setState(StateDisconnected, "Disconnected")

	if start {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries the last address with exponential backoff until it
// succeeds, reconnect is disabled, or the attempt cap is hit. Reaching the
// cap emits the terminal status exactly once; a later manual connect resets
// the counter.
func (m *linkManager) reconnectLoop() {
	for {
		m.mu.Lock()
		if m.connected || !m.reconnectEnabled || !m.autoReconnect || m.lastAddr == "" {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		if m.attempts >= maxReconnectAttempts {
			m.reconnecting = false
			m.mu.Unlock()
			m.setState(StateFailed, "Reconnect failed")
			log.Printf("link: giving up after %d reconnect attempts", maxReconnectAttempts)
			return
		}
		m.attempts++
		n := m.attempts
		addr := m.lastAddr
		m.mu.Unlock()

		m.setState(StateReconnecting, fmt.Sprintf("Reconnecting (%d/%d)...", n, maxReconnectAttempts))
		m.sleep(reconnectDelay(n))

		// A manual disconnect may have landed during the backoff; check
		// again before touching the radio.
		m.mu.Lock()
		if m.connected || !m.reconnectEnabled || !m.autoReconnect {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.connect(addr); err == nil {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
	}
}
