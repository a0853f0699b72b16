package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "gesturectl.sock")
}

type daemon struct {
	cfg    *configStore
	mgr    *linkManager
	disp   *dispatcher
	events chan Event

	mu       sync.Mutex
	watchers map[chan Event]bool
}

func (d *daemon) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case d.events <- ev:
	default:
		log.Printf("event queue full, dropping %s event", ev.Kind)
	}
}

func (d *daemon) emitStatus(state ConnState, detail string) {
	d.emit(Event{Kind: EventStatus, State: state, Status: detail})
}

func (d *daemon) emitGesture(ev GestureEvent) {
	d.emit(Event{Kind: EventGesture, Gesture: ev.Label, Confidence: ev.Confidence})
}

// pump is the single consumer of the event queue. Gesture events feed the
// dispatcher serially, so actions fire in notification-arrival order; every
// event fans out to watch subscribers.
func (d *daemon) pump() {
	for ev := range d.events {
		d.broadcast(ev)
		if ev.Kind != EventGesture {
			continue
		}
		shortcut := d.disp.handle(GestureEvent{Label: ev.Gesture, Confidence: ev.Confidence})
		if shortcut != "" {
			d.broadcast(Event{
				Kind:     EventAction,
				Time:     time.Now(),
				Gesture:  ev.Gesture,
				Shortcut: shortcut,
			})
		}
	}
}

func (d *daemon) broadcast(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop
		}
	}
}

func (d *daemon) addWatcher() chan Event {
	ch := make(chan Event, 32)
	d.mu.Lock()
	d.watchers[ch] = true
	d.mu.Unlock()
	return ch
}

func (d *daemon) removeWatcher(ch chan Event) {
	d.mu.Lock()
	delete(d.watchers, ch)
	d.mu.Unlock()
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		resp := IPCResponse{State: string(d.mgr.currentState())}
		if addr := d.mgr.lastAddress(); addr != "" {
			resp.Address = addr
		}
		return resp

	case "scan":
		devices, err := d.mgr.scan(defaultScanDuration)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		return IPCResponse{Devices: devices}

	case "connect":
		addr := req.Address
		if addr == "" {
			addr = d.cfg.lastDeviceAddress()
		}
		if addr == "" {
			return IPCResponse{Error: "no address given and none remembered; run `gesturectl scan` first"}
		}
		if err := d.mgr.connect(addr); err != nil {
			return IPCResponse{Error: err.Error()}
		}
		d.rememberAddress(addr)
		return IPCResponse{State: string(StateConnected), Address: addr}

	case "auto-connect":
		if err := d.mgr.scanAndConnect(15 * time.Second); err != nil {
			return IPCResponse{Error: err.Error()}
		}
		addr := d.mgr.lastAddress()
		d.rememberAddress(addr)
		return IPCResponse{State: string(StateConnected), Address: addr}

	case "disconnect":
		d.mgr.disconnect()
		return IPCResponse{State: string(StateDisconnected)}

	case "config":
		cfg := d.cfg.snapshot()
		return IPCResponse{Config: &cfg}

	case "keys":
		return IPCResponse{Keys: availableKeys(), Modifiers: availableModifiers()}

	case "set-shortcut":
		if !d.cfg.setShortcut(req.Gesture, req.Shortcut) {
			return IPCResponse{Error: fmt.Sprintf("unknown gesture %q (want left, right, up or down)", req.Gesture)}
		}
		return d.saveConfig()

	case "set-shortcuts":
		if !d.cfg.setShortcuts(req.Shortcuts) {
			return IPCResponse{Error: "mapping contains an unknown gesture"}
		}
		return d.saveConfig()

	case "set-threshold":
		v, err := strconv.ParseFloat(req.Value, 64)
		if err != nil || !d.cfg.setConfidenceThreshold(v) {
			return IPCResponse{Error: fmt.Sprintf("threshold must be a number in [0, 1], got %q", req.Value)}
		}
		return d.saveConfig()

	case "set-cooldown":
		v, err := strconv.ParseFloat(req.Value, 64)
		if err != nil || !d.cfg.setCooldownTime(v) {
			return IPCResponse{Error: fmt.Sprintf("cooldown must be a number in [%.1f, %.1f] seconds, got %q", minCooldown, maxCooldown, req.Value)}
		}
		d.disp.resetCooldown()
		return d.saveConfig()

	case "set-auto-reconnect":
		v, err := strconv.ParseBool(req.Value)
		if err != nil {
			return IPCResponse{Error: fmt.Sprintf("auto-reconnect must be true or false, got %q", req.Value)}
		}
		d.cfg.setAutoReconnect(v)
		d.mgr.setAutoReconnect(v)
		return d.saveConfig()

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (d *daemon) rememberAddress(addr string) {
	d.cfg.setLastDeviceAddress(addr)
	if err := d.cfg.save(); err != nil {
		log.Printf("save config: %v", err)
	}
}

func (d *daemon) saveConfig() IPCResponse {
	if err := d.cfg.save(); err != nil {
		return IPCResponse{Error: "save config: " + err.Error()}
	}
	cfg := d.cfg.snapshot()
	return IPCResponse{Config: &cfg}
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	// watch streams events until the client goes away; everything else is
	// one request, one response.
	if req.Command == "watch" {
		d.streamEvents(conn)
		return
	}

	resp := d.handleRequest(req)
	json.NewEncoder(conn).Encode(resp)
}

func (d *daemon) streamEvents(conn net.Conn) {
	ch := d.addWatcher()
	defer d.removeWatcher(ch)

	enc := json.NewEncoder(conn)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			return
		}
	}
}

func runDaemon() error {
	cfg := newConfigStore(configPath())
	cfg.load()

	keyboard, err := newUinputKeyboard()
	if err != nil {
		return err
	}
	defer keyboard.close()

	bz, err := newBluez()
	if err != nil {
		return err
	}
	defer bz.close()

	d := &daemon{
		cfg:      cfg,
		events:   make(chan Event, 64),
		watchers: make(map[chan Event]bool),
	}
	asm := newReassembler(d.emitGesture)
	d.mgr = newLinkManager(bz, asm, cfg.autoReconnect(), d.emitStatus)
	d.disp = newDispatcher(cfg, keyboard, func(gesture, shortcut string) {
		log.Printf("gesture %q -> %q", gesture, shortcut)
	})
	go d.pump()

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("shutting down")
		ln.Close()
	}()

	log.Printf("listening on %s", sock)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(conn)
	}
}
