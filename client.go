package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `gesturectl daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus() error {
	resp, err := ipcCall(IPCRequest{Command: "status"})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runScan() error {
	resp, err := ipcCall(IPCRequest{Command: "scan"})
	if err != nil {
		return err
	}
	if len(resp.Devices) == 0 {
		fmt.Println("no matching devices found")
		return nil
	}
	for _, dev := range resp.Devices {
		fmt.Printf("%s\t%s\n", dev.Address, dev.Name)
	}
	return nil
}

// runConnect connects to addr, or with an empty addr falls back to the
// remembered device, or a scan-and-connect if nothing is remembered either.
func runConnect(addr string) error {
	cmd := "connect"
	if addr == "" {
		if resp, err := ipcCall(IPCRequest{Command: "config"}); err == nil &&
			(resp.Config == nil || resp.Config.LastDeviceAddress == nil) {
			cmd = "auto-connect"
		}
	}
	resp, err := ipcCall(IPCRequest{Command: cmd, Address: addr})
	if err != nil {
		return err
	}
	fmt.Printf("connected to %s\n", resp.Address)
	return nil
}

func runDisconnect() error {
	_, err := ipcCall(IPCRequest{Command: "disconnect"})
	if err != nil {
		return err
	}
	fmt.Println("disconnected")
	return nil
}

func runConfig() error {
	resp, err := ipcCall(IPCRequest{Command: "config"})
	if err != nil {
		return err
	}
	return printJSON(resp.Config)
}

func runKeys() error {
	resp, err := ipcCall(IPCRequest{Command: "keys"})
	if err != nil {
		return err
	}
	fmt.Println("modifiers:")
	for _, m := range resp.Modifiers {
		fmt.Printf("  %s\n", m)
	}
	fmt.Println("keys (plus single characters a-z, 0-9):")
	for _, k := range resp.Keys {
		fmt.Printf("  %s\n", k)
	}
	return nil
}

func runBind(gesture, shortcut string) error {
	resp, err := ipcCall(IPCRequest{Command: "set-shortcut", Gesture: gesture, Shortcut: shortcut})
	if err != nil {
		return err
	}
	return printJSON(resp.Config)
}

func runSet(field, value string) error {
	var cmd string
	switch field {
	case "threshold":
		cmd = "set-threshold"
	case "cooldown":
		cmd = "set-cooldown"
	case "auto-reconnect":
		cmd = "set-auto-reconnect"
	default:
		return fmt.Errorf("unknown setting %q (want threshold, cooldown or auto-reconnect)", field)
	}
	resp, err := ipcCall(IPCRequest{Command: cmd, Value: value})
	if err != nil {
		return err
	}
	return printJSON(resp.Config)
}

// runWatch streams daemon events to stdout until interrupted.
func runWatch() error {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return fmt.Errorf("connect to daemon: %w (is `gesturectl daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "watch"}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	dec := json.NewDecoder(conn)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil // daemon went away
		}
		switch ev.Kind {
		case EventStatus:
			fmt.Printf("%s  status   %s\n", ev.Time.Format("15:04:05"), ev.Status)
		case EventGesture:
			fmt.Printf("%s  gesture  %s (%.2f)\n", ev.Time.Format("15:04:05"), ev.Gesture, ev.Confidence)
		case EventAction:
			fmt.Printf("%s  action   %s -> %s\n", ev.Time.Format("15:04:05"), ev.Gesture, ev.Shortcut)
		}
	}
}
