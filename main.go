package main

import (
	"fmt"
	"os"
)

const usage = `usage: gesturectl <command>

commands:
  daemon                      run the bridge daemon
  status                      show link state
  scan                        scan for the gesture peripheral
  connect [address]           connect (remembered device if no address)
  disconnect                  disconnect and stop auto-reconnect
  watch                       stream status/gesture/action events
  config                      print the current configuration
  bind <gesture> <shortcut>   bind a gesture (left|right|up|down) to a shortcut
  set <setting> <value>       change threshold, cooldown or auto-reconnect
  keys                        list recognized key and modifier names`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		err = runDaemon()
	case "status":
		err = runStatus()
	case "scan":
		err = runScan()
	case "connect":
		addr := ""
		if len(os.Args) > 2 {
			addr = os.Args[2]
		}
		err = runConnect(addr)
	case "disconnect":
		err = runDisconnect()
	case "watch":
		err = runWatch()
	case "config":
		err = runConfig()
	case "bind":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: gesturectl bind <gesture> <shortcut>")
			os.Exit(1)
		}
		err = runBind(os.Args[2], os.Args[3])
	case "set":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: gesturectl set <threshold|cooldown|auto-reconnect> <value>")
			os.Exit(1)
		}
		err = runSet(os.Args[2], os.Args[3])
	case "keys":
		err = runKeys()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
