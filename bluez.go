package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.bluez"
	adapterPath   = "/org/bluez/hci0"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	gattCharIface = "org.bluez.GattCharacteristic1"
	objMgrIface   = "org.freedesktop.DBus.ObjectManager"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsSignal   = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// GATT UUIDs from the peripheral firmware. Lowercase: BlueZ reports them
// that way.
const (
	gestureServiceUUID = "19b10010-e8f2-537e-4f6c-d104768a1214"
	predictionUUID     = "19b10011-e8f2-537e-4f6c-d104768a1214"
	confidenceUUID     = "19b10012-e8f2-537e-4f6c-d104768a1214"
)

const servicesResolvedTimeout = 15 * time.Second

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	mac := s[len(prefix):]
	if i := strings.Index(mac, "/"); i >= 0 {
		mac = mac[:i]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// link is the wireless transport the connection manager drives. bluez is
// the production implementation; tests substitute a fake.
type link interface {
	scan(duration time.Duration, target string) ([]Peripheral, error)
	connect(addr string, timeout time.Duration) error
	disconnect(addr string) error
	isConnected(addr string) bool
	subscribe(addr string, onLabel, onConfidence func([]byte)) error
	unsubscribe()
	watchDrops(onDrop func(addr string))
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn *dbus.Conn

	mu           sync.Mutex
	labelPath    dbus.ObjectPath
	confPath     dbus.ObjectPath
	onLabel      func([]byte)
	onConfidence func([]byte)
	onDrop       func(addr string)
}

func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus — is bluetooth.service running?")
	}

	b := &bluez{conn: conn}

	conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	go b.dispatchSignals(sigCh)

	return b, nil
}

func (b *bluez) close() {
	b.conn.Close()
}

// --- property helpers ---

func (b *bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bluez) getString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func (b *bluez) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := b.conn.Object(busName, "/").Call(objMgrIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("get managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("parse managed objects: %w", err)
	}
	return objects, nil
}

// --- scanning ---

// scan runs LE discovery for the given duration and returns devices whose
// Name or Alias contains target, deduplicated by address. Peripherals may
// carry the identifying string in either property, so both are checked.
func (b *bluez) scan(duration time.Duration, target string) ([]Peripheral, error) {
	adapter := b.conn.Object(busName, adapterPath)

	powered, err := b.getBool(adapterPath, adapterIface, "Powered")
	if err != nil {
		return nil, fmt.Errorf("read adapter state: %w", err)
	}
	if !powered {
		return nil, fmt.Errorf("adapter %s is not powered", adapterPath)
	}

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter)

	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		// Discovery may already be running; cached devices still count.
		log.Printf("bluez: StartDiscovery: %v (checking cached devices)", call.Err)
	} else {
		time.Sleep(duration)
		adapter.Call(adapterIface+".StopDiscovery", 0)
	}

	objects, err := b.managedObjects()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var devices []Peripheral
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), adapterPath+"/") {
			continue
		}
		name := b.getString(props, "Name")
		alias := b.getString(props, "Alias")
		if !strings.Contains(name, target) && !strings.Contains(alias, target) {
			continue
		}
		addr := b.getString(props, "Address")
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if name == "" {
			name = alias
		}
		devices = append(devices, Peripheral{Address: addr, Name: name})
	}
	return devices, nil
}

// --- connection ---

func (b *bluez) connect(addr string, timeout time.Duration) error {
	path := deviceObjectPath(addr)
	device := b.conn.Object(busName, path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if call := device.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		return fmt.Errorf("connect %s: %w", addr, call.Err)
	}

	connected, err := b.getBool(path, deviceIface, "Connected")
	if err != nil || !connected {
		return fmt.Errorf("device %s did not confirm connection", addr)
	}
	return nil
}

func (b *bluez) disconnect(addr string) error {
	device := b.conn.Object(busName, deviceObjectPath(addr))
	if call := device.Call(deviceIface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("disconnect %s: %w", addr, call.Err)
	}
	return nil
}

func (b *bluez) isConnected(addr string) bool {
	connected, err := b.getBool(deviceObjectPath(addr), deviceIface, "Connected")
	return err == nil && connected
}

// --- notifications ---

// waitServicesResolved polls until BlueZ finishes GATT discovery for the
// device.
func (b *bluez) waitServicesResolved(addr string) error {
	path := deviceObjectPath(addr)
	deadline := time.Now().Add(servicesResolvedTimeout)
	for {
		resolved, err := b.getBool(path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service discovery timed out for %s", addr)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// subscribe resolves the prediction and confidence characteristics under
// the device and starts notifications on both.
func (b *bluez) subscribe(addr string, onLabel, onConfidence func([]byte)) error {
	if err := b.waitServicesResolved(addr); err != nil {
		return err
	}

	objects, err := b.managedObjects()
	if err != nil {
		return err
	}

	devicePrefix := string(deviceObjectPath(addr)) + "/"
	var labelPath, confPath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		switch strings.ToLower(b.getString(props, "UUID")) {
		case predictionUUID:
			labelPath = path
		case confidenceUUID:
			confPath = path
		}
	}
	if labelPath == "" {
		return fmt.Errorf("prediction characteristic not found on %s", addr)
	}
	if confPath == "" {
		return fmt.Errorf("confidence characteristic not found on %s", addr)
	}

	for _, path := range []dbus.ObjectPath{labelPath, confPath} {
		obj := b.conn.Object(busName, path)
		if call := obj.Call(gattCharIface+".StartNotify", 0); call.Err != nil {
			return fmt.Errorf("start notify on %s: %w", path, call.Err)
		}
	}

	b.mu.Lock()
	b.labelPath = labelPath
	b.confPath = confPath
	b.onLabel = onLabel
	b.onConfidence = onConfidence
	b.mu.Unlock()

	log.Printf("bluez: subscribed to notifications on %s", addr)
	return nil
}

// unsubscribe stops notifications best-effort and clears the routing state.
func (b *bluez) unsubscribe() {
	b.mu.Lock()
	labelPath, confPath := b.labelPath, b.confPath
	b.labelPath, b.confPath = "", ""
	b.onLabel, b.onConfidence = nil, nil
	b.mu.Unlock()

	for _, path := range []dbus.ObjectPath{labelPath, confPath} {
		if path == "" {
			continue
		}
		b.conn.Object(busName, path).Call(gattCharIface+".StopNotify", 0)
	}
}

func (b *bluez) watchDrops(onDrop func(addr string)) {
	b.mu.Lock()
	b.onDrop = onDrop
	b.mu.Unlock()
}

// dispatchSignals routes PropertiesChanged signals: characteristic Value
// updates go to the notification handlers, a device Connected=false goes to
// the drop handler.
func (b *bluez) dispatchSignals(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		if sig.Name != propsSignal || len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		switch iface {
		case gattCharIface:
			valueVar, ok := changed["Value"]
			if !ok {
				continue
			}
			value, ok := valueVar.Value().([]byte)
			if !ok {
				continue
			}
			b.mu.Lock()
			var handler func([]byte)
			switch sig.Path {
			case b.labelPath:
				handler = b.onLabel
			case b.confPath:
				handler = b.onConfidence
			}
			b.mu.Unlock()
			if handler != nil {
				handler(value)
			}

		case deviceIface:
			connVar, ok := changed["Connected"]
			if !ok {
				continue
			}
			if connected, ok := connVar.Value().(bool); !ok || connected {
				continue
			}
			mac := macFromPath(sig.Path)
			b.mu.Lock()
			onDrop := b.onDrop
			b.mu.Unlock()
			if mac != "" && onDrop != nil {
				onDrop(mac)
			}
		}
	}
}
