package application

import (
	"context"
	"fmt"
)

// Meshtastic GATT profile (firmware 2.x).
const (
	MeshServiceUUID = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	ToRadioUUID     = "f75c76d2-129e-4dad-a1dd-7866124401e7"
	FromRadioUUID   = "2c55e69e-4993-11ed-b878-0242ac120002"
	FromNumUUID     = "ed9da18c-a800-4f66-a670-aa7547e34453"
)

// ErrServiceNotFound is returned by BLEPeer.Discover when the peer lacks the
// requested service or one of the requested characteristics.
var ErrServiceNotFound = fmt.Errorf("gatt service not found")

type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// BLEDriver is the central-role BLE stack. Scan blocks until ctx is done or
// the scan fails. Connect blocks until the link is up, fails, or ctx is done;
// onDisconnect is called at most once when an established link drops.
type BLEDriver interface {
	Scan(ctx context.Context, found func(adv Advertisement)) error
	Connect(ctx context.Context, address string, onDisconnect func()) (BLEPeer, error)
}

type BLEPeer interface {
	Address() string
	// Discover returns the requested characteristics of service keyed by the
	// UUID strings given.
	Discover(ctx context.Context, service string, characteristics ...string) (map[string]GATTCharacteristic, error)
	Disconnect() error
}

type GATTCharacteristic interface {
	EnableNotifications(handler func(data []byte)) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	MTU() (uint16, error)
}
