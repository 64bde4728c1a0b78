package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"meshtastic-ble-mqtt/application"
)

const stopScanRetry = 100 * time.Millisecond

var (
	ErrBLEUnknownAddress = fmt.Errorf("address not seen in scan")
	ErrBLEReadOverflow   = fmt.Errorf("characteristic value exceeds buffer")
)

type BLEDriverParams struct {
	Adapter *bluetooth.Adapter

	Log zerolog.Logger
}

func (p *BLEDriverParams) EnsureDefaults() {
	if p.Adapter == nil {
		p.Adapter = bluetooth.DefaultAdapter
	}
}

// BLEDriver implements application.BLEDriver on top of the host adapter.
type BLEDriver struct {
	params BLEDriverParams

	adapter *bluetooth.Adapter

	// addresses caches scan results; a bluetooth.Address cannot be rebuilt
	// from its string form on every platform.
	addresses   map[string]bluetooth.Address
	disconnects map[string]func()
	mu          sync.Mutex

	log zerolog.Logger
}

func NewBLEDriver(params BLEDriverParams) (*BLEDriver, error) {
	params.EnsureDefaults()

	if err := params.Adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	d := newBLEDriver(params)
	params.Adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d.onConnectionChange(device.Address.String(), connected)
	})
	return d, nil
}

func newBLEDriver(params BLEDriverParams) *BLEDriver {
	return &BLEDriver{
		params:      params,
		adapter:     params.Adapter,
		addresses:   make(map[string]bluetooth.Address),
		disconnects: make(map[string]func()),
		log:         params.Log,
	}
}

func (d *BLEDriver) Scan(ctx context.Context, found func(adv application.Advertisement)) error {
	stop := make(chan struct{})
	defer close(stop)

	// StopScan fails when the scan has not started yet, so keep trying until
	// Scan returns.
	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
		}
		for {
			_ = d.adapter.StopScan()
			select {
			case <-stop:
				return
			case <-time.After(stopScanRetry):
			}
		}
	}()

	err := d.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		address := result.Address.String()
		d.remember(address, result.Address)

		found(application.Advertisement{
			Address: address,
			Name:    result.LocalName(),
			RSSI:    result.RSSI,
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *BLEDriver) Connect(ctx context.Context, address string, onDisconnect func()) (application.BLEPeer, error) {
	d.mu.Lock()
	addr, ok := d.addresses[address]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBLEUnknownAddress, address)
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{device: device, err: err}
	}()

	select {
	case <-ctx.Done():
		// the connect may still complete; release it when it does
		go func() {
			if r := <-done; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		d.watch(address, onDisconnect)
		return &blePeer{driver: d, device: r.device, address: address}, nil
	}
}

func (d *BLEDriver) remember(address string, addr bluetooth.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[address] = addr
}

func (d *BLEDriver) watch(address string, onDisconnect func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if onDisconnect == nil {
		delete(d.disconnects, address)
		return
	}
	d.disconnects[address] = onDisconnect
}

// onConnectionChange fires the disconnect callback of address at most once.
func (d *BLEDriver) onConnectionChange(address string, connected bool) {
	d.log.Debug().Str("address", address).Bool("connected", connected).Msg("connection change")
	if connected {
		return
	}

	d.mu.Lock()
	fn := d.disconnects[address]
	delete(d.disconnects, address)
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

var _ application.BLEDriver = &BLEDriver{}

type blePeer struct {
	driver  *BLEDriver
	device  bluetooth.Device
	address string
}

func (p *blePeer) Address() string {
	return p.address
}

// Discover maps every discovery failure onto application.ErrServiceNotFound;
// the host stack does not tell a missing service from a failed lookup.
func (p *blePeer) Discover(ctx context.Context, service string, characteristics ...string) (map[string]application.GATTCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(service)
	if err != nil {
		return nil, fmt.Errorf("service uuid %q: %w", service, err)
	}
	charUUIDs := make([]bluetooth.UUID, 0, len(characteristics))
	for _, c := range characteristics {
		u, err := bluetooth.ParseUUID(c)
		if err != nil {
			return nil, fmt.Errorf("characteristic uuid %q: %w", c, err)
		}
		charUUIDs = append(charUUIDs, u)
	}

	type result struct {
		found map[string]application.GATTCharacteristic
		err   error
	}
	done := make(chan result, 1)
	go func() {
		found, err := p.discover(serviceUUID, charUUIDs)
		done <- result{found: found, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		for _, c := range characteristics {
			if _, ok := r.found[strings.ToLower(c)]; !ok {
				return nil, fmt.Errorf("%w: characteristic %s", application.ErrServiceNotFound, c)
			}
		}
		return r.found, nil
	}
}

func (p *blePeer) discover(serviceUUID bluetooth.UUID, charUUIDs []bluetooth.UUID) (map[string]application.GATTCharacteristic, error) {
	services, err := p.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", application.ErrServiceNotFound, serviceUUID.String(), err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: %s", application.ErrServiceNotFound, serviceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics(charUUIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: characteristics: %w", application.ErrServiceNotFound, err)
	}

	found := make(map[string]application.GATTCharacteristic, len(chars))
	for _, c := range chars {
		found[strings.ToLower(c.UUID().String())] = &bleCharacteristic{char: c}
	}
	return found, nil
}

func (p *blePeer) Disconnect() error {
	p.driver.watch(p.address, nil)
	return p.device.Disconnect()
}

var _ application.BLEPeer = &blePeer{}

type bleCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bleCharacteristic) EnableNotifications(handler func(data []byte)) error {
	return c.char.EnableNotifications(handler)
}

// Read reads the value into p. The driver reports the full value length
// even when only len(p) bytes were copied, so a longer value is an error.
func (c *bleCharacteristic) Read(p []byte) (int, error) {
	return checkRead(p, c.char.Read)
}

// Write uses write-without-response, the only write call tinygo offers on
// every platform. BlueZ picks the ATT procedure from the characteristic's
// properties.
func (c *bleCharacteristic) Write(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}

func (c *bleCharacteristic) MTU() (uint16, error) {
	return c.char.GetMTU()
}

var _ application.GATTCharacteristic = &bleCharacteristic{}

func checkRead(p []byte, read func(p []byte) (int, error)) (int, error) {
	n, err := read(p)
	if err != nil {
		return 0, err
	}
	if n > len(p) {
		return 0, fmt.Errorf("%w: value of %d bytes, buffer of %d", ErrBLEReadOverflow, n, len(p))
	}
	return n, nil
}
