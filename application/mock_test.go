package application

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockLink struct {
	mock.Mock
}

func (m *MockLink) StartScan() {
	m.Called()
}

func (m *MockLink) Connect(adv Advertisement) {
	m.Called(adv)
}

func (m *MockLink) DiscoverServices() {
	m.Called()
}

func (m *MockLink) Subscribe() {
	m.Called()
}

func (m *MockLink) Disconnect() {
	m.Called()
}

var _ Link = &MockLink{}

type MockBLEDriver struct {
	mock.Mock
}

func (m *MockBLEDriver) Scan(ctx context.Context, found func(adv Advertisement)) error {
	args := m.Called(ctx, found)
	return args.Error(0)
}

func (m *MockBLEDriver) Connect(ctx context.Context, address string, onDisconnect func()) (BLEPeer, error) {
	args := m.Called(ctx, address, onDisconnect)

	var peer BLEPeer
	if p := args.Get(0); p != nil {
		peer = p.(BLEPeer)
	}
	return peer, args.Error(1)
}

var _ BLEDriver = &MockBLEDriver{}

type MockBLEPeer struct {
	mock.Mock
}

func (m *MockBLEPeer) Address() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBLEPeer) Discover(ctx context.Context, service string, chars ...string) (map[string]GATTCharacteristic, error) {
	args := m.Called(ctx, service, chars)

	var found map[string]GATTCharacteristic
	if f := args.Get(0); f != nil {
		found = f.(map[string]GATTCharacteristic)
	}
	return found, args.Error(1)
}

func (m *MockBLEPeer) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

var _ BLEPeer = &MockBLEPeer{}

// fakeCharacteristic is a scripted GATT characteristic. Reads pop queued
// responses and return zero bytes once the queue is empty.
type fakeCharacteristic struct {
	mu        sync.Mutex
	reads     [][]byte
	readCalls int
	readErr   error
	written   [][]byte
	writeErr  error
	onWrite   func(p []byte)
	hold      chan struct{}
	held      chan struct{}
	notify    func([]byte)
	mtu       uint16
}

func (c *fakeCharacteristic) EnableNotifications(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
	return nil
}

func (c *fakeCharacteristic) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCalls++
	if c.readErr != nil {
		return 0, c.readErr
	}
	if len(c.reads) == 0 {
		return 0, nil
	}
	n := copy(p, c.reads[0])
	c.reads = c.reads[1:]
	return n, nil
}

func (c *fakeCharacteristic) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.writeErr != nil {
		defer c.mu.Unlock()
		return 0, c.writeErr
	}
	hold, held := c.hold, c.held
	c.hold, c.held = nil, nil
	c.mu.Unlock()

	if hold != nil {
		close(held)
		<-hold
	}

	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(p)
	}
	return len(p), nil
}

// holdNextWrite blocks the next Write until release is called. held is
// closed once that Write is blocked.
func (c *fakeCharacteristic) holdNextWrite() (held <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = make(chan struct{})
	c.held = make(chan struct{})
	hold := c.hold
	return c.held, func() { close(hold) }
}

func (c *fakeCharacteristic) failReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

func (c *fakeCharacteristic) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCalls
}

func (c *fakeCharacteristic) setOnWrite(fn func(p []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *fakeCharacteristic) MTU() (uint16, error) {
	return c.mtu, nil
}

func (c *fakeCharacteristic) queue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, b)
}

func (c *fakeCharacteristic) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeCharacteristic) fire() {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn([]byte{1, 0, 0, 0})
	}
}

var _ GATTCharacteristic = &fakeCharacteristic{}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	args := m.Called(topic, qos, retained, msg)
	return args.Error(0)
}

func (m *MockMQTTClient) Subscribe(filter string, qos byte, handler func(msg MQTTMessage)) error {
	args := m.Called(filter, qos, handler)
	return args.Error(0)
}

func (m *MockMQTTClient) SetOnConnectHandler(handler func()) {
	m.Called(handler)
}

func (m *MockMQTTClient) Connect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMQTTClient) Disconnect() {
	m.Called()
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Status() MQTTStatus {
	args := m.Called()
	return args.Get(0).(MQTTStatus)
}

var _ MQTTClient = &MockMQTTClient{}

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Topic() string {
	return m.topic
}

func (m testMessage) Payload() []byte {
	return m.payload
}

var _ MQTTMessage = testMessage{}
