package adapters

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"meshtastic-ble-mqtt/application"
)

const (
	MQTTDefaultConnectTimeout    = 30 * time.Second
	MQTTDefaultPublishTimeout    = 5 * time.Second
	MQTTDefaultSubscribeTimeout  = 5 * time.Second
	MQTTDefaultDisconnectQuiesce = 250 // ms
)

var (
	ErrMQTTNotConnected     = fmt.Errorf("not connected")
	ErrMQTTConnectTimeout   = fmt.Errorf("connect timeout")
	ErrMQTTPublishTimeout   = fmt.Errorf("publish timeout")
	ErrMQTTSubscribeTimeout = fmt.Errorf("subscribe timeout")
)

type MQTTClientParams struct {
	ClientID string
	Username string
	Password string
	MQTTUrl  string

	// WillTopic enables a retained QoS 1 last will carrying WillPayload.
	WillTopic   string
	WillPayload string

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTClientParams) EnsureDefaults() {
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}

	if m.PublishTimeout == 0 {
		m.PublishTimeout = MQTTDefaultPublishTimeout
	}

	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = MQTTDefaultSubscribeTimeout
	}

	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

type subscription struct {
	qos     byte
	handler func(msg application.MQTTMessage)
}

type MQTTClient struct {
	params MQTTClientParams

	client mqtt.Client

	connected          uint64
	msgCount           uint64
	msgCountUpdateTime atomic.Pointer[time.Time]

	subscriptions map[string]subscription
	onConnect     func()
	mu            sync.RWMutex

	log zerolog.Logger
}

func NewMQTTClient(params MQTTClientParams) *MQTTClient {
	params.EnsureDefaults()

	m := &MQTTClient{
		params:        params,
		subscriptions: make(map[string]subscription),
		log:           params.Log,
	}
	m.client = m.newMqttClient()

	t := time.Unix(0, 0)
	m.msgCountUpdateTime.Store(&t)

	return m
}

func (m *MQTTClient) Connect() error {
	if atomic.LoadUint64(&m.connected) == 1 {
		return nil
	}

	token := m.client.Connect()
	if !token.WaitTimeout(m.params.ConnectTimeout) {
		return ErrMQTTConnectTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	atomic.StoreUint64(&m.connected, 1)
	return nil
}

func (m *MQTTClient) Disconnect() {
	atomic.StoreUint64(&m.connected, 0)
	m.client.Disconnect(MQTTDefaultDisconnectQuiesce)
}

func (m *MQTTClient) IsConnected() bool {
	if atomic.LoadUint64(&m.connected) == 0 {
		return false
	}
	return true
}

func (m *MQTTClient) Status() application.MQTTStatus {
	return application.MQTTStatus{
		MessageCount:      atomic.LoadUint64(&m.msgCount),
		LastTimePublished: *m.msgCountUpdateTime.Load(),
		Connected:         m.IsConnected(),
	}
}

func (m *MQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := m.client.Publish(topic, qos, retained, msg)
	if !token.WaitTimeout(m.params.PublishTimeout) {
		return ErrMQTTPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	t := time.Now()
	m.msgCountUpdateTime.Store(&t)
	atomic.AddUint64(&m.msgCount, 1)
	return nil
}

// Subscribe registers handler for filter and keeps it registered across
// reconnects.
func (m *MQTTClient) Subscribe(filter string, qos byte, handler func(msg application.MQTTMessage)) error {
	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	m.mu.Lock()
	m.subscriptions[filter] = subscription{qos: qos, handler: handler}
	m.mu.Unlock()

	err := m.subscribe(filter, qos, handler)
	if err != nil {
		m.mu.Lock()
		delete(m.subscriptions, filter)
		m.mu.Unlock()
	}
	return err
}

// SetOnConnectHandler registers handler to run after every (re)connect, once
// the subscriptions are being restored.
func (m *MQTTClient) SetOnConnectHandler(handler func()) {
	m.mu.Lock()
	m.onConnect = handler
	m.mu.Unlock()
}

func (m *MQTTClient) subscribe(filter string, qos byte, handler func(msg application.MQTTMessage)) error {
	token := m.client.Subscribe(filter, qos, m.wrapHandler(handler))
	if !token.WaitTimeout(m.params.SubscribeTimeout) {
		return ErrMQTTSubscribeTimeout
	}
	return token.Error()
}

// wrapHandler keeps a panicking handler from taking down the paho router.
func (m *MQTTClient) wrapHandler(handler func(msg application.MQTTMessage)) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		var catcher panics.Catcher
		catcher.Try(func() { handler(msg) })
		if r := catcher.Recovered(); r != nil {
			m.log.Error().Err(r.AsError()).Str("topic", msg.Topic()).Msg("message handler panicked")
		}
	}
}

func (m *MQTTClient) PublishHandler(client mqtt.Client, msg mqtt.Message) {
	m.log.Debug().Str("topic", msg.Topic()).Msg("unrouted message")
}

func (m *MQTTClient) OnConnect(client mqtt.Client) {
	m.log.Info().Msgf("connected")
	atomic.StoreUint64(&m.connected, 1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for filter, sub := range m.subscriptions {
		filter, sub := filter, sub
		go func() {
			if err := m.subscribe(filter, sub.qos, sub.handler); err != nil {
				m.log.Warn().Err(err).Str("filter", filter).Msg("restore subscription")
			}
		}()
	}

	if handler := m.onConnect; handler != nil {
		go handler()
	}
}

func (m *MQTTClient) OnConnectionLost(client mqtt.Client, err error) {
	m.log.Info().Msgf("connect lost: %v", err)
	atomic.StoreUint64(&m.connected, 0)
}

func (m *MQTTClient) newMqttClient() mqtt.Client {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(m.params.MQTTUrl)
	opts.SetClientID(m.params.ClientID)
	opts.SetUsername(m.params.Username)
	opts.SetPassword(m.params.Password)
	opts.SetAutoReconnect(true)

	if m.params.WillTopic != "" {
		opts.SetWill(m.params.WillTopic, m.params.WillPayload, 1, true)
	}

	opts.SetDefaultPublishHandler(m.PublishHandler)
	opts.OnConnect = m.OnConnect
	opts.OnConnectionLost = m.OnConnectionLost

	return m.params.NewClientFunc(opts)
}

var _ application.MQTTClient = &MQTTClient{}

// pahoLogger routes paho's internal logging through zerolog.
type pahoLogger struct {
	log   zerolog.Logger
	level zerolog.Level
}

func (p pahoLogger) Println(v ...interface{}) {
	p.log.WithLevel(p.level).Msg(fmt.Sprint(v...))
}

func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.log.WithLevel(p.level).Msgf(format, v...)
}

// SetPahoLoggers installs log as the sink of paho's package level loggers.
func SetPahoLoggers(log zerolog.Logger) {
	log = log.With().Str("component", "paho").Logger()
	mqtt.ERROR = pahoLogger{log: log, level: zerolog.ErrorLevel}
	mqtt.CRITICAL = pahoLogger{log: log, level: zerolog.ErrorLevel}
	mqtt.WARN = pahoLogger{log: log, level: zerolog.WarnLevel}
	mqtt.DEBUG = pahoLogger{log: log, level: zerolog.TraceLevel}
}
