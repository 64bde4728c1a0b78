package adapters

import (
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"meshtastic-ble-mqtt/application"
)

func newTestMQTTClient(mClient *MockMQTTClient) *MQTTClient {
	return NewMQTTClient(MQTTClientParams{
		ClientID: "test",
		Username: "admin",
		Password: "password",
		MQTTUrl:  "tcp://localhost:1883",
		// for testing
		NewClientFunc: func(options *mqtt.ClientOptions) mqtt.Client {
			return mClient
		},
		Log: zerolog.Nop(),
	})
}

func connectTestMQTTClient(t *testing.T, mqttClient *MQTTClient, mClient *MockMQTTClient) {
	t.Helper()

	mToken := &MockToken{}
	mClient.On("Connect").Run(func(args mock.Arguments) {
		mqttClient.OnConnect(mClient)
	}).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultConnectTimeout).Return(true).Once()
	mToken.On("Error").Return(nil).Once()

	require.NoError(t, mqttClient.Connect())
	require.True(t, mqttClient.IsConnected())
}

func TestMQTTClient_Connect(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)

	mClient.On("Connect").Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultConnectTimeout).Return(true).Once()
	mToken.On("Error").Return(nil).Once()

	err := mqttClient.Connect()
	require.NoError(t, err)
	assert.Equal(t, true, mqttClient.IsConnected())

	status := mqttClient.Status()
	assert.Equal(t, uint64(0), status.MessageCount)
	assert.Equal(t, time.Unix(0, 0), status.LastTimePublished)
	assert.Equal(t, true, status.Connected)

	err = mqttClient.Connect()
	require.NoError(t, err)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Connect_Error(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)

	mClient.On("Connect").Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultConnectTimeout).Return(true).Once()
	mToken.On("Error").Return(fmt.Errorf("internal")).Once()

	err := mqttClient.Connect()
	require.Error(t, err)
	assert.Equal(t, false, mqttClient.IsConnected())

	status := mqttClient.Status()
	assert.Equal(t, uint64(0), status.MessageCount)
	assert.Equal(t, time.Unix(0, 0), status.LastTimePublished)
	assert.Equal(t, false, status.Connected)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Connect_Timeout(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)

	mClient.On("Connect").Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultConnectTimeout).Return(false).Once()

	err := mqttClient.Connect()
	require.ErrorIs(t, err, ErrMQTTConnectTimeout)
	assert.Equal(t, false, mqttClient.IsConnected())

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_OnConnectionLost(t *testing.T) {
	mClient := &MockMQTTClient{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	mqttClient.OnConnectionLost(mClient, fmt.Errorf("connection lost"))
	assert.Equal(t, false, mqttClient.IsConnected())

	status := mqttClient.Status()
	assert.Equal(t, uint64(0), status.MessageCount)
	assert.Equal(t, time.Unix(0, 0), status.LastTimePublished)
	assert.Equal(t, false, status.Connected)

	mClient.AssertExpectations(t)
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mClient := &MockMQTTClient{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	mClient.On("Disconnect", uint(MQTTDefaultDisconnectQuiesce)).Return().Once()

	mqttClient.Disconnect()
	assert.Equal(t, false, mqttClient.IsConnected())

	mClient.AssertExpectations(t)
}

func TestMQTTClient_Publish(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	topic := "testTopic"
	qos := byte(0)
	retained := true
	payload := []byte("test_payload")

	mClient.On("Publish", topic, qos, retained, payload).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultPublishTimeout).Return(true).Once()
	mToken.On("Error").Return(nil).Once()

	err := mqttClient.Publish(topic, qos, retained, payload)
	require.NoError(t, err)

	status := mqttClient.Status()
	assert.Equal(t, uint64(1), status.MessageCount)
	assert.True(t, time.Now().After(status.LastTimePublished))
	assert.Equal(t, true, status.Connected)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Publish_NotConnected(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)

	topic := "testTopic"
	qos := byte(0)
	retained := true
	payload := []byte("test_payload")

	err := mqttClient.Publish(topic, qos, retained, payload)
	require.Error(t, err)
	require.Equal(t, ErrMQTTNotConnected, err)

	status := mqttClient.Status()
	assert.Equal(t, uint64(0), status.MessageCount)
	assert.True(t, time.Now().After(status.LastTimePublished))
	assert.Equal(t, false, status.Connected)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Publish_Error(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	topic := "testTopic"
	qos := byte(0)
	retained := true
	payload := []byte("test_payload")

	mClient.On("Publish", topic, qos, retained, payload).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultPublishTimeout).Return(true).Once()
	mToken.On("Error").Return(fmt.Errorf("internal")).Once()

	err := mqttClient.Publish(topic, qos, retained, payload)
	require.Error(t, err)

	status := mqttClient.Status()
	assert.Equal(t, uint64(0), status.MessageCount)
	assert.True(t, time.Now().After(status.LastTimePublished))
	assert.Equal(t, true, status.Connected)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Publish_Timeout(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	mClient.On("Publish", "testTopic", byte(1), false, []byte("x")).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultPublishTimeout).Return(false).Once()

	err := mqttClient.Publish("testTopic", 1, false, []byte("x"))
	require.ErrorIs(t, err, ErrMQTTPublishTimeout)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Subscribe(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	var route mqtt.MessageHandler
	mClient.On("Subscribe", "meshtastic/+/cmd", byte(1), mock.Anything).Run(func(args mock.Arguments) {
		route = args.Get(2).(mqtt.MessageHandler)
	}).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultSubscribeTimeout).Return(true).Once()
	mToken.On("Error").Return(nil).Once()

	var received []string
	err := mqttClient.Subscribe("meshtastic/+/cmd", 1, func(msg application.MQTTMessage) {
		received = append(received, msg.Topic()+"="+string(msg.Payload()))
	})
	require.NoError(t, err)

	mMessage := &MockMessage{}
	mMessage.On("Topic").Return("meshtastic/123/cmd")
	mMessage.On("Payload").Return([]byte("{}"))

	route(mClient, mMessage)
	assert.Equal(t, []string{"meshtastic/123/cmd={}"}, received)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_Subscribe_NotConnected(t *testing.T) {
	mClient := &MockMQTTClient{}

	mqttClient := newTestMQTTClient(mClient)

	err := mqttClient.Subscribe("meshtastic/+/cmd", 1, func(msg application.MQTTMessage) {})
	require.ErrorIs(t, err, ErrMQTTNotConnected)

	mClient.AssertExpectations(t)
}

func TestMQTTClient_Subscribe_Error(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	mClient.On("Subscribe", "meshtastic/+/cmd", byte(1), mock.Anything).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultSubscribeTimeout).Return(true).Once()
	mToken.On("Error").Return(fmt.Errorf("not authorized")).Once()

	err := mqttClient.Subscribe("meshtastic/+/cmd", 1, func(msg application.MQTTMessage) {})
	require.Error(t, err)

	// failed subscriptions are not restored on reconnect
	mqttClient.OnConnect(mClient)

	mClient.AssertExpectations(t)
	mToken.AssertExpectations(t)
}

func TestMQTTClient_RestoreSubscriptions(t *testing.T) {
	mClient := &MockMQTTClient{}
	mToken := &MockToken{}

	mqttClient := newTestMQTTClient(mClient)
	connectTestMQTTClient(t, mqttClient, mClient)

	restored := make(chan struct{}, 1)
	mClient.On("Subscribe", "meshtastic/+/cmd", byte(1), mock.Anything).Return(mToken).Once()
	mClient.On("Subscribe", "meshtastic/+/cmd", byte(1), mock.Anything).Run(func(args mock.Arguments) {
		restored <- struct{}{}
	}).Return(mToken).Once()
	mToken.On("WaitTimeout", MQTTDefaultSubscribeTimeout).Return(true)
	mToken.On("Error").Return(nil)

	err := mqttClient.Subscribe("meshtastic/+/cmd", 1, func(msg application.MQTTMessage) {})
	require.NoError(t, err)

	mqttClient.OnConnectionLost(mClient, fmt.Errorf("connection lost"))
	require.False(t, mqttClient.IsConnected())

	mqttClient.OnConnect(mClient)
	assert.True(t, mqttClient.IsConnected())

	select {
	case <-restored:
	case <-time.After(time.Second):
		require.FailNow(t, "subscription not restored")
	}

	mClient.AssertExpectations(t)
}

func TestMQTTClient_OnConnectHandler(t *testing.T) {
	mClient := &MockMQTTClient{}

	mqttClient := newTestMQTTClient(mClient)

	called := make(chan struct{}, 2)
	mqttClient.SetOnConnectHandler(func() {
		called <- struct{}{}
	})

	connectTestMQTTClient(t, mqttClient, mClient)
	mqttClient.OnConnectionLost(mClient, fmt.Errorf("connection lost"))
	mqttClient.OnConnect(mClient)

	for i := 0; i < 2; i++ {
		select {
		case <-called:
		case <-time.After(time.Second):
			require.FailNow(t, "on connect handler not called", "call %d", i+1)
		}
	}

	mClient.AssertExpectations(t)
}

func TestMQTTClient_HandlerPanic(t *testing.T) {
	mClient := &MockMQTTClient{}

	mqttClient := newTestMQTTClient(mClient)

	mMessage := &MockMessage{}
	mMessage.On("Topic").Return("meshtastic/123/cmd")

	handler := mqttClient.wrapHandler(func(msg application.MQTTMessage) {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		handler(mClient, mMessage)
	})
}

func TestMQTTClient_Will(t *testing.T) {
	var opts *mqtt.ClientOptions
	NewMQTTClient(MQTTClientParams{
		ClientID:    "test",
		MQTTUrl:     "tcp://localhost:1883",
		WillTopic:   "meshtastic/gateway/status",
		WillPayload: "offline",
		NewClientFunc: func(options *mqtt.ClientOptions) mqtt.Client {
			opts = options
			return &MockMQTTClient{}
		},
	})

	require.NotNil(t, opts)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "meshtastic/gateway/status", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.Equal(t, byte(1), opts.WillQos)
	assert.True(t, opts.WillRetained)
	assert.True(t, opts.AutoReconnect)
}
