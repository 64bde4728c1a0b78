package application

import "time"

type MQTTStatus struct {
	MessageCount      uint64
	LastTimePublished time.Time
	Connected         bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, msg any) error
	// Subscribe registers handler for filter. The subscription survives
	// broker reconnects.
	Subscribe(filter string, qos byte, handler func(msg MQTTMessage)) error
	// SetOnConnectHandler registers handler to run after every broker
	// connect, including automatic reconnects.
	SetOnConnectHandler(handler func())

	Connect() error
	Disconnect()
	IsConnected() bool
	Status() MQTTStatus
}
