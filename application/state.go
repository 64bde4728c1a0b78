package application

import "time"

// ConnectionState is the supervisor's view of the BLE link.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateSubscribing
	StateReady
	StateDisconnecting
	StateBackoff
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// linked reports whether a link attempt or an established link exists.
func (s ConnectionState) linked() bool {
	switch s {
	case StateConnecting, StateDiscoveringServices, StateSubscribing, StateReady:
		return true
	}
	return false
}

type BackoffState struct {
	Attempt     int
	NextRetryAt time.Time
}
