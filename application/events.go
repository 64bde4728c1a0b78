package application

type EventType int

const (
	EventTick EventType = iota
	EventPeerFound
	EventScanFailed
	EventLinkUp
	EventConnectFailed
	EventServicesDiscovered
	EventIncompatiblePeer
	EventSubscribed
	EventSubscribeFailed
	EventDisconnected
	EventWriteFailed
	EventReadFailed
	EventSyncFailed
	EventNotify
	EventCommand
	EventMQTTConnected
)

func (t EventType) String() string {
	switch t {
	case EventTick:
		return "tick"
	case EventPeerFound:
		return "peer_found"
	case EventScanFailed:
		return "scan_failed"
	case EventLinkUp:
		return "link_up"
	case EventConnectFailed:
		return "connect_failed"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventIncompatiblePeer:
		return "incompatible_peer"
	case EventSubscribed:
		return "subscribed"
	case EventSubscribeFailed:
		return "subscribe_failed"
	case EventDisconnected:
		return "disconnected"
	case EventWriteFailed:
		return "write_failed"
	case EventReadFailed:
		return "read_failed"
	case EventSyncFailed:
		return "sync_failed"
	case EventNotify:
		return "notify"
	case EventCommand:
		return "command"
	case EventMQTTConnected:
		return "mqtt_connected"
	default:
		return "unknown"
	}
}

// Event is the single currency of the gateway event loop. Link is the
// session generation the event was produced under; events from older
// generations are discarded by Session.Accept.
type Event struct {
	Type EventType
	Link uint64

	Advertisement Advertisement
	Peer          BLEPeer
	Profile       *MeshProfile
	MTU           uint16

	Topic string
	Data  []byte
	Err   error
}
