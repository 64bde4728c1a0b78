package application

import (
	"fmt"
	"strconv"
	"strings"

	"meshtastic-ble-mqtt/codec"
)

const (
	commandSuffix      = "cmd"
	broadcastSegment   = "broadcast"
	availabilitySuffix = "gateway/status"
	nodeSuffix         = "node"
)

type PacketType string

const (
	PacketTypeText      PacketType = "text"
	PacketTypePosition  PacketType = "position"
	PacketTypeNodeInfo  PacketType = "nodeinfo"
	PacketTypeRouting   PacketType = "routing"
	PacketTypeTelemetry PacketType = "telemetry"
	PacketTypeRaw       PacketType = "raw"
)

// PacketTypeOf maps a packet's port onto its topic suffix. Encrypted packets
// are always raw.
func PacketTypeOf(pkt *codec.MeshPacket) PacketType {
	if pkt.Encrypted {
		return PacketTypeRaw
	}
	switch pkt.PortNum {
	case codec.PortTextMessage:
		return PacketTypeText
	case codec.PortPosition:
		return PacketTypePosition
	case codec.PortNodeInfo:
		return PacketTypeNodeInfo
	case codec.PortRouting:
		return PacketTypeRouting
	case codec.PortTelemetry:
		return PacketTypeTelemetry
	default:
		return PacketTypeRaw
	}
}

// TopicRoute derives MQTT topics from the configured prefix.
type TopicRoute struct {
	Prefix string
}

// PacketTopic is {prefix}/{node}/{type} with the node id in decimal.
func (r TopicRoute) PacketTopic(from uint32, typ PacketType) string {
	return r.Prefix + "/" + strconv.FormatUint(uint64(from), 10) + "/" + string(typ)
}

// NodeTopic is {prefix}/{node}/node, the retained node database entry.
func (r TopicRoute) NodeTopic(num uint32) string {
	return r.Prefix + "/" + strconv.FormatUint(uint64(num), 10) + "/" + nodeSuffix
}

// CommandFilter matches the command topic of every node.
func (r TopicRoute) CommandFilter() string {
	return r.Prefix + "/+/" + commandSuffix
}

func (r TopicRoute) AvailabilityTopic() string {
	return r.Prefix + "/" + availabilitySuffix
}

// CommandDestination extracts the destination node from a command topic. The
// node segment is a decimal id, a !hex id, or "broadcast".
func (r TopicRoute) CommandDestination(topic string) (uint32, error) {
	rest, ok := strings.CutPrefix(topic, r.Prefix+"/")
	if !ok {
		return 0, fmt.Errorf("%w: topic %q outside prefix", ErrInvalidCommand, topic)
	}
	node, ok := strings.CutSuffix(rest, "/"+commandSuffix)
	if !ok || node == "" || strings.Contains(node, "/") {
		return 0, fmt.Errorf("%w: topic %q is not a command topic", ErrInvalidCommand, topic)
	}

	if node == broadcastSegment {
		return codec.BroadcastAddr, nil
	}

	var (
		id  uint64
		err error
	)
	if hex, ok := strings.CutPrefix(node, "!"); ok {
		id, err = strconv.ParseUint(hex, 16, 32)
	} else {
		id, err = strconv.ParseUint(node, 10, 32)
	}
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad node id %q", ErrInvalidCommand, node)
	}
	return uint32(id), nil
}
