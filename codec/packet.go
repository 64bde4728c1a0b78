package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// BroadcastAddr is the destination of a packet that names no recipient.
const BroadcastAddr uint32 = 0xFFFFFFFF

// PortNum mirrors the Meshtastic PortNum enum. It selects how the packet
// payload is interpreted.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
)

func (p PortNum) String() string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortRouting:
		return "ROUTING_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(p))
	}
}

// MeshPacket field numbers, as assigned in meshtastic/mesh.proto.
const (
	fieldFrom      protowire.Number = 1
	fieldTo        protowire.Number = 2
	fieldChannel   protowire.Number = 3
	fieldDecoded   protowire.Number = 4
	fieldEncrypted protowire.Number = 5
	fieldID        protowire.Number = 6
	fieldHopLimit  protowire.Number = 9
	fieldWantAck   protowire.Number = 10

	fieldDataPortNum protowire.Number = 1
	fieldDataPayload protowire.Number = 2
)

// MeshPacket is one routed mesh message.
//
// ID is the sender-assigned sequence number. To is BroadcastAddr when the
// packet is not addressed to a single node. Encrypted packets carry the
// ciphertext in Payload and PortUnknown as their port. An empty Payload is
// not encoded, so Unmarshal always yields nil for it.
type MeshPacket struct {
	ID        uint32
	From      uint32
	To        uint32
	Channel   uint32
	PortNum   PortNum
	Payload   []byte
	HopLimit  uint32
	WantAck   bool
	Encrypted bool
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p *MeshPacket) IsBroadcast() bool {
	return p.To == BroadcastAddr
}

// Marshal returns the protobuf encoding of the packet.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	if p.From != 0 {
		b = protowire.AppendTag(b, fieldFrom, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.From)
	}
	if p.To != BroadcastAddr {
		b = protowire.AppendTag(b, fieldTo, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.To)
	}
	if p.Channel != 0 {
		b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Channel))
	}
	if p.Encrypted {
		b = protowire.AppendTag(b, fieldEncrypted, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	} else {
		var data []byte
		if p.PortNum != PortUnknown {
			data = protowire.AppendTag(data, fieldDataPortNum, protowire.VarintType)
			data = protowire.AppendVarint(data, uint64(p.PortNum))
		}
		if len(p.Payload) > 0 {
			data = protowire.AppendTag(data, fieldDataPayload, protowire.BytesType)
			data = protowire.AppendBytes(data, p.Payload)
		}
		b = protowire.AppendTag(b, fieldDecoded, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	if p.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ID)
	}
	if p.HopLimit != 0 {
		b = protowire.AppendTag(b, fieldHopLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = protowire.AppendTag(b, fieldWantAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// Unmarshal parses the protobuf encoding of a packet. The payload is copied,
// b may be reused by the caller afterwards.
func (p *MeshPacket) Unmarshal(b []byte) error {
	*p = MeshPacket{To: BroadcastAddr}

	var hasBody bool
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fieldFrom:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			p.From = f.fixed32
		case fieldTo:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			p.To = f.fixed32
		case fieldChannel:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			p.Channel = uint32(f.varint)
		case fieldDecoded:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			if err := p.unmarshalData(f.bytes); err != nil {
				return fmt.Errorf("decoded: %w", err)
			}
			hasBody = true
		case fieldEncrypted:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			p.Payload = clonePayload(f.bytes)
			p.Encrypted = true
			hasBody = true
		case fieldID:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			p.ID = f.fixed32
		case fieldHopLimit:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			p.HopLimit = uint32(f.varint)
		case fieldWantAck:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			p.WantAck = f.varint != 0
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !hasBody {
		return fmt.Errorf("packet has neither decoded nor encrypted body")
	}
	return nil
}

func (p *MeshPacket) unmarshalData(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case fieldDataPortNum:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			p.PortNum = PortNum(f.varint)
		case fieldDataPayload:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			p.Payload = clonePayload(f.bytes)
		}
		return nil
	})
}

func clonePayload(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
