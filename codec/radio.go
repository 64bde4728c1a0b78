package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// FromRadio and ToRadio field numbers, as assigned in meshtastic/mesh.proto.
const (
	fieldFromRadioID             protowire.Number = 1
	fieldFromRadioPacket         protowire.Number = 2
	fieldFromRadioMyInfo         protowire.Number = 3
	fieldFromRadioNodeInfo       protowire.Number = 4
	fieldFromRadioConfigComplete protowire.Number = 7

	fieldToRadioPacket     protowire.Number = 1
	fieldToRadioWantConfig protowire.Number = 3
	fieldToRadioDisconnect protowire.Number = 4

	fieldMyInfoNodeNum protowire.Number = 1

	fieldNodeInfoNum       protowire.Number = 1
	fieldNodeInfoUser      protowire.Number = 2
	fieldNodeInfoPosition  protowire.Number = 3
	fieldNodeInfoSNR       protowire.Number = 4
	fieldNodeInfoLastHeard protowire.Number = 5
)

type FromRadioVariant int

const (
	FromRadioOther FromRadioVariant = iota
	FromRadioPacket
	FromRadioMyInfo
	FromRadioNodeInfo
	FromRadioConfigComplete
)

func (v FromRadioVariant) String() string {
	switch v {
	case FromRadioPacket:
		return "packet"
	case FromRadioMyInfo:
		return "my_info"
	case FromRadioNodeInfo:
		return "node_info"
	case FromRadioConfigComplete:
		return "config_complete"
	default:
		return "other"
	}
}

// MyNodeInfo describes the node the gateway is attached to.
type MyNodeInfo struct {
	MyNodeNum uint32
}

// NodeInfo is one entry of the node database the radio streams during
// config sync.
type NodeInfo struct {
	Num       uint32    `json:"num"`
	User      *User     `json:"user,omitempty"`
	Position  *Position `json:"position,omitempty"`
	SNR       float32   `json:"snr,omitempty"`
	LastHeard uint32    `json:"last_heard,omitempty"`
}

// FromRadio is the envelope of everything the radio sends. At most one of
// Packet, MyInfo, NodeInfo and ConfigCompleteID is set; variants this
// package does not model decode as FromRadioOther.
//
// ConfigCompleteID echoes a want_config id, which is never zero.
type FromRadio struct {
	ID               uint32
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	ConfigCompleteID uint32
}

func (m *FromRadio) Variant() FromRadioVariant {
	switch {
	case m.Packet != nil:
		return FromRadioPacket
	case m.MyInfo != nil:
		return FromRadioMyInfo
	case m.NodeInfo != nil:
		return FromRadioNodeInfo
	case m.ConfigCompleteID != 0:
		return FromRadioConfigComplete
	default:
		return FromRadioOther
	}
}

func (m *FromRadio) Marshal() []byte {
	var b []byte
	if m.ID != 0 {
		b = protowire.AppendTag(b, fieldFromRadioID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ID))
	}
	switch m.Variant() {
	case FromRadioPacket:
		b = protowire.AppendTag(b, fieldFromRadioPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Packet.Marshal())
	case FromRadioMyInfo:
		var info []byte
		info = protowire.AppendTag(info, fieldMyInfoNodeNum, protowire.VarintType)
		info = protowire.AppendVarint(info, uint64(m.MyInfo.MyNodeNum))
		b = protowire.AppendTag(b, fieldFromRadioMyInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, info)
	case FromRadioNodeInfo:
		b = protowire.AppendTag(b, fieldFromRadioNodeInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, m.NodeInfo.marshal())
	case FromRadioConfigComplete:
		b = protowire.AppendTag(b, fieldFromRadioConfigComplete, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ConfigCompleteID))
	}
	return b
}

// Unmarshal parses a FromRadio envelope. Unknown variants are skipped and
// leave the message as FromRadioOther.
func (m *FromRadio) Unmarshal(b []byte) error {
	*m = FromRadio{}
	return walkFields(b, func(f field) error {
		switch f.num {
		case fieldFromRadioID:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.ID = uint32(f.varint)
		case fieldFromRadioPacket:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			pkt := &MeshPacket{}
			if err := pkt.Unmarshal(f.bytes); err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			m.Packet = pkt
		case fieldFromRadioMyInfo:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			info := &MyNodeInfo{}
			err := walkFields(f.bytes, func(f field) error {
				if f.num != fieldMyInfoNodeNum {
					return nil
				}
				if err := f.expect(protowire.VarintType); err != nil {
					return err
				}
				info.MyNodeNum = uint32(f.varint)
				return nil
			})
			if err != nil {
				return fmt.Errorf("my_info: %w", err)
			}
			m.MyInfo = info
		case fieldFromRadioNodeInfo:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			info := &NodeInfo{}
			if err := info.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("node_info: %w", err)
			}
			m.NodeInfo = info
		case fieldFromRadioConfigComplete:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.ConfigCompleteID = uint32(f.varint)
		}
		return nil
	})
}

func (n *NodeInfo) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNodeInfoNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Num))
	if n.User != nil {
		b = protowire.AppendTag(b, fieldNodeInfoUser, protowire.BytesType)
		b = protowire.AppendBytes(b, n.User.Marshal())
	}
	if n.Position != nil {
		b = protowire.AppendTag(b, fieldNodeInfoPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Position.Marshal())
	}
	if n.SNR != 0 {
		b = protowire.AppendTag(b, fieldNodeInfoSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(n.SNR))
	}
	if n.LastHeard != 0 {
		b = protowire.AppendTag(b, fieldNodeInfoLastHeard, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, n.LastHeard)
	}
	return b
}

func (n *NodeInfo) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case fieldNodeInfoNum:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			n.Num = uint32(f.varint)
		case fieldNodeInfoUser:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			n.User, err = DecodeUser(f.bytes)
		case fieldNodeInfoPosition:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			n.Position, err = DecodePosition(f.bytes)
		case fieldNodeInfoSNR:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			n.SNR = f.float32()
		case fieldNodeInfoLastHeard:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			n.LastHeard = f.fixed32
		}
		return err
	})
}

// ToRadio is the envelope of everything sent to the radio. Exactly one of
// Packet, WantConfigID and Disconnect should be set.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
}

func (m *ToRadio) Marshal() []byte {
	var b []byte
	switch {
	case m.Packet != nil:
		b = protowire.AppendTag(b, fieldToRadioPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Packet.Marshal())
	case m.WantConfigID != 0:
		b = protowire.AppendTag(b, fieldToRadioWantConfig, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.WantConfigID))
	case m.Disconnect:
		b = protowire.AppendTag(b, fieldToRadioDisconnect, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (m *ToRadio) Unmarshal(b []byte) error {
	*m = ToRadio{}
	return walkFields(b, func(f field) error {
		switch f.num {
		case fieldToRadioPacket:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			pkt := &MeshPacket{}
			if err := pkt.Unmarshal(f.bytes); err != nil {
				return fmt.Errorf("packet: %w", err)
			}
			m.Packet = pkt
		case fieldToRadioWantConfig:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.WantConfigID = uint32(f.varint)
		case fieldToRadioDisconnect:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.Disconnect = f.varint != 0
		}
		return nil
	})
}
