package application

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"meshtastic-ble-mqtt/codec"
)

const (
	dedupWindow = 64

	// maxDataPayload is the largest application payload a mesh packet carries.
	maxDataPayload  = 237
	maxChannel      = 7
	maxPortNum      = 511
	defaultHopLimit = 3
)

// Publication is one outbound MQTT message.
type Publication struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// Sender queues encoded frame chunks on the radio link.
type Sender interface {
	Send(chunks [][]byte) error
	ChunkSize() int
}

type BridgeParams struct {
	Route         TopicRoute
	PayloadFormat PayloadFormat
	MaxFrameSize  int

	Publish func(pub Publication)
	Sender  Sender

	Log zerolog.Logger
}

func (p *BridgeParams) EnsureDefaults() {
	if p.Route.Prefix == "" {
		p.Route.Prefix = DefaultTopicPrefix
	}
	if p.PayloadFormat == "" {
		p.PayloadFormat = PayloadFormatJSON
	}
	if p.MaxFrameSize == 0 {
		p.MaxFrameSize = DefaultMaxFrameSize
	}
}

type BridgeStats struct {
	Packets    uint64
	Duplicates uint64
	Nodes      uint64
	Commands   uint64
	Rejected   uint64
}

// Bridge maps decoded packets onto MQTT publications and inbound commands
// onto radio frames. All Handle methods must be called from one goroutine;
// Stats may be called from any.
type Bridge struct {
	params BridgeParams

	marshal func(v any) ([]byte, error)

	seen    [dedupWindow]uint32
	seenPos int

	nextID uint32

	packets    atomic.Uint64
	duplicates atomic.Uint64
	nodes      atomic.Uint64
	commands   atomic.Uint64
	rejected   atomic.Uint64

	log zerolog.Logger
}

func NewBridge(params BridgeParams) (*Bridge, error) {
	if params.Publish == nil {
		return nil, fmt.Errorf("Publish is nil")
	}
	if params.Sender == nil {
		return nil, fmt.Errorf("Sender is nil")
	}
	params.EnsureDefaults()

	b := &Bridge{params: params, nextID: rand.Uint32(), log: params.Log}
	switch params.PayloadFormat {
	case PayloadFormatJSON:
		b.marshal = json.Marshal
	case PayloadFormatCBOR:
		b.marshal = cbor.Marshal
	default:
		return nil, fmt.Errorf("%w: unknown payload format %q", ErrInvalidConfig, params.PayloadFormat)
	}
	return b, nil
}

func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Packets:    b.packets.Load(),
		Duplicates: b.duplicates.Load(),
		Nodes:      b.nodes.Load(),
		Commands:   b.commands.Load(),
		Rejected:   b.rejected.Load(),
	}
}

// HandlePacket publishes one packet received from the radio. Packets whose
// id was seen within the dedup window are dropped.
func (b *Bridge) HandlePacket(pkt *codec.MeshPacket) {
	if b.duplicate(pkt.ID) {
		b.duplicates.Add(1)
		b.log.Debug().Uint32("id", pkt.ID).Uint32("from", pkt.From).Msg("duplicate packet")
		return
	}

	typ, payload := b.render(pkt)
	b.packets.Add(1)

	b.log.Debug().
		Uint32("id", pkt.ID).
		Uint32("from", pkt.From).
		Str("port", pkt.PortNum.String()).
		Str("type", string(typ)).
		Msg("packet")

	b.params.Publish(Publication{
		Topic:   b.params.Route.PacketTopic(pkt.From, typ),
		Payload: payload,
	})
}

// HandleNodeInfo publishes one node database entry as retained state.
func (b *Bridge) HandleNodeInfo(info *codec.NodeInfo) {
	payload, err := b.marshal(info)
	if err != nil {
		b.log.Warn().Err(err).Uint32("num", info.Num).Msg("dropping node info")
		return
	}
	b.nodes.Add(1)

	b.log.Debug().Uint32("num", info.Num).Msg("node info")

	b.params.Publish(Publication{
		Topic:   b.params.Route.NodeTopic(info.Num),
		QoS:     1,
		Retain:  true,
		Payload: payload,
	})
}

func (b *Bridge) duplicate(id uint32) bool {
	if id == 0 {
		return false
	}
	for _, s := range b.seen {
		if s == id {
			return true
		}
	}
	b.seen[b.seenPos] = id
	b.seenPos = (b.seenPos + 1) % dedupWindow
	return false
}

func (b *Bridge) render(pkt *codec.MeshPacket) (PacketType, []byte) {
	typ := PacketTypeOf(pkt)

	var (
		v   any
		err error
	)
	switch typ {
	case PacketTypeText:
		return typ, pkt.Payload
	case PacketTypePosition:
		v, err = codec.DecodePosition(pkt.Payload)
	case PacketTypeTelemetry:
		v, err = codec.DecodeTelemetry(pkt.Payload)
	case PacketTypeNodeInfo:
		v, err = codec.DecodeUser(pkt.Payload)
	default:
		return typ, b64(pkt.Payload)
	}

	if err == nil {
		var out []byte
		if out, err = b.marshal(v); err == nil {
			return typ, out
		}
	}

	b.log.Warn().Err(err).Uint32("from", pkt.From).Str("port", pkt.PortNum.String()).Msg("publishing as raw")
	return PacketTypeRaw, b64(pkt.Payload)
}

func b64(p []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(p)))
	base64.StdEncoding.Encode(out, p)
	return out
}

// Command is the JSON body of an inbound command message.
type Command struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Data    string `json:"data,omitempty"`
	Port    uint32 `json:"port,omitempty"`
	Channel uint32 `json:"channel,omitempty"`
	WantAck bool   `json:"want_ack,omitempty"`
}

// HandleCommand validates an inbound command and queues it on the radio
// link. Invalid commands are rejected with ErrInvalidCommand and never reach
// the link.
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
	pkt, err := b.parseCommand(topic, payload)
	if err != nil {
		b.rejected.Add(1)
		return err
	}

	chunks := codec.Encode(&codec.ToRadio{Packet: pkt}, b.params.Sender.ChunkSize())
	if err := b.params.Sender.Send(chunks); err != nil {
		b.rejected.Add(1)
		return err
	}
	b.commands.Add(1)

	b.log.Info().
		Uint32("id", pkt.ID).
		Uint32("to", pkt.To).
		Str("port", pkt.PortNum.String()).
		Int("chunks", len(chunks)).
		Msg("command queued")
	return nil
}

func (b *Bridge) parseCommand(topic string, payload []byte) (*codec.MeshPacket, error) {
	to, err := b.params.Route.CommandDestination(topic)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCommand)
	}
	if cmd.Channel > maxChannel {
		return nil, fmt.Errorf("%w: channel %d out of range", ErrInvalidCommand, cmd.Channel)
	}

	pkt := &codec.MeshPacket{
		To:       to,
		Channel:  cmd.Channel,
		HopLimit: defaultHopLimit,
		WantAck:  cmd.WantAck,
	}

	switch cmd.Type {
	case "text":
		if cmd.Text == "" || cmd.Data != "" || cmd.Port != 0 {
			return nil, fmt.Errorf("%w: text command takes only text", ErrInvalidCommand)
		}
		if !utf8.ValidString(cmd.Text) {
			return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidCommand)
		}
		pkt.PortNum = codec.PortTextMessage
		pkt.Payload = []byte(cmd.Text)
	case "raw":
		if cmd.Text != "" {
			return nil, fmt.Errorf("%w: raw command takes data, not text", ErrInvalidCommand)
		}
		if cmd.Port == 0 || cmd.Port > maxPortNum {
			return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidCommand, cmd.Port)
		}
		data, err := base64.StdEncoding.DecodeString(cmd.Data)
		if err != nil || len(data) == 0 {
			return nil, fmt.Errorf("%w: data must be non-empty base64", ErrInvalidCommand)
		}
		pkt.PortNum = codec.PortNum(cmd.Port)
		pkt.Payload = data
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
	}

	if len(pkt.Payload) > maxDataPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidCommand, len(pkt.Payload), maxDataPayload)
	}

	pkt.ID = b.sequence()
	if n := codec.PayloadSize(&codec.ToRadio{Packet: pkt}); n > b.params.MaxFrameSize {
		return nil, fmt.Errorf("%w: encoded packet of %d bytes exceeds %d", ErrInvalidCommand, n, b.params.MaxFrameSize)
	}
	return pkt, nil
}

// sequence returns the next packet id. Zero means "unset" on the mesh and is
// skipped.
func (b *Bridge) sequence() uint32 {
	b.nextID++
	if b.nextID == 0 {
		b.nextID++
	}
	return b.nextID
}

// IsRejected reports whether err is a command the bridge refused to forward
// as opposed to a link that could not take it.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidCommand)
}
