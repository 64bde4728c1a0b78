package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshtastic-ble-mqtt/codec"
)

const (
	defaultATTMTU  = 23
	attHeaderLen   = 3
	fromRadioBufSz = 512

	// DefaultSyncTimeout bounds the wait for config_complete_id after
	// want_config was sent. The node streams its whole node database first.
	DefaultSyncTimeout = 60 * time.Second
)

// Link is the set of GATT operations the supervisor drives. Every operation
// returns immediately; its outcome arrives later as an Event.
type Link interface {
	StartScan()
	Connect(adv Advertisement)
	DiscoverServices()
	Subscribe()
	Disconnect()
}

// MeshProfile holds the discovered Meshtastic characteristics of a peer.
type MeshProfile struct {
	ToRadio   GATTCharacteristic
	FromRadio GATTCharacteristic
	FromNum   GATTCharacteristic
}

// SyncState tracks the want_config handshake on a subscribed link.
type SyncState int

const (
	SyncNone SyncState = iota
	SyncWantConfig
	SyncSyncing
	SyncComplete
)

func (s SyncState) String() string {
	switch s {
	case SyncWantConfig:
		return "want_config"
	case SyncSyncing:
		return "syncing"
	case SyncComplete:
		return "complete"
	default:
		return "none"
	}
}

type SessionParams struct {
	Driver BLEDriver
	Target TargetIdentity

	ConnectTimeout    time.Duration
	DiscoveryTimeout  time.Duration
	SyncTimeout       time.Duration
	LinkCheckInterval time.Duration
	MaxFrameSize      int
	WriteQueueSize    int

	Now func() time.Time

	// Emit posts an event to the gateway loop and reports whether the loop
	// took it. It is called from driver goroutines and must not block
	// indefinitely.
	Emit func(ev Event) bool
	// OnPacket receives every mesh packet decoded from the notify path.
	OnPacket func(pkt *codec.MeshPacket)
	// OnNodeInfo receives the node database entries streamed during sync.
	OnNodeInfo func(info *codec.NodeInfo)
	// OnSynced is called once the node confirmed the config handshake.
	OnSynced func(myNodeNum uint32)

	Log zerolog.Logger
}

func (p *SessionParams) EnsureDefaults() {
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.DiscoveryTimeout == 0 {
		p.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if p.SyncTimeout == 0 {
		p.SyncTimeout = DefaultSyncTimeout
	}
	if p.LinkCheckInterval == 0 {
		p.LinkCheckInterval = DefaultLinkCheckInterval
	}
	if p.WriteQueueSize == 0 {
		p.WriteQueueSize = DefaultWriteQueueSize
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.OnNodeInfo == nil {
		p.OnNodeInfo = func(*codec.NodeInfo) {}
	}
	if p.OnSynced == nil {
		p.OnSynced = func(uint32) {}
	}
}

// Session owns the BLE link to one peer. Apart from Emit callbacks and
// Release, all methods must be called from the gateway loop goroutine.
type Session struct {
	params SessionParams

	link   uint64
	ctx    context.Context
	cancel context.CancelFunc

	peer      BLEPeer
	profile   *MeshProfile
	ready     bool
	chunkSize int
	writes    chan []byte
	kick      chan struct{}
	lastCheck time.Time

	sync         SyncState
	wantConfigID uint32
	syncDeadline time.Time
	myNodeNum    uint32

	decoder *codec.Decoder

	// releases counts goroutines that may still hold a peer.
	releases sync.WaitGroup

	log zerolog.Logger
}

func NewSession(params SessionParams) (*Session, error) {
	if params.Driver == nil {
		return nil, fmt.Errorf("BLEDriver is nil")
	}
	if params.Emit == nil {
		return nil, fmt.Errorf("Emit is nil")
	}
	if params.OnPacket == nil {
		return nil, fmt.Errorf("OnPacket is nil")
	}
	params.EnsureDefaults()

	return &Session{
		params:    params,
		chunkSize: defaultATTMTU - attHeaderLen,
		decoder:   codec.NewDecoder(params.MaxFrameSize),
		log:       params.Log,
	}, nil
}

// begin abandons whatever the session was doing and opens a new generation.
func (s *Session) begin() (context.Context, uint64) {
	s.teardown()
	s.link++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s.ctx, s.link
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.peer != nil {
		s.release(s.peer)
	}
	s.peer = nil
	s.profile = nil
	s.ready = false
	s.writes = nil
	s.kick = nil
	s.chunkSize = defaultATTMTU - attHeaderLen
	s.sync = SyncNone
	s.wantConfigID = 0
	s.syncDeadline = time.Time{}
	s.decoder.Reset()
}

// release disconnects peer in the background. Release waits for it.
func (s *Session) release(peer BLEPeer) {
	s.releases.Add(1)
	go func() {
		defer s.releases.Done()
		if err := peer.Disconnect(); err != nil {
			s.log.Debug().Err(err).Str("address", peer.Address()).Msg("disconnect")
		}
	}()
}

// Release waits until every peer the session let go of is disconnected, or
// ctx is done. Call it after the final Disconnect.
func (s *Session) Release(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.releases.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: releasing peer: %w", ErrOperationTimeout, ctx.Err())
	}
}

func (s *Session) emit(ev Event) bool {
	return s.params.Emit(ev)
}

func (s *Session) StartScan() {
	ctx, link := s.begin()
	target := s.params.Target

	s.log.Info().Str("target", target.String()).Msg("scanning")
	go func() {
		err := s.params.Driver.Scan(ctx, func(adv Advertisement) {
			if target.Matches(adv) {
				s.emit(Event{Type: EventPeerFound, Link: link, Advertisement: adv})
			}
		})
		if err != nil && ctx.Err() == nil {
			s.emit(Event{Type: EventScanFailed, Link: link, Err: fmt.Errorf("%w: %w", ErrScanFailed, err)})
		}
	}()
}

func (s *Session) Connect(adv Advertisement) {
	ctx, link := s.begin()

	s.log.Info().Str("address", adv.Address).Str("name", adv.Name).Int16("rssi", adv.RSSI).Msg("connecting")
	s.releases.Add(1)
	go func() {
		defer s.releases.Done()

		opCtx, cancel := context.WithTimeout(ctx, s.params.ConnectTimeout)
		defer cancel()

		onDisconnect := func() {
			s.emit(Event{Type: EventDisconnected, Link: link, Err: ErrLinkLost})
		}
		peer, err := s.params.Driver.Connect(opCtx, adv.Address, onDisconnect)
		if err != nil {
			s.emit(Event{Type: EventConnectFailed, Link: link, Err: fmt.Errorf("%w: %w", ErrConnectFailed, err)})
			return
		}
		if ctx.Err() != nil || !s.emit(Event{Type: EventLinkUp, Link: link, Peer: peer}) {
			s.release(peer)
		}
	}()
}

func (s *Session) DiscoverServices() {
	if s.peer == nil {
		go s.emit(Event{Type: EventConnectFailed, Link: s.link, Err: fmt.Errorf("%w: no peer", ErrConnectFailed)})
		return
	}

	ctx, link, peer := s.ctx, s.link, s.peer
	go func() {
		opCtx, cancel := context.WithTimeout(ctx, s.params.DiscoveryTimeout)
		defer cancel()

		chars, err := peer.Discover(opCtx, MeshServiceUUID, ToRadioUUID, FromRadioUUID, FromNumUUID)
		switch {
		case errors.Is(err, ErrServiceNotFound):
			s.emit(Event{Type: EventIncompatiblePeer, Link: link, Err: fmt.Errorf("%w: %w", ErrIncompatiblePeer, err)})
			return
		case err != nil:
			s.emit(Event{Type: EventConnectFailed, Link: link, Err: fmt.Errorf("%w: discovery: %w", ErrConnectFailed, err)})
			return
		}

		profile := &MeshProfile{
			ToRadio:   chars[ToRadioUUID],
			FromRadio: chars[FromRadioUUID],
			FromNum:   chars[FromNumUUID],
		}
		if profile.ToRadio == nil || profile.FromRadio == nil || profile.FromNum == nil {
			s.emit(Event{Type: EventIncompatiblePeer, Link: link, Err: fmt.Errorf("%w: missing characteristic", ErrIncompatiblePeer)})
			return
		}
		s.emit(Event{Type: EventServicesDiscovered, Link: link, Profile: profile})
	}()
}

func (s *Session) Subscribe() {
	if s.profile == nil {
		go s.emit(Event{Type: EventSubscribeFailed, Link: s.link, Err: fmt.Errorf("%w: no profile", ErrNotifySubscribeFailed)})
		return
	}

	ctx, link, profile := s.ctx, s.link, s.profile
	writes := make(chan []byte, s.params.WriteQueueSize)
	kick := make(chan struct{}, 1)
	s.writes = writes
	s.kick = kick

	go func() {
		opCtx, cancel := context.WithTimeout(ctx, s.params.DiscoveryTimeout)
		defer cancel()

		err := await(opCtx, func() error {
			return profile.FromNum.EnableNotifications(func([]byte) {
				select {
				case kick <- struct{}{}:
				default:
				}
			})
		})
		if err != nil {
			s.emit(Event{Type: EventSubscribeFailed, Link: link, Err: fmt.Errorf("%w: %w", ErrNotifySubscribeFailed, err)})
			return
		}

		mtu := uint16(defaultATTMTU)
		var negotiated uint16
		if err := await(opCtx, func() (err error) {
			negotiated, err = profile.ToRadio.MTU()
			return err
		}); err == nil && negotiated > mtu {
			mtu = negotiated
		}

		go s.drain(ctx, link, profile.FromRadio, kick)
		go s.write(ctx, link, profile.ToRadio, writes)

		s.emit(Event{Type: EventSubscribed, Link: link, MTU: mtu})
	}()
}

// Disconnect tears the link down from any state. Queued writes are dropped
// and in-flight operations are abandoned. It is idempotent.
func (s *Session) Disconnect() {
	s.teardown()
	s.link++
}

// Accept filters an event before it reaches the supervisor. It drops events
// from abandoned generations, records link resources, and consumes notify
// data. It reports whether the supervisor should see the event.
func (s *Session) Accept(ev Event) bool {
	if ev.Type == EventTick {
		s.tick()
		return true
	}
	if ev.Link != s.link {
		if ev.Peer != nil {
			s.release(ev.Peer)
		}
		return false
	}

	switch ev.Type {
	case EventLinkUp:
		s.peer = ev.Peer
	case EventServicesDiscovered:
		s.profile = ev.Profile
	case EventSubscribed:
		s.ready = true
		if ev.MTU >= defaultATTMTU {
			s.chunkSize = int(ev.MTU) - attHeaderLen
		}
		s.lastCheck = s.params.Now()
		s.requestConfig()
	case EventNotify:
		s.onNotify(ev.Data)
		return false
	}
	return true
}

// requestConfig starts the handshake after which the node streams its
// state and live packets.
func (s *Session) requestConfig() {
	id := rand.Uint32()
	for id == 0 {
		id = rand.Uint32()
	}
	s.wantConfigID = id
	s.sync = SyncWantConfig
	s.syncDeadline = s.params.Now().Add(s.params.SyncTimeout)

	if err := s.Send(codec.Encode(&codec.ToRadio{WantConfigID: id}, s.chunkSize)); err != nil {
		s.log.Warn().Err(err).Msg("want_config not queued")
		return
	}
	s.log.Info().Uint32("want_config_id", id).Msg("requesting config")

	// the node may already hold packets queued before we subscribed
	s.poke()
}

func (s *Session) tick() {
	if !s.ready {
		return
	}
	now := s.params.Now()

	if s.sync != SyncComplete && !s.syncDeadline.IsZero() && now.After(s.syncDeadline) {
		s.syncDeadline = time.Time{}
		link, err := s.link, fmt.Errorf("%w: no reply to want_config %d in %s", ErrConfigSyncFailed, s.wantConfigID, s.sync)
		go s.emit(Event{Type: EventSyncFailed, Link: link, Err: err})
		return
	}

	// BLE stacks do not always report a peer that silently went away; a
	// read on a dead link fails.
	if now.Sub(s.lastCheck) >= s.params.LinkCheckInterval {
		s.lastCheck = now
		s.poke()
	}
}

// poke schedules a fromRadio drain.
func (s *Session) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) onNotify(data []byte) {
	_, _ = s.decoder.Write(data)
	for {
		msg, err := s.decoder.Next()
		switch {
		case errors.Is(err, codec.ErrNeedMoreData):
			return
		case err != nil:
			s.log.Warn().Err(err).Msg("dropping frame")
			continue
		}
		s.onFromRadio(msg)
	}
}

func (s *Session) onFromRadio(msg *codec.FromRadio) {
	switch msg.Variant() {
	case codec.FromRadioPacket:
		s.params.OnPacket(msg.Packet)

	case codec.FromRadioMyInfo:
		s.myNodeNum = msg.MyInfo.MyNodeNum
		s.syncing()
		s.log.Info().Uint32("my_node_num", s.myNodeNum).Msg("node info")

	case codec.FromRadioNodeInfo:
		s.syncing()
		s.params.OnNodeInfo(msg.NodeInfo)

	case codec.FromRadioConfigComplete:
		if msg.ConfigCompleteID != s.wantConfigID {
			s.log.Warn().Uint32("got", msg.ConfigCompleteID).Uint32("want", s.wantConfigID).Msg("config_complete_id mismatch")
			return
		}
		s.sync = SyncComplete
		s.syncDeadline = time.Time{}
		s.log.Info().Uint32("my_node_num", s.myNodeNum).Msg("config sync complete")
		s.params.OnSynced(s.myNodeNum)

	default:
		s.log.Debug().Uint32("id", msg.ID).Msg("unhandled from_radio variant")
	}
}

func (s *Session) syncing() {
	if s.sync == SyncWantConfig {
		s.sync = SyncSyncing
	}
}

// Ready reports whether the link accepts writes.
func (s *Session) Ready() bool {
	return s.ready
}

// Sync reports how far the config handshake got on the current link.
func (s *Session) Sync() SyncState {
	return s.sync
}

// MyNodeNum is the number of the attached node, zero until it is known.
func (s *Session) MyNodeNum() uint32 {
	return s.myNodeNum
}

// ChunkSize is the largest write the link accepts in one operation.
func (s *Session) ChunkSize() int {
	return s.chunkSize
}

// Send queues the chunks of one frame for transmission. Either all chunks are
// queued or none is.
func (s *Session) Send(chunks [][]byte) error {
	if !s.ready {
		return ErrNotReady
	}
	if cap(s.writes)-len(s.writes) < len(chunks) {
		return ErrWriteQueueFull
	}
	for _, c := range chunks {
		s.writes <- c
	}
	return nil
}

func (s *Session) drain(ctx context.Context, link uint64, fromRadio GATTCharacteristic, kick <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}

		for ctx.Err() == nil {
			data, err := s.read(ctx, fromRadio)
			if err != nil {
				if ctx.Err() == nil {
					s.emit(Event{Type: EventReadFailed, Link: link, Err: fmt.Errorf("%w: %w", ErrReadFailed, err)})
				}
				return
			}
			if len(data) == 0 {
				break
			}
			s.emit(Event{Type: EventNotify, Link: link, Data: data})
		}
	}
}

// read performs one bounded fromRadio read.
func (s *Session) read(ctx context.Context, fromRadio GATTCharacteristic) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.params.DiscoveryTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, fromRadioBufSz)
		n, err := fromRadio.Read(buf)
		if err == nil && n > len(buf) {
			err = fmt.Errorf("read of %d bytes overflows %d byte buffer", n, len(buf))
		}
		if err != nil {
			n = 0
		}
		done <- result{data: buf[:n], err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-opCtx.Done():
		return nil, fmt.Errorf("%w: %w", ErrOperationTimeout, opCtx.Err())
	}
}

func (s *Session) write(ctx context.Context, link uint64, toRadio GATTCharacteristic, writes <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-writes:
			// select picks randomly among ready cases; a chunk queued before
			// Disconnect must not reach the peer
			if ctx.Err() != nil {
				return
			}
			if _, err := toRadio.Write(chunk); err != nil {
				if ctx.Err() == nil {
					s.emit(Event{Type: EventWriteFailed, Link: link, Err: fmt.Errorf("%w: %w", ErrWriteFailed, err)})
				}
				return
			}
		}
	}
}

// await runs fn and gives up when ctx is done first. fn keeps running in the
// background in that case; its result is discarded.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrOperationTimeout, ctx.Err())
	}
}

var _ Link = &Session{}
