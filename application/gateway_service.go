package application

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"meshtastic-ble-mqtt/codec"
)

const (
	DefaultTickInterval   = time.Second
	DefaultReportInterval = 30 * time.Second
	DefaultReleaseTimeout = 5 * time.Second

	eventQueueSize  = 256
	outboxQueueSize = 256

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

type GatewayService interface {
	Run(ctx context.Context) error
}

type GatewayServiceParams struct {
	Config     Config
	BLEDriver  BLEDriver
	MQTTClient MQTTClient

	Now            func() time.Time
	TickInterval   time.Duration
	ReportInterval time.Duration
	ReleaseTimeout time.Duration

	Log zerolog.Logger
}

func (p *GatewayServiceParams) EnsureDefaults() {
	p.Config.EnsureDefaults()
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.TickInterval == 0 {
		p.TickInterval = DefaultTickInterval
	}
	if p.ReportInterval == 0 {
		p.ReportInterval = DefaultReportInterval
	}
	if p.ReleaseTimeout == 0 {
		p.ReleaseTimeout = DefaultReleaseTimeout
	}
}

type gatewayService struct {
	params GatewayServiceParams
	route  TopicRoute

	supervisor *Supervisor
	session    *Session
	bridge     *Bridge

	events chan Event
	outbox chan Publication
	done   chan struct{}

	state     atomic.Int32
	online    atomic.Bool
	myNodeNum atomic.Uint32
	dropped   atomic.Uint64

	log zerolog.Logger
}

func NewGatewayService(params GatewayServiceParams) (GatewayService, error) {
	if params.BLEDriver == nil {
		return nil, fmt.Errorf("BLEDriver is nil")
	}
	if params.MQTTClient == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	params.EnsureDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	cfg := params.Config
	g := &gatewayService{
		params: params,
		route:  TopicRoute{Prefix: cfg.TopicPrefix},
		events: make(chan Event, eventQueueSize),
		outbox: make(chan Publication, outboxQueueSize),
		done:   make(chan struct{}),
		log:    params.Log,
	}

	var err error
	g.session, err = NewSession(SessionParams{
		Driver:            params.BLEDriver,
		Target:            cfg.Target,
		ConnectTimeout:    cfg.ConnectTimeout,
		DiscoveryTimeout:  cfg.DiscoveryTimeout,
		LinkCheckInterval: cfg.LinkCheckInterval,
		MaxFrameSize:      cfg.MaxFrameSize,
		WriteQueueSize:    cfg.WriteQueueSize,
		Now:               params.Now,
		Emit:              g.emit,
		OnPacket:          func(pkt *codec.MeshPacket) { g.bridge.HandlePacket(pkt) },
		OnNodeInfo:        func(info *codec.NodeInfo) { g.bridge.HandleNodeInfo(info) },
		OnSynced:          g.onSynced,
		Log:               params.Log.With().Str("component", "session").Logger(),
	})
	if err != nil {
		return nil, err
	}

	g.bridge, err = NewBridge(BridgeParams{
		Route:         g.route,
		PayloadFormat: cfg.PayloadFormat,
		MaxFrameSize:  cfg.MaxFrameSize,
		Publish:       g.enqueue,
		Sender:        g.session,
		Log:           params.Log.With().Str("component", "bridge").Logger(),
	})
	if err != nil {
		return nil, err
	}

	g.supervisor, err = NewSupervisor(SupervisorParams{
		Link:              g.session,
		ReconnectInterval: cfg.ReconnectInterval,
		BackoffCeiling:    cfg.BackoffCeiling,
		ConnectTimeout:    cfg.ConnectTimeout,
		DiscoveryTimeout:  cfg.DiscoveryTimeout,
		Now:               params.Now,
		OnStateChange:     g.onStateChange,
		Log:               params.Log.With().Str("component", "supervisor").Logger(),
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *gatewayService) Run(ctx context.Context) error {
	g.params.MQTTClient.SetOnConnectHandler(g.onMQTTConnect)
	if err := g.params.MQTTClient.Connect(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer g.params.MQTTClient.Disconnect()

	g.publishAvailability(availabilityOffline)

	if g.params.Config.Commands {
		filter := g.route.CommandFilter()
		if err := g.params.MQTTClient.Subscribe(filter, 1, g.onCommand); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
		}
		g.log.Info().Str("filter", filter).Msg("accepting commands")
	}

	eg := errgroup.Group{}

	// event loop
	eg.Go(func() error {
		g.log.Info().Str("target", g.params.Config.Target.String()).Msg("start gateway")
		defer g.log.Info().Msg("stop gateway")

		defer close(g.outbox)
		defer close(g.done)

		ticker := time.NewTicker(g.params.TickInterval)
		defer ticker.Stop()

		g.dispatch(func() { g.supervisor.Start() })
		for {
			select {
			case <-ctx.Done():
				g.dispatch(func() { g.supervisor.Shutdown() })
				return nil
			case <-ticker.C:
				g.handle(Event{Type: EventTick})
			case ev := <-g.events:
				g.handle(ev)
			}
		}
	})

	// mqtt publisher
	eg.Go(func() error {
		for pub := range g.outbox {
			err := g.params.MQTTClient.Publish(pub.Topic, pub.QoS, pub.Retain, pub.Payload)
			if err != nil {
				g.dropped.Add(1)
				g.log.Warn().Err(err).Str("topic", pub.Topic).Msg("publish failed")
			}
		}
		return nil
	})

	// publish report
	eg.Go(func() error {
		ticker := time.NewTicker(g.params.ReportInterval)
		defer ticker.Stop()

		lastStatus := g.params.MQTTClient.Status()

	ReporterLoop:
		for {
			select {
			case <-ctx.Done():
				break ReporterLoop
			case <-ticker.C:
				newStatus := g.params.MQTTClient.Status()
				msgPerMin := (newStatus.MessageCount - lastStatus.MessageCount) * uint64(time.Minute) / uint64(g.params.ReportInterval)
				stats := g.bridge.Stats()

				g.log.Info().
					Uint64("msg_per_min", msgPerMin).
					Bool("is_connected", newStatus.Connected).
					Time("last_time_published", newStatus.LastTimePublished).
					Uint64("publish_dropped", g.dropped.Load()).
					Str("link_state", ConnectionState(g.state.Load()).String()).
					Bool("online", g.online.Load()).
					Uint32("my_node_num", g.myNodeNum.Load()).
					Uint64("packets", stats.Packets).
					Uint64("nodes", stats.Nodes).
					Uint64("duplicates", stats.Duplicates).
					Uint64("commands", stats.Commands).
					Uint64("commands_rejected", stats.Rejected).
					Msg("publish report")

				lastStatus = newStatus
			}
		}

		return nil
	})

	err := eg.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), g.params.ReleaseTimeout)
	defer cancel()
	if rerr := g.session.Release(releaseCtx); rerr != nil {
		g.log.Warn().Err(rerr).Msg("radio not released")
	}

	g.publishAvailability(availabilityOffline)
	return err
}

// emit posts a driver event to the loop. It blocks while the queue is full
// and reports false once the loop has stopped.
func (g *gatewayService) emit(ev Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.done:
		return false
	}
}

// onMQTTConnect runs on every broker (re)connect. The retained availability
// may be stale after the broker fired our will.
func (g *gatewayService) onMQTTConnect() {
	select {
	case g.events <- Event{Type: EventMQTTConnected}:
	case <-g.done:
	default:
		g.log.Warn().Msg("event queue full, availability not republished")
	}
}

func (g *gatewayService) onCommand(msg MQTTMessage) {
	ev := Event{Type: EventCommand, Topic: msg.Topic(), Data: msg.Payload()}
	select {
	case g.events <- ev:
	case <-g.done:
	default:
		g.log.Warn().Str("topic", ev.Topic).Msg("event queue full, dropping command")
	}
}

func (g *gatewayService) handle(ev Event) {
	g.dispatch(func() {
		switch ev.Type {
		case EventCommand:
			g.command(ev)
			return
		case EventMQTTConnected:
			g.enqueueAvailability(g.online.Load())
			return
		}
		if g.session.Accept(ev) {
			g.supervisor.Handle(ev)
		}
	})
}

// dispatch runs fn on the loop goroutine. A panic is logged and the loop
// keeps running.
func (g *gatewayService) dispatch(fn func()) {
	var catcher panics.Catcher
	catcher.Try(fn)
	if r := catcher.Recovered(); r != nil {
		g.log.Error().Err(r.AsError()).Msg("event handler panicked")
	}
}

func (g *gatewayService) command(ev Event) {
	err := g.bridge.HandleCommand(ev.Topic, ev.Data)
	switch {
	case err == nil:
	case IsRejected(err):
		g.log.Warn().Err(err).Str("topic", ev.Topic).Msg("invalid command")
	default:
		g.log.Warn().Err(err).Str("topic", ev.Topic).Str("link_state", g.supervisor.State().String()).Msg("command dropped")
	}
}

func (g *gatewayService) onStateChange(from, to ConnectionState) {
	g.state.Store(int32(to))

	if from == StateReady && g.online.Swap(false) {
		g.enqueueAvailability(false)
	}
}

// onSynced marks the gateway online once the radio finished the config
// handshake on a Ready link.
func (g *gatewayService) onSynced(myNodeNum uint32) {
	g.myNodeNum.Store(myNodeNum)
	if g.supervisor.State() != StateReady || g.online.Swap(true) {
		return
	}
	g.enqueueAvailability(true)
}

func (g *gatewayService) enqueueAvailability(online bool) {
	status := availabilityOffline
	if online {
		status = availabilityOnline
	}
	g.enqueue(Publication{Topic: g.route.AvailabilityTopic(), QoS: 1, Retain: true, Payload: []byte(status)})
}

// enqueue hands a publication to the publisher without blocking the loop.
func (g *gatewayService) enqueue(pub Publication) {
	select {
	case g.outbox <- pub:
	default:
		g.dropped.Add(1)
		g.log.Warn().Str("topic", pub.Topic).Msg("outbox full, dropping publication")
	}
}

func (g *gatewayService) publishAvailability(status string) {
	err := g.params.MQTTClient.Publish(g.route.AvailabilityTopic(), 1, true, []byte(status))
	if err != nil {
		g.log.Warn().Err(err).Str("status", status).Msg("publish availability")
	}
}
