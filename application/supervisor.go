package application

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// timeoutGrace lets the session report its own timeout before the supervisor
// deadline fires.
const timeoutGrace = 2 * time.Second

type SupervisorParams struct {
	Link Link

	ReconnectInterval time.Duration
	BackoffCeiling    int
	ConnectTimeout    time.Duration
	DiscoveryTimeout  time.Duration

	Now           func() time.Time
	OnStateChange func(from, to ConnectionState)

	Log zerolog.Logger
}

func (p *SupervisorParams) EnsureDefaults() {
	if p.ReconnectInterval == 0 {
		p.ReconnectInterval = DefaultReconnectInterval
	}
	if p.BackoffCeiling == 0 {
		p.BackoffCeiling = DefaultBackoffCeiling
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.DiscoveryTimeout == 0 {
		p.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.OnStateChange == nil {
		p.OnStateChange = func(from, to ConnectionState) {}
	}
}

// Supervisor is the connection state machine. It owns ConnectionState and
// BackoffState and changes them only in transition. It is not safe for
// concurrent use; the gateway loop is its only caller.
type Supervisor struct {
	params SupervisorParams

	state    ConnectionState
	backoff  BackoffState
	deadline time.Time

	log zerolog.Logger
}

func NewSupervisor(params SupervisorParams) (*Supervisor, error) {
	if params.Link == nil {
		return nil, fmt.Errorf("Link is nil")
	}
	params.EnsureDefaults()

	return &Supervisor{params: params, state: StateIdle, log: params.Log}, nil
}

func (s *Supervisor) State() ConnectionState {
	return s.state
}

func (s *Supervisor) Backoff() BackoffState {
	return s.backoff
}

// Start leaves Idle and begins scanning.
func (s *Supervisor) Start() {
	if s.state != StateIdle {
		return
	}
	s.scan()
}

// Shutdown releases the link from any state and parks in Idle.
func (s *Supervisor) Shutdown() {
	if s.state == StateIdle {
		return
	}
	s.transition(StateDisconnecting)
	s.params.Link.Disconnect()
	s.transition(StateIdle)
}

// Handle applies one event. Events that make no sense in the current state
// are ignored.
func (s *Supervisor) Handle(ev Event) {
	switch ev.Type {
	case EventTick:
		s.tick()

	case EventPeerFound:
		if s.state != StateScanning {
			return
		}
		s.transition(StateConnecting)
		s.deadline = s.params.Now().Add(s.params.ConnectTimeout + timeoutGrace)
		s.params.Link.Connect(ev.Advertisement)

	case EventScanFailed:
		if s.state == StateScanning {
			s.fail(ev.Err)
		}

	case EventLinkUp:
		if s.state != StateConnecting {
			return
		}
		s.transition(StateDiscoveringServices)
		s.deadline = s.params.Now().Add(s.params.DiscoveryTimeout + timeoutGrace)
		s.params.Link.DiscoverServices()

	case EventConnectFailed:
		if s.state == StateConnecting || s.state == StateDiscoveringServices {
			s.fail(ev.Err)
		}

	case EventServicesDiscovered:
		if s.state != StateDiscoveringServices {
			return
		}
		s.transition(StateSubscribing)
		s.deadline = s.params.Now().Add(s.params.DiscoveryTimeout + timeoutGrace)
		s.params.Link.Subscribe()

	case EventIncompatiblePeer:
		if s.state == StateDiscoveringServices {
			s.fail(ev.Err)
		}

	case EventSubscribed:
		if s.state != StateSubscribing {
			return
		}
		s.backoff = BackoffState{}
		s.deadline = time.Time{}
		s.transition(StateReady)

	case EventSubscribeFailed:
		if s.state == StateSubscribing {
			s.fail(ev.Err)
		}

	case EventDisconnected, EventWriteFailed, EventReadFailed, EventSyncFailed:
		if s.state.linked() {
			s.fail(ev.Err)
		}
	}
}

func (s *Supervisor) tick() {
	now := s.params.Now()
	switch s.state {
	case StateBackoff:
		if !now.Before(s.backoff.NextRetryAt) {
			s.scan()
		}
	case StateConnecting, StateDiscoveringServices, StateSubscribing:
		if !s.deadline.IsZero() && now.After(s.deadline) {
			s.fail(fmt.Errorf("%w: stuck in %s", ErrOperationTimeout, s.state))
		}
	}
}

func (s *Supervisor) scan() {
	s.deadline = time.Time{}
	s.transition(StateScanning)
	s.params.Link.StartScan()
}

func (s *Supervisor) fail(err error) {
	s.params.Link.Disconnect()

	s.backoff.Attempt++
	interval := s.retryInterval(s.backoff.Attempt)
	s.backoff.NextRetryAt = s.params.Now().Add(interval)
	s.deadline = time.Time{}

	s.log.Warn().Err(err).
		Str("state", s.state.String()).
		Int("attempt", s.backoff.Attempt).
		Dur("retry_in", interval).
		Msg("link attempt failed")

	s.transition(StateBackoff)
}

// retryInterval doubles the base interval per consecutive failure up to the
// ceiling.
func (s *Supervisor) retryInterval(attempt int) time.Duration {
	base := s.params.ReconnectInterval
	ceiling := base * time.Duration(s.params.BackoffCeiling)

	interval := base
	for i := 1; i < attempt && interval < ceiling; i++ {
		interval *= 2
	}
	return min(interval, ceiling)
}

func (s *Supervisor) transition(to ConnectionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	s.log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("attempt", s.backoff.Attempt).
		Msg("state change")

	s.params.OnStateChange(from, to)
}
