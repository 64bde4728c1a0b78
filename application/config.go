package application

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTopicPrefix       = "meshtastic"
	DefaultReconnectInterval = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDiscoveryTimeout  = 10 * time.Second
	DefaultMaxFrameSize      = 512
	DefaultBackoffCeiling    = 8
	DefaultWriteQueueSize    = 64
	DefaultLinkCheckInterval = 15 * time.Second
)

type PayloadFormat string

const (
	PayloadFormatJSON PayloadFormat = "json"
	PayloadFormatCBOR PayloadFormat = "cbor"
)

// Config is built once at startup and handed to the core by value.
type Config struct {
	Target TargetIdentity

	TopicPrefix       string
	ReconnectInterval time.Duration
	// BackoffCeiling caps the retry interval at this multiple of ReconnectInterval.
	BackoffCeiling   int
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	MaxFrameSize     int
	WriteQueueSize   int
	// LinkCheckInterval is how often a quiet Ready link is read to prove it
	// is still up.
	LinkCheckInterval time.Duration

	Commands      bool
	PayloadFormat PayloadFormat
}

func (c *Config) EnsureDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.LinkCheckInterval == 0 {
		c.LinkCheckInterval = DefaultLinkCheckInterval
	}
	if c.PayloadFormat == "" {
		c.PayloadFormat = PayloadFormatJSON
	}
}

func (c Config) Validate() error {
	if c.Target.Name == "" && len(c.Target.MAC) == 0 {
		return fmt.Errorf("%w: one of node name or node mac is required", ErrInvalidConfig)
	}
	if len(c.Target.MAC) > 0 && len(c.Target.MAC) != 6 {
		return fmt.Errorf("%w: node mac must be a 48-bit address", ErrInvalidConfig)
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "+#") || strings.HasSuffix(c.TopicPrefix, "/") {
		return fmt.Errorf("%w: bad topic prefix %q", ErrInvalidConfig, c.TopicPrefix)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidConfig)
	}
	if c.BackoffCeiling < 1 {
		return fmt.Errorf("%w: backoff ceiling must be at least 1", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 || c.DiscoveryTimeout <= 0 || c.LinkCheckInterval <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > 0xFFFF {
		return fmt.Errorf("%w: max frame size out of range", ErrInvalidConfig)
	}
	if c.WriteQueueSize <= 0 {
		return fmt.Errorf("%w: write queue size must be positive", ErrInvalidConfig)
	}
	switch c.PayloadFormat {
	case PayloadFormatJSON, PayloadFormatCBOR:
	default:
		return fmt.Errorf("%w: unknown payload format %q", ErrInvalidConfig, c.PayloadFormat)
	}
	return nil
}
