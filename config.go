package main

import (
	"fmt"
	"net"
	"time"

	"meshtastic-ble-mqtt/application"

	"github.com/urfave/cli/v2"
)

func configFromFlags(ctx *cli.Context) (application.Config, error) {
	cfg := application.Config{
		Target:            application.TargetIdentity{Name: ctx.String(FlagNodeName.Name)},
		TopicPrefix:       ctx.String(FlagTopicPrefix.Name),
		ReconnectInterval: time.Duration(ctx.Int(FlagReconnectInterval.Name)) * time.Second,
		BackoffCeiling:    ctx.Int(FlagBackoffCeiling.Name),
		ConnectTimeout:    ctx.Duration(FlagConnectTimeout.Name),
		DiscoveryTimeout:  ctx.Duration(FlagDiscoveryTimeout.Name),
		MaxFrameSize:      ctx.Int(FlagMaxFrameSize.Name),
		WriteQueueSize:    ctx.Int(FlagWriteQueueSize.Name),
		LinkCheckInterval: ctx.Duration(FlagLinkCheckInterval.Name),
		Commands:          ctx.Bool(FlagCommands.Name),
		PayloadFormat:     application.PayloadFormat(ctx.String(FlagPayloadFormat.Name)),
	}

	if s := ctx.String(FlagNodeMAC.Name); s != "" {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return application.Config{}, fmt.Errorf("%w: node mac: %w", application.ErrInvalidConfig, err)
		}
		cfg.Target.MAC = mac
	}

	if err := cfg.Validate(); err != nil {
		return application.Config{}, err
	}
	return cfg, nil
}
