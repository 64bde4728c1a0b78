package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshtastic-ble-mqtt/adapters"
	"meshtastic-ble-mqtt/application"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var Flags = []cli.Flag{
	FlagLogLevel,
	FlagLogWriter,
	FlagNodeName,
	FlagNodeMAC,
	FlagTopicPrefix,
	FlagReconnectInterval,
	FlagBackoffCeiling,
	FlagConnectTimeout,
	FlagDiscoveryTimeout,
	FlagLinkCheckInterval,
	FlagMaxFrameSize,
	FlagWriteQueueSize,
	FlagCommands,
	FlagPayloadFormat,
	FlagMQTTUrl,
	FlagMQTTClientID,
	FlagMQTTUsername,
	FlagMQTTPassword,
}

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    "meshtastic-ble-mqtt",
		Usage:   "bridge a meshtastic node to mqtt over bluetooth low energy",
		Version: "v0.1.0",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			if ctx.String(FlagLogWriter.Name) == "console" {
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			} else if ctx.String(FlagLogWriter.Name) == "json" {
				logWriter = os.Stderr
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "meshtastic-ble-mqtt").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)
			adapters.SetPahoLoggers(logger.With().Str("module", "mqtt-client").Logger())

			return nil
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Msg("service starting...")

			cfg, err := configFromFlags(ctx)
			if err != nil {
				return err
			}

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			route := application.TopicRoute{Prefix: cfg.TopicPrefix}
			mqttClient := adapters.NewMQTTClient(adapters.MQTTClientParams{
				ClientID:    ctx.String(FlagMQTTClientID.Name),
				Username:    ctx.String(FlagMQTTUsername.Name),
				Password:    ctx.String(FlagMQTTPassword.Name),
				MQTTUrl:     ctx.String(FlagMQTTUrl.Name),
				WillTopic:   route.AvailabilityTopic(),
				WillPayload: "offline",
				Log:         logger.With().Str("module", "mqtt-client").Logger(),
			})

			bleDriver, err := adapters.NewBLEDriver(adapters.BLEDriverParams{
				Log: logger.With().Str("module", "ble-driver").Logger(),
			})
			if err != nil {
				return err
			}

			gatewayService, err := application.NewGatewayService(application.GatewayServiceParams{
				Config:     cfg,
				BLEDriver:  bleDriver,
				MQTTClient: mqttClient,
				Log:        logger.With().Str("module", "gateway").Logger(),
			})
			if err != nil {
				return err
			}

			logger.Info().Msg("service started")
			err = gatewayService.Run(appCtx)
			if err != nil {
				return err
			}

			logger.Info().Msg("service terminating...")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}
