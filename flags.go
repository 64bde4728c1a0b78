package main

import (
	"time"

	"meshtastic-ble-mqtt/application"

	"github.com/urfave/cli/v2"
)

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagNodeName = &cli.StringFlag{
	Name:     "node-name",
	Usage:    "advertised name of the meshtastic node",
	EnvVars:  []string{"NODE_NAME"},
	Required: false,
}

var FlagNodeMAC = &cli.StringFlag{
	Name:     "node-mac",
	Usage:    "bluetooth address of the meshtastic node, takes precedence over --node-name",
	EnvVars:  []string{"NODE_MAC"},
	Required: false,
}

var FlagTopicPrefix = &cli.StringFlag{
	Name:     "topic-prefix",
	EnvVars:  []string{"TOPIC_PREFIX"},
	Value:    application.DefaultTopicPrefix,
	Required: false,
}

var FlagReconnectInterval = &cli.IntFlag{
	Name:     "reconnect-interval",
	Usage:    "seconds before the first reconnect attempt, doubled per consecutive failure",
	EnvVars:  []string{"RECONNECT_INTERVAL"},
	Value:    int(application.DefaultReconnectInterval / time.Second),
	Required: false,
}

var FlagBackoffCeiling = &cli.IntFlag{
	Name:     "backoff-ceiling",
	Usage:    "cap of the reconnect delay as a multiple of --reconnect-interval",
	EnvVars:  []string{"BACKOFF_CEILING"},
	Value:    application.DefaultBackoffCeiling,
	Required: false,
}

var FlagConnectTimeout = &cli.DurationFlag{
	Name:     "connect-timeout",
	EnvVars:  []string{"CONNECT_TIMEOUT"},
	Value:    application.DefaultConnectTimeout,
	Required: false,
}

var FlagDiscoveryTimeout = &cli.DurationFlag{
	Name:     "discovery-timeout",
	EnvVars:  []string{"DISCOVERY_TIMEOUT"},
	Value:    application.DefaultDiscoveryTimeout,
	Required: false,
}

var FlagLinkCheckInterval = &cli.DurationFlag{
	Name:     "link-check-interval",
	Usage:    "how often a quiet link is read to detect that the node went away",
	EnvVars:  []string{"LINK_CHECK_INTERVAL"},
	Value:    application.DefaultLinkCheckInterval,
	Required: false,
}

var FlagMaxFrameSize = &cli.IntFlag{
	Name:     "max-frame-size",
	EnvVars:  []string{"MAX_FRAME_SIZE"},
	Value:    application.DefaultMaxFrameSize,
	Required: false,
}

var FlagWriteQueueSize = &cli.IntFlag{
	Name:     "write-queue-size",
	Usage:    "chunks buffered towards the node",
	EnvVars:  []string{"WRITE_QUEUE_SIZE"},
	Value:    application.DefaultWriteQueueSize,
	Required: false,
}

var FlagCommands = &cli.BoolFlag{
	Name:     "commands",
	Usage:    "forward messages from {prefix}/+/cmd to the mesh",
	EnvVars:  []string{"COMMANDS"},
	Required: false,
}

var FlagPayloadFormat = &cli.StringFlag{
	Name:     "payload-format",
	Usage:    "one of: [json, cbor]",
	EnvVars:  []string{"PAYLOAD_FORMAT"},
	Value:    string(application.PayloadFormatJSON),
	Required: false,
}

var FlagMQTTUrl = &cli.StringFlag{
	Name:     "mqtt-url",
	Usage:    "tcp://broker:port",
	EnvVars:  []string{"MQTT_URL"},
	Required: true,
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:     "mqtt-client-id",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Value:    "meshtastic-ble-mqtt",
	Required: false,
}

var FlagMQTTUsername = &cli.StringFlag{
	Name:     "mqtt-username",
	EnvVars:  []string{"MQTT_USERNAME"},
	Required: false,
}

var FlagMQTTPassword = &cli.StringFlag{
	Name:     "mqtt-password",
	EnvVars:  []string{"MQTT_PASSWORD"},
	Required: false,
}
