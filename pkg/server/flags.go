package server

import (
	"errors"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultPort        = 14490
	DefaultJoinTimeout = 2 * time.Second
)

// Flags defines CLI flags to configure a WebSocket server. These
// flags can also be set using environment variables and the
// application's configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "ws-hostname",
			Usage: "local hostname to bind the WebSocket listener to",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_HOSTNAME"),
				toml.TOML("server.hostname", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "ws-port",
			Usage: "local port number for WebSocket connections",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_PORT"),
				toml.TOML("server.port", configFilePath),
			),
			Validator: validatePort,
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "server's public certificate PEM file (enables wss)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_TLS_CERT"),
				toml.TOML("server.tls_cert", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "server's private key PEM file (enables wss)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_TLS_KEY"),
				toml.TOML("server.tls_key", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringSliceFlag{
			Name:  "trusted-origins",
			Usage: `accepted "Origin" header values (empty = accept all)`,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_TRUSTED_ORIGINS"),
				toml.TOML("server.trusted_origins", configFilePath),
			),
		},
		&cli.StringSliceFlag{
			Name:  "allowed-locations",
			Usage: "accepted request paths (empty = accept all)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_ALLOWED_LOCATIONS"),
				toml.TOML("server.allowed_locations", configFilePath),
			),
		},
		&cli.StringSliceFlag{
			Name:  "subprotocols",
			Usage: "supported subprotocols, in preference order",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_SUBPROTOCOLS"),
				toml.TOML("server.subprotocols", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "deflate-frame",
			Usage: `support the "deflate-frame" compression extension`,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_DEFLATE_FRAME"),
				toml.TOML("server.deflate_frame", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "deflate-max-window-bits",
			Usage: `"deflate-frame" LZ77 window size, as a power of 2`,
			Value: 15,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_DEFLATE_MAX_WINDOW_BITS"),
				toml.TOML("server.deflate_max_window_bits", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "deflate-no-context-takeover",
			Usage: `restart the "deflate-frame" compression window at every frame`,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_DEFLATE_NO_CONTEXT_TAKEOVER"),
				toml.TOML("server.deflate_no_context_takeover", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "jwt-secret",
			Usage: "optional HMAC secret: require a signed bearer token on every handshake",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_JWT_SECRET"),
				toml.TOML("server.jwt_secret", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "join-timeout",
			Usage: "maximum time to wait for client responses after sending CLOSE frames",
			Value: DefaultJoinTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CYMBAL_JOIN_TIMEOUT"),
				toml.TOML("server.join_timeout", configFilePath),
			),
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return errors.New("out of range [0-65535]")
	}
	return nil
}
