// Cymbal runs a WebSocket echo server: every text or binary message
// received from a client is sent back to it unchanged. It demonstrates
// the [websocket] and [server] packages working together.
//
// [websocket]: https://pkg.go.dev/github.com/tzrikka/cymbal/pkg/websocket
// [server]: https://pkg.go.dev/github.com/tzrikka/cymbal/pkg/server
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/cymbal/internal/logger"
	"github.com/tzrikka/cymbal/pkg/server"
	"github.com/tzrikka/cymbal/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "cymbal"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "cymbal",
		Usage:   "WebSocket echo server",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))

			s, err := server.New(cmd, echoHandler())
			if err != nil {
				return err
			}
			return s.Run(ctx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// echoHandler sends every received data message back to its sender.
func echoHandler() server.Handler {
	return server.Handler{
		OnMessage: func(c *server.Client, msg *websocket.Message) {
			if err := c.Send(msg); err != nil {
				slog.Error("failed to echo message",
					slog.Any("error", err), slog.String("conn_id", c.ID))
			}
		},
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}

	return append(fs, server.Flags(configFile())...)
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the logger for the WebSocket library, based on
// whether the server is running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}
