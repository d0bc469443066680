// Wstest tests Cymbal's [WebSocket client] against
// the fuzzing server of the [Autobahn Testsuite].
//
// Set CYMBAL_WSTEST_DEFLATE=1 to offer the "deflate-frame"
// compression extension in every connection.
//
// [WebSocket client]: https://pkg.go.dev/github.com/tzrikka/cymbal/pkg/websocket
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/tzrikka/cymbal/internal/logger"
	"github.com/tzrikka/cymbal/pkg/websocket"
)

const (
	baseURL = "ws://127.0.0.1:9001"
	agent   = "cymbal"
)

func main() {
	n := getCaseCount()
	slog.Info("case count", slog.Int("n", n))

	for i := range n {
		runCase(i + 1)
	}

	updateReports()
}

func dial(url string) (*websocket.Conn, error) {
	cfg := websocket.Config{}

	if os.Getenv("CYMBAL_WSTEST_DEFLATE") == "1" {
		ext, err := websocket.DeflateFrame(nil, nil)
		if err != nil {
			return nil, err
		}
		cfg.Extensions = []*websocket.Extension{ext}
	}

	return websocket.Dial(context.Background(), url, cfg, websocket.Handler{})
}

// getCaseCount retrieves the number of enabled test cases from
// the Autobahn fuzzing server, using a WebSocket request.
func getCaseCount() int {
	conn, err := dial(baseURL + "/getCaseCount")
	if err != nil {
		logger.FatalError("dial error", err)
	}

	msg, err := conn.Recv()
	if err != nil {
		slog.Debug("connection closed")
		return 0
	}

	n, err := strconv.Atoi(msg.Text())
	if err != nil {
		logger.FatalError("invalid test case count", err)
	}

	return n
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports() {
	slog.Info("updating reports")

	url := fmt.Sprintf("%s/updateReports?agent=%s", baseURL, agent)
	if _, err := dial(url); err != nil {
		logger.FatalError("dial error", err)
	}
}

func runCase(i int) {
	l := slog.With(slog.Int("case", i))
	l.Info("starting test")

	conn, err := dial(fmt.Sprintf("%s/runCase?case=%d&agent=%s", baseURL, i, agent))
	if err != nil {
		logger.FatalError("dial error", err)
	}

	// Echo loop.
	for {
		msg, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, websocket.ErrClosed) {
				l.Debug("connection failed", slog.Any("error", err))
			}
			l.Debug("connection closed")
			break
		}

		l = l.With(slog.String("opcode", msg.Opcode.String()))
		l.Info("received message", slog.Int("length", len(msg.Payload)))

		switch msg.Opcode {
		case websocket.OpcodeText, websocket.OpcodeBinary:
			err = conn.Send(msg)
		default:
			l.Error("unexpected opcode in data message")
			os.Exit(1)
		}

		if err != nil {
			l.Error("echo error", slog.Any("error", err))
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}
