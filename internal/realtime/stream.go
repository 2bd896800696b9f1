package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/trustmarket/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Frame is one JSON message written to a stream.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Stream upgrades the request to a WebSocket, writes the initial frames,
// then forwards every frame from updates until updates closes, the client
// disconnects, or ctx is done. Inbound client messages are ignored apart
// from control frames.
func Stream(ctx context.Context, w http.ResponseWriter, r *http.Request, initial []Frame, updates <-chan Frame, logger *slog.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	clientGone := make(chan struct{})
	go readPump(conn, clientGone, logger)

	for _, f := range initial {
		if err := writeFrame(conn, f); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeConn(conn, websocket.CloseGoingAway)
			return nil
		case <-clientGone:
			return nil
		case f, ok := <-updates:
			if !ok {
				closeConn(conn, websocket.CloseNormalClosure)
				return nil
			}
			if err := writeFrame(conn, f); err != nil {
				logger.Warn("websocket write error", "error", err)
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return nil
			}
		}
	}
}

// readPump drains the connection so control frames are processed, and
// signals when the client goes away.
func readPump(conn *websocket.Conn, gone chan<- struct{}, logger *slog.Logger) {
	defer close(gone)

	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeConn(conn *websocket.Conn, code int) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
