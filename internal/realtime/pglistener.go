package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// InsertChannel is the Postgres NOTIFY channel raised by the
// chat_messages insert trigger (see migrations).
const InsertChannel = "chat_message_inserted"

// Publisher accepts insert events.
type Publisher interface {
	PublishInsert(chatID, messageID string)
}

// insertPayload is the JSON body of an InsertChannel notification.
type insertPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// PGListener relays Postgres insert notifications to a Publisher.
type PGListener struct {
	dsn       string
	publisher Publisher
	logger    *slog.Logger
	connected atomic.Bool
	running   atomic.Bool
}

// NewPGListener creates a listener for the database at dsn.
func NewPGListener(dsn string, publisher Publisher, logger *slog.Logger) *PGListener {
	return &PGListener{dsn: dsn, publisher: publisher, logger: logger}
}

// Connected reports whether the LISTEN connection is currently up.
func (l *PGListener) Connected() bool { return l.connected.Load() }

// Running reports whether Start is active.
func (l *PGListener) Running() bool { return l.running.Load() }

// Start listens until ctx is done. Call in a goroutine.
func (l *PGListener) Start(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	listener := pq.NewListener(l.dsn, time.Second, time.Minute, l.onEvent)
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(InsertChannel); err != nil {
		return err
	}
	l.connected.Store(true)
	l.logger.Info("listening for chat message inserts", "channel", InsertChannel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; notifications sent while down are lost and
				// live views catch up from history on their next load.
				l.logger.Warn("insert listener reconnected, notifications may have been missed")
				continue
			}
			l.relay(n.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("insert listener ping failed", "error", err)
			}
		}
	}
}

func (l *PGListener) relay(extra string) {
	var p insertPayload
	if err := json.Unmarshal([]byte(extra), &p); err != nil {
		l.logger.Warn("malformed insert notification", "payload", extra, "error", err)
		return
	}
	if p.ChatID == "" || p.MessageID == "" {
		l.logger.Warn("incomplete insert notification", "payload", extra)
		return
	}
	l.publisher.PublishInsert(p.ChatID, p.MessageID)
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.connected.Store(true)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("insert listener connection problem", "error", err)
		}
	}
}
