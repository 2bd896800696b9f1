package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/trustmarket/internal/idgen"
	"github.com/mbd888/trustmarket/internal/pagination"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists chats and messages in PostgreSQL. Inserts into
// chat_messages raise a NOTIFY on the chat_message_inserted channel
// (see migrations) which realtime.PGListener relays.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed chat store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const chatColumns = `id, post_id, buyer_id, seller_id, participant_low, participant_high,
		       deal_status, active_offer_id, agreed_amount::TEXT, created_at, updated_at`

const messageColumns = `id, chat_id, sender_id, message_type, body,
		       offer_amount::TEXT, entered_status, created_at`

func (p *PostgresStore) CreateChat(ctx context.Context, c *Chat) error {
	if len(c.ParticipantIDs) != 2 {
		return fmt.Errorf("chat %s must have exactly two participants", c.ID)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chats (
			id, post_id, buyer_id, seller_id, participant_low, participant_high,
			deal_status, active_offer_id, agreed_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(15,2), $10, $11)`,
		c.ID, c.PostID, c.BuyerID, c.SellerID, c.ParticipantIDs[0], c.ParticipantIDs[1],
		string(c.DealStatus), nullString(c.ActiveOfferID), nullString(c.AgreedAmount),
		c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateChat
	}
	return err
}

func (p *PostgresStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)

	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	return c, err
}

func (p *PostgresStore) ListByPost(ctx context.Context, postID string) ([]*Chat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE post_id = $1
		ORDER BY created_at DESC, id DESC`, postID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanChats(rows)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Chat, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE (participant_low = $1 OR participant_high = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2::TIMESTAMPTZ, $3::TEXT))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, afterAt, afterID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanChats(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []DealStatus, afterID string, limit int) ([]*Chat, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE deal_status = ANY($1) AND id > $2
		ORDER BY id
		LIMIT $3`, pq.Array(names), afterID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanChats(rows)
}

// Apply runs cmd in one transaction. The chat row is locked FOR UPDATE so
// commands on the same chat serialize across server instances; the
// status and active-offer expectations are checked under that lock.
func (p *PostgresStore) Apply(ctx context.Context, cmd *Command) (*Result, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	res, err := p.applyTx(ctx, tx, cmd)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PostgresStore) applyTx(ctx context.Context, tx *sql.Tx, cmd *Command) (*Result, error) {
	c, err := scanChat(tx.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1 FOR UPDATE`, cmd.ChatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		var msgID string
		err := tx.QueryRowContext(ctx, `
			SELECT message_id FROM chat_commands
			WHERE chat_id = $1 AND idempotency_key = $2`,
			cmd.ChatID, cmd.IdempotencyKey).Scan(&msgID)
		switch {
		case err == nil:
			msg, err := scanMessage(tx.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, msgID))
			if err != nil {
				return nil, err
			}
			return &Result{Chat: c, Message: msg, Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	if err := cmd.check(c); err != nil {
		return nil, err
	}

	// Postgres keeps microseconds; truncate so returned values match stored ones.
	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := copyMessage(cmd.Append)
	if msg.ID == "" {
		msg.ID = idgen.Message()
	}
	msg.ChatID = cmd.ChatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (
			id, chat_id, sender_id, message_type, body, offer_amount, entered_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(15,2), $7, $8)`,
		msg.ID, msg.ChatID, msg.SenderID, string(msg.Type), msg.Body,
		nullString(msg.OfferAmount), nullString(string(msg.EnteredStatus)), msg.CreatedAt,
	); err != nil {
		return nil, err
	}

	cmd.apply(c, msg, now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET
			deal_status = $1, active_offer_id = $2, agreed_amount = $3::NUMERIC(15,2), updated_at = $4
		WHERE id = $5`,
		string(c.DealStatus), nullString(c.ActiveOfferID), nullString(c.AgreedAmount), c.UpdatedAt, c.ID,
	); err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_commands (chat_id, idempotency_key, message_id, created_at)
			VALUES ($1, $2, $3, $4)`,
			cmd.ChatID, cmd.IdempotencyKey, msg.ID, now,
		); err != nil {
			return nil, err
		}
	}

	return &Result{Chat: c, Message: msg}, nil
}

func (p *PostgresStore) CommandMessage(ctx context.Context, chatID, key string) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE id = (
			SELECT message_id FROM chat_commands
			WHERE chat_id = $1 AND idempotency_key = $2
		)`, chatID, key)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

func (p *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2`, chatID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(s scanner) (*Chat, error) {
	c := &Chat{}
	var (
		low, high    string
		status       string
		activeOffer  sql.NullString
		agreedAmount sql.NullString
	)

	err := s.Scan(
		&c.ID, &c.PostID, &c.BuyerID, &c.SellerID, &low, &high,
		&status, &activeOffer, &agreedAmount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ParticipantIDs = []string{low, high}
	c.DealStatus = DealStatus(status)
	c.ActiveOfferID = activeOffer.String
	c.AgreedAmount = agreedAmount.String
	return c, nil
}

func scanChats(rows *sql.Rows) ([]*Chat, error) {
	var result []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanMessage(s scanner) (*Message, error) {
	m := &Message{}
	var (
		msgType       string
		offerAmount   sql.NullString
		enteredStatus sql.NullString
	)

	err := s.Scan(
		&m.ID, &m.ChatID, &m.SenderID, &msgType, &m.Body,
		&offerAmount, &enteredStatus, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Type = MessageType(msgType)
	m.OfferAmount = offerAmount.String
	m.EnteredStatus = DealStatus(enteredStatus.String)
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullLimit maps a non-positive limit to SQL NULL (LIMIT ALL).
func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
