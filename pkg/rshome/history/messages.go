package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// Message is one persisted chat message. It is immutable once written.
type Message struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SenderID    string    `json:"sender_id"`
	SenderLabel string    `json:"sender_label"`
	Body        string    `json:"body"`
	IsFromSelf  bool      `json:"is_from_self"`
	ChannelID   string    `json:"channel_id"`
}

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 and 1970-01-01.
const ticksAtUnixEpoch int64 = 621355968000000000

// ToTicks converts t to UTC ticks (100ns intervals since 0001-01-01).
func ToTicks(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + ticksAtUnixEpoch
}

// FromTicks converts UTC ticks back to a time.
func FromTicks(ticks int64) time.Time {
	return time.Unix(0, (ticks-ticksAtUnixEpoch)*100).UTC()
}

// table describes the per-platform message table.
type table struct {
	name       string
	channelCol string
	numericIDs bool
}

var (
	discordTable = table{name: "discord_messages", channelCol: "channel_id", numericIDs: true}
	matrixTable  = table{name: "matrix_messages", channelCol: "room", numericIDs: false}
	consoleTable = table{name: "console_messages", channelCol: "session", numericIDs: false}
)

func (t table) bindID(field, value string) (any, error) {
	if strings.TrimSpace(value) == "" {
		return nil, faults.Invalid("%s must not be empty", field)
	}
	if !t.numericIDs {
		return value, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, faults.Invalid("%s %q is not a numeric id", field, value)
	}
	return n, nil
}

// AddDiscordMessage appends a Discord message. Writing an id twice is a no-op.
func (s *Store) AddDiscordMessage(ctx context.Context, m Message) error {
	return s.add(ctx, discordTable, m)
}

// AddMatrixMessage appends a Matrix message. Writing an id twice is a no-op.
func (s *Store) AddMatrixMessage(ctx context.Context, m Message) error {
	return s.add(ctx, matrixTable, m)
}

// GetLastMessagesForChannel returns the newest limit Discord messages of a
// channel in ascending timestamp order.
func (s *Store) GetLastMessagesForChannel(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return s.last(ctx, discordTable, channelID, limit)
}

// GetLastMessagesForRoom returns the newest limit Matrix messages of a room
// in ascending timestamp order.
func (s *Store) GetLastMessagesForRoom(ctx context.Context, room string, limit int) ([]Message, error) {
	return s.last(ctx, matrixTable, room, limit)
}

// GetOwnMessagesForTodayPlusLast returns the bot's own Matrix messages of the
// current UTC day together with the latest message of the day, ascending.
func (s *Store) GetOwnMessagesForTodayPlusLast(ctx context.Context, room string) ([]Message, error) {
	return s.selfTodayPlusLast(ctx, matrixTable, room)
}

func (s *Store) add(ctx context.Context, t table, m Message) error {
	id, err := t.bindID("id", m.ID)
	if err != nil {
		return err
	}
	userID, err := t.bindID("sender id", m.SenderID)
	if err != nil {
		return err
	}
	channelID, err := t.bindID("channel id", m.ChannelID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(m.SenderLabel) == "" {
		return faults.Invalid("sender label must not be empty")
	}
	if strings.TrimSpace(m.Body) == "" {
		return faults.Invalid("body must not be empty")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}

	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, ts, user_id, user_label, body, is_from_self, %s)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.name, t.channelCol)
	_, err = s.db.ExecContext(ctx, query, id, ToTicks(m.Timestamp), userID, m.SenderLabel, m.Body, m.IsFromSelf, channelID)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", t.name, err)
	}
	return nil
}

func (s *Store) last(ctx context.Context, t table, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	ch, err := t.bindID("channel id", channelID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT CAST(id AS TEXT), ts, CAST(user_id AS TEXT), user_label, body, is_from_self, CAST(%[2]s AS TEXT)
		FROM %[1]s WHERE %[2]s = ? ORDER BY ts DESC, rowid DESC LIMIT ?`, t.name, t.channelCol)
	msgs, err := s.query(ctx, query, ch, limit)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.name, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) selfTodayPlusLast(ctx context.Context, t table, channelID string) ([]Message, error) {
	ch, err := t.bindID("channel id", channelID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from, to := ToTicks(start), ToTicks(start.AddDate(0, 0, 1))

	query := fmt.Sprintf(`SELECT CAST(id AS TEXT), ts, CAST(user_id AS TEXT), user_label, body, is_from_self, CAST(%[2]s AS TEXT)
		FROM %[1]s
		WHERE %[2]s = ? AND ts >= ? AND ts < ?
		  AND (is_from_self = 1 OR rowid = (
			SELECT rowid FROM %[1]s WHERE %[2]s = ? AND ts >= ? AND ts < ? ORDER BY ts DESC, rowid DESC LIMIT 1))
		ORDER BY ts ASC, rowid ASC`, t.name, t.channelCol)
	msgs, err := s.query(ctx, query, ch, from, to, ch, from, to)
	if err != nil {
		return nil, fmt.Errorf("select own messages from %s: %w", t.name, err)
	}
	return msgs, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ticks int64
		if err := rows.Scan(&m.ID, &ticks, &m.SenderID, &m.SenderLabel, &m.Body, &m.IsFromSelf, &m.ChannelID); err != nil {
			return nil, err
		}
		m.Timestamp = FromTicks(ticks)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
