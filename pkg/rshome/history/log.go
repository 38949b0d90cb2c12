package history

import "context"

// Log is a platform-bound view of the store. It satisfies the message log
// interface the bridge pipeline consumes.
type Log struct {
	store *Store
	table table
}

// Discord returns the Discord message log.
func (s *Store) Discord() *Log { return &Log{store: s, table: discordTable} }

// Matrix returns the Matrix message log.
func (s *Store) Matrix() *Log { return &Log{store: s, table: matrixTable} }

// Console returns the log used by the local terminal platform.
func (s *Store) Console() *Log { return &Log{store: s, table: consoleTable} }

// Append writes m; duplicates by id are ignored.
func (l *Log) Append(ctx context.Context, m Message) error {
	return l.store.add(ctx, l.table, m)
}

// Recent returns the newest limit messages of a channel, oldest first.
func (l *Log) Recent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return l.store.last(ctx, l.table, channelID, limit)
}

// SelfTodayPlusLast returns today's own messages of a channel plus the
// latest message of today, oldest first.
func (l *Log) SelfTodayPlusLast(ctx context.Context, channelID string) ([]Message, error) {
	return l.store.selfTodayPlusLast(ctx, l.table, channelID)
}

// Settings exposes the key/value store behind the log.
func (l *Log) Settings() *Store { return l.store }
