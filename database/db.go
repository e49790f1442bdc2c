package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"scuffedchat/logger"
	"scuffedchat/models"
	"scuffedchat/realtime"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Local is a single-file SQLite store with an in-process change feed. It
// backs the local development mode and integration tests with the same
// repository and feed contracts as the remote store.
type Local struct {
	DB   *sql.DB
	feed *realtime.Hub
	log  *zap.Logger
	now  func() time.Time
}

// OpenLocal opens (or creates) the database at path and publishes row
// changes to feed.
func OpenLocal(path string, feed *realtime.Hub, log *zap.Logger) (*Local, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	l := &Local{
		DB:   db,
		feed: feed,
		log:  logger.OrNop(log).With(zap.String("component", "sqlite")),
		now:  time.Now,
	}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	l.log.Info("Database initialized successfully", zap.String("path", path))
	return l, nil
}

// Close closes the database.
func (l *Local) Close() error {
	return l.DB.Close()
}

func (l *Local) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		avatar_url TEXT DEFAULT '',
		bio TEXT,
		status TEXT DEFAULT 'offline',
		last_online TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		is_read BOOLEAN DEFAULT FALSE,
		reply_to TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (sender_id <> receiver_id),
		FOREIGN KEY (reply_to) REFERENCES messages(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);
	`

	_, err := l.DB.Exec(tables)
	return err
}

func (l *Local) stamp() string {
	return l.now().UTC().Format(timeLayout)
}

// publish announces a row change on the feed. Rows are marshaled to JSON
// so feed consumers decode them exactly as they would remote events.
func (l *Local) publish(table string, kind models.EventKind, row interface{}) {
	if l.feed == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		l.log.Error("encode change event", zap.String("table", table), zap.Error(err))
		return
	}
	l.feed.Publish(models.RawEvent{Table: table, Kind: kind, New: data})
}

// Message queries

const messageSelect = `SELECT id, sender_id, receiver_id, content, is_read, reply_to, created_at, updated_at FROM messages`

// QueryMessages returns messages matching any equality of f
func (l *Local) QueryMessages(ctx context.Context, sess models.Session, f Filter) ([]models.Message, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	query := messageSelect
	args := make([]interface{}, 0, len(f.AnyOf))
	if len(f.AnyOf) > 0 {
		conds := make([]string, len(f.AnyOf))
		for i, eq := range f.AnyOf {
			conds[i] = eq.Column + " = ?"
			args = append(args, eq.Value)
		}
		query += " WHERE " + strings.Join(conds, " OR ")
	}
	if len(f.OrderBy) > 0 {
		query += " ORDER BY " + strings.Join(f.OrderBy, ", ")
	}

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &IOError{Op: "query messages", Err: err}
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, &IOError{Op: "query messages", Err: err}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "query messages", Err: err}
	}
	return messages, nil
}

// InsertMessage creates a new message with a store-assigned id and time
func (l *Local) InsertMessage(ctx context.Context, sess models.Session, m models.NewMessage) (models.Message, error) {
	if err := sess.Validate(); err != nil {
		return models.Message{}, err
	}
	if err := m.Validate(); err != nil {
		return models.Message{}, err
	}

	id := uuid.NewString()
	now := l.stamp()
	_, err := l.DB.ExecContext(ctx,
		"INSERT INTO messages (id, sender_id, receiver_id, content, is_read, reply_to, created_at, updated_at) VALUES (?, ?, ?, ?, FALSE, ?, ?, ?)",
		id, m.SenderID, m.ReceiverID, m.Content, m.ReplyTo, now, now,
	)
	if err != nil {
		return models.Message{}, &IOError{Op: "insert message", Err: err}
	}

	msg, err := l.GetMessageByID(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	l.publish(models.TableMessages, models.EventInsert, msg)
	return msg, nil
}

// UpdateMessage patches one message by id
func (l *Local) UpdateMessage(ctx context.Context, sess models.Session, id string, patch models.MessagePatch) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if patch.IsRead == nil {
		return nil
	}

	result, err := l.DB.ExecContext(ctx,
		"UPDATE messages SET is_read = ?, updated_at = ? WHERE id = ?",
		*patch.IsRead, l.stamp(), id,
	)
	if err != nil {
		return &IOError{Op: "update message", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	msg, err := l.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	l.publish(models.TableMessages, models.EventUpdate, msg)
	return nil
}

// GetMessageByID retrieves a message by its ID
func (l *Local) GetMessageByID(ctx context.Context, id string) (models.Message, error) {
	row := l.DB.QueryRowContext(ctx, messageSelect+" WHERE id = ?", id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, &IOError{Op: "get message", Err: err}
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner) (models.Message, error) {
	var (
		msg                  models.Message
		replyTo              sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.IsRead, &replyTo, &createdAt, &updatedAt); err != nil {
		return models.Message{}, err
	}
	if replyTo.Valid && replyTo.String != "" {
		ref := replyTo.String
		msg.ReplyTo = &ref
	}
	var err error
	if msg.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
		return models.Message{}, err
	}
	if msg.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Profile queries

const profileSelect = `SELECT id, username, avatar_url, bio, status, last_online, created_at, updated_at FROM profiles`

// CreateProfile inserts a profile for an identity issued by the auth provider
func (l *Local) CreateProfile(ctx context.Context, id, username, avatarURL string) (models.Profile, error) {
	now := l.stamp()
	_, err := l.DB.ExecContext(ctx,
		"INSERT INTO profiles (id, username, avatar_url, status, created_at, updated_at) VALUES (?, ?, ?, 'offline', ?, ?)",
		id, username, avatarURL, now, now,
	)
	if err != nil {
		return models.Profile{}, &IOError{Op: "create profile", Err: err}
	}
	p, err := l.getProfile(ctx, id)
	if err != nil {
		return models.Profile{}, err
	}
	l.publish(models.TableProfiles, models.EventInsert, p)
	return p, nil
}

// GetProfile retrieves a profile by id
func (l *Local) GetProfile(ctx context.Context, sess models.Session, id string) (models.Profile, error) {
	if err := sess.Validate(); err != nil {
		return models.Profile{}, err
	}
	return l.getProfile(ctx, id)
}

func (l *Local) getProfile(ctx context.Context, id string) (models.Profile, error) {
	p, err := scanProfile(l.DB.QueryRowContext(ctx, profileSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, &IOError{Op: "get profile", Err: err}
	}
	return p, nil
}

// ListProfiles returns every profile ordered by username
func (l *Local) ListProfiles(ctx context.Context, sess models.Session) ([]models.Profile, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	rows, err := l.DB.QueryContext(ctx, profileSelect+" ORDER BY username")
	if err != nil {
		return nil, &IOError{Op: "list profiles", Err: err}
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, &IOError{Op: "list profiles", Err: err}
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile applies a profile edit
func (l *Local) UpdateProfile(ctx context.Context, sess models.Session, id string, patch models.ProfilePatch) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	sets := []string{}
	args := []interface{}{}
	if patch.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *patch.Username)
	}
	if patch.AvatarURL != nil {
		sets = append(sets, "avatar_url = ?")
		args = append(args, *patch.AvatarURL)
	}
	if patch.Bio != nil {
		sets = append(sets, "bio = ?")
		args = append(args, *patch.Bio)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, l.stamp(), id)
	return l.updateProfile(ctx, "update profile", id, "UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
}

// UpdateStatus writes the presence fields of a profile
func (l *Local) UpdateStatus(ctx context.Context, sess models.Session, id string, u models.StatusUpdate) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if _, err := models.ParseStatus(string(u.Status)); err != nil {
		return err
	}
	if u.LastOnline != nil {
		return l.updateProfile(ctx, "update status", id,
			"UPDATE profiles SET status = ?, last_online = ?, updated_at = ? WHERE id = ?",
			string(u.Status), u.LastOnline.UTC().Format(timeLayout), l.stamp(), id)
	}
	return l.updateProfile(ctx, "update status", id,
		"UPDATE profiles SET status = ?, updated_at = ? WHERE id = ?",
		string(u.Status), l.stamp(), id)
}

func (l *Local) updateProfile(ctx context.Context, op, id, query string, args ...interface{}) error {
	result, err := l.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return &IOError{Op: op, Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p, err := l.getProfile(ctx, id)
	if err != nil {
		return err
	}
	l.publish(models.TableProfiles, models.EventUpdate, p)
	return nil
}

func scanProfile(s scanner) (models.Profile, error) {
	var (
		p                    models.Profile
		bio, lastOnline      sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := s.Scan(&p.ID, &p.Username, &p.AvatarURL, &bio, &status, &lastOnline, &createdAt, &updatedAt); err != nil {
		return models.Profile{}, err
	}
	if bio.Valid {
		b := bio.String
		p.Bio = &b
	}
	p.Status = models.StatusOffline
	if st, err := models.ParseStatus(status); err == nil {
		p.Status = st
	}
	if lastOnline.Valid && lastOnline.String != "" {
		t, err := models.ParseTimestamp(lastOnline.String)
		if err != nil {
			return models.Profile{}, err
		}
		p.LastOnline = &t
	}
	var err error
	if p.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
		return models.Profile{}, err
	}
	if p.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return models.Profile{}, err
	}
	return p, nil
}

// LocalBeacon writes the offline status straight to the database file,
// skipping the repository path and the feed. It is the termination-time
// write for the local store.
type LocalBeacon struct {
	db *sql.DB
}

// Beacon returns the termination writer for this store.
func (l *Local) Beacon() *LocalBeacon {
	return &LocalBeacon{db: l.DB}
}

// SendOffline marks userID offline as of at. One attempt, no retry.
func (b *LocalBeacon) SendOffline(userID string, at time.Time) error {
	stamp := at.UTC().Format(timeLayout)
	_, err := b.db.Exec(
		"UPDATE profiles SET status = 'offline', last_online = ?, updated_at = ? WHERE id = ?",
		stamp, stamp, userID,
	)
	return err
}
