package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xaenox/inbox-triage/internal/models"
	"go.uber.org/zap"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// ErrInMemorySQLite is returned for SQLite paths that do not name a file.
// Migrations run on their own connection, so an in-memory database would
// lose the schema before the store uses it.
var ErrInMemorySQLite = errors.New("storage: sqlite path must name a file, not an in-memory database")

// IsInMemorySQLite reports whether path opens a private in-memory or
// temporary SQLite database.
func IsInMemorySQLite(path string) bool {
	p := strings.TrimSpace(path)
	return p == "" || strings.Contains(p, ":memory:") || strings.Contains(p, "mode=memory")
}

// DSN returns the connection string for the configured SQL driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", c.SQLitePath)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// SQLStorage implements Storage on database/sql for PostgreSQL and SQLite.
// Queries are written with ? placeholders and rebound per driver.
type SQLStorage struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// OpenSQLStorage connects, applies migrations and returns the store.
func OpenSQLStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	if config.Driver == DriverSQLite && IsInMemorySQLite(config.SQLitePath) {
		return nil, ErrInMemorySQLite
	}
	dsn := config.DSN()
	if err := Migrate(config.Driver, dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if config.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: connect to database: %w", err)
	}
	return NewSQLStorage(db, config.Driver, logger)
}

func NewSQLStorage(db *sql.DB, driver string, logger *zap.Logger) (*SQLStorage, error) {
	if db == nil {
		return nil, errors.New("storage: db must not be nil")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("storage: unsupported sql driver %q", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStorage{db: db, driver: driver, logger: logger}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const conversationColumns = `id, contact_phone, is_high_priority, is_opted_out, created_at`

func (s *SQLStorage) FindByContact(ctx context.Context, phone string) (*models.Conversation, error) {
	conv, err := s.selectConversation(ctx, s.db, "contact_phone", phone, false)
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, s.db, `WHERE conversation_id = ?`, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs[conv.ID]
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}
	return conv, nil
}

func (s *SQLStorage) Create(ctx context.Context, phone string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		conv, err = s.insertIfAbsent(ctx, tx, *models.NewConversation(uuid.New().String(), phone, time.Now().UTC()))
		return err
	})
	if err != nil {
		return nil, err
	}
	conv.Messages = []models.Message{}
	return conv, nil
}

func (s *SQLStorage) AppendMessage(ctx context.Context, msg models.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.selectConversation(ctx, tx, "id", msg.ConversationID, true); err != nil {
			return err
		}
		return s.insertMessage(ctx, tx, msg)
	})
}

func (s *SQLStorage) SaveFlags(ctx context.Context, conversationID string, flags models.Flags) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations
		SET is_high_priority = is_high_priority OR ?, is_opted_out = is_opted_out OR ?
		WHERE id = ?`), flags.HighPriority, flags.OptedOut, conversationID)
	if err != nil {
		return fmt.Errorf("storage: save flags: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: save flags: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStorage) QueryByFlag(ctx context.Context, highPriority bool) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE is_high_priority = ?
		ORDER BY created_at, id`), highPriority)
	if err != nil {
		return nil, fmt.Errorf("storage: query conversations: %w", err)
	}
	defer rows.Close()

	result := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ContactPhone, &c.IsHighPriority, &c.IsOptedOut, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query conversations: %w", err)
	}
	if len(result) == 0 {
		return result, nil
	}

	msgs, err := s.loadMessages(ctx, s.db,
		`WHERE conversation_id IN (SELECT id FROM conversations WHERE is_high_priority = ?)`, highPriority)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Messages = msgs[result[i].ID]
		if result[i].Messages == nil {
			result[i].Messages = []models.Message{}
		}
	}
	return result, nil
}

func (s *SQLStorage) Commit(ctx context.Context, c Commit) (*CommitResult, error) {
	var res *CommitResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.insertIfAbsent(ctx, tx, c.Conversation)
		if err != nil {
			return err
		}
		previous := conv.Flags()
		conv.Raise(c.Flags)

		if conv.Flags() != previous {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE conversations
				SET is_high_priority = is_high_priority OR ?, is_opted_out = is_opted_out OR ?
				WHERE id = ?`), c.Flags.HighPriority, c.Flags.OptedOut, conv.ID); err != nil {
				return fmt.Errorf("storage: raise flags: %w", err)
			}
		}

		msg := c.Message
		msg.ConversationID = conv.ID
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		res = &CommitResult{Conversation: *conv, Message: msg, Previous: previous}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}

// insertIfAbsent creates conv unless its contact already has a
// conversation, then returns the stored row locked for the rest of tx.
func (s *SQLStorage) insertIfAbsent(ctx context.Context, tx *sql.Tx, conv models.Conversation) (*models.Conversation, error) {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (id, contact_phone, is_high_priority, is_opted_out, created_at)
		VALUES (?, ?, FALSE, FALSE, ?)
		ON CONFLICT (contact_phone) DO NOTHING`), conv.ID, conv.ContactPhone, conv.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: insert conversation: %w", err)
	}
	return s.selectConversation(ctx, tx, "contact_phone", conv.ContactPhone, true)
}

func (s *SQLStorage) selectConversation(ctx context.Context, q querier, column, value string, forUpdate bool) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + column + ` = ?`
	if forUpdate && s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}

	var c models.Conversation
	err := q.QueryRowContext(ctx, s.rebind(query), value).
		Scan(&c.ID, &c.ContactPhone, &c.IsHighPriority, &c.IsOptedOut, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: select conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStorage) insertMessage(ctx context.Context, q querier, msg models.Message) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, conversation_id, seq, body, sender, intent, received_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.ConversationID, msg.Body, msg.Sender, string(msg.Intent), msg.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// loadMessages returns messages matching where, grouped by conversation
// and ordered by arrival.
func (s *SQLStorage) loadMessages(ctx context.Context, q querier, where string, args ...any) (map[string][]models.Message, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT id, conversation_id, body, sender, intent, received_at
		FROM messages `+where+`
		ORDER BY conversation_id, seq`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]models.Message)
	for rows.Next() {
		var (
			m      models.Message
			intent string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Body, &m.Sender, &intent, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Intent = models.Intent(intent)
		result[m.ConversationID] = append(result[m.ConversationID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	return result, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *SQLStorage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
