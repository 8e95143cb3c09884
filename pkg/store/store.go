// Package store is the persistence engine. It owns every row mutation:
// other components consume snapshots and never touch the database
// directly. Message seq values are allocated under a per-conversation
// lock and are gap-free within a conversation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
)

// Conversation is a stored conversation row.
type Conversation struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Model      string                 `json:"model,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Message is a stored message row with its attached tool artifacts.
// ContentJSON is server-internal and never serialized into API responses.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Seq            int          `json:"seq"`
	Role           string       `json:"role"`
	Content        string       `json:"content"`
	ContentJSON    string       `json:"-"`
	Status         string       `json:"status"`
	FinishReason   string       `json:"finish_reason,omitempty"`
	TokensIn       int          `json:"tokens_in,omitempty"`
	TokensOut      int          `json:"tokens_out,omitempty"`
	TokensTotal    int          `json:"tokens_total,omitempty"`
	ResponseID     string       `json:"response_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolOutputs    []ToolOutput `json:"tool_outputs,omitempty"`
}

// ToolCall is a child row of an assistant message.
type ToolCall struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id,omitempty"`
	CallIndex  int    `json:"call_index"`
	ToolName   string `json:"tool_name"`
	Arguments  string `json:"arguments"`
	TextOffset int    `json:"text_offset,omitempty"`
}

// ToolOutput is a child row of a tool message, referencing a tool call.
type ToolOutput struct {
	ID         string `json:"id"`
	ToolCallID string `json:"tool_call_id"`
	MessageID  string `json:"message_id,omitempty"`
	Output     string `json:"output"`
	Status     string `json:"status"`
}

// Store wraps the SQL database. Seq allocation and finalization serialize
// on a per-conversation mutex; reads are lock-free and may observe draft
// rows.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open connects using a database URL and infers the driver: postgres://
// and mysql:// URLs select their drivers, anything else is treated as a
// SQLite DSN (including file::memory:).
func Open(dbURL string) (*sql.DB, string, error) {
	var driver, dsn, dialect string
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		driver, dsn, dialect = "postgres", dbURL, "postgres"
	case strings.HasPrefix(dbURL, "mysql://"):
		driver, dsn, dialect = "mysql", strings.TrimPrefix(dbURL, "mysql://"), "mysql"
	default:
		driver, dsn, dialect = "sqlite3", dbURL, "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening database: %w", err)
	}
	if dialect == "sqlite" {
		// SQLite writes serialize on a single connection.
		db.SetMaxOpenConns(1)
	}
	return db, dialect, nil
}

// New wraps a database connection and creates the schema.
func New(db *sql.DB, dialect string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// convLock returns the mutex serializing seq allocation for one
// conversation.
func (s *Store) convLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

func (s *Store) q(query string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// Conversations
// =============================================================================

// CreateConversation inserts a conversation row. A missing id is generated.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	metadata := "{}"
	if conv.Metadata != nil {
		b, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	query := s.q(`INSERT INTO conversations (id, user_id, session_id, title, model, provider_id, metadata, created_at, updated_at)
	              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.UserID, conv.SessionID, conv.Title, conv.Model, conv.ProviderID, metadata, now, now)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation fetches an active conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := s.q(`SELECT id, user_id, session_id, title, model, provider_id, metadata, created_at, updated_at
	              FROM conversations WHERE id = ? AND deleted_at IS NULL`)

	var conv Conversation
	var metadata sql.NullString
	var userID, sessionID, title, model, providerID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &userID, &sessionID, &title, &model, &providerID, &metadata,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.UserID = userID.String
	conv.SessionID = sessionID.String
	conv.Title = title.String
	conv.Model = model.String
	conv.ProviderID = providerID.String
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

// ListConversations returns active conversations for a user, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.q(`SELECT id, user_id, session_id, title, model, provider_id, metadata, created_at, updated_at
	              FROM conversations WHERE user_id = ? AND deleted_at IS NULL
	              ORDER BY updated_at DESC LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var metadata sql.NullString
		var uid, sid, title, model, pid sql.NullString
		if err := rows.Scan(&conv.ID, &uid, &sid, &title, &model, &pid, &metadata,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.UserID = uid.String
		conv.SessionID = sid.String
		conv.Title = title.String
		conv.Model = model.String
		conv.ProviderID = pid.String
		if metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &conv.Metadata)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// DeleteConversation soft-deletes a conversation. Rows stay in place;
// reads filter them out.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	query := s.q(`UPDATE conversations SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	s.journal(ctx, id, "", "conversation_deleted", nil)
	return nil
}

func (s *Store) touchConversation(ctx context.Context, id string) {
	query := s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		s.logger.Warn("failed to touch conversation", "conversation_id", id, "error", err)
	}
}

// =============================================================================
// Messages
// =============================================================================

// nextSeq returns the next gap-free seq for a conversation. Callers must
// hold the conversation lock.
func (s *Store) nextSeq(ctx context.Context, conversationID string) (int, error) {
	query := s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`)
	var seq int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}
	return seq, nil
}

// TailSeq returns the current tail seq and its message id; (0, "") for an
// empty conversation.
func (s *Store) TailSeq(ctx context.Context, conversationID string) (int, string, error) {
	query := s.q(`SELECT seq, id FROM messages WHERE conversation_id = ?
	              ORDER BY seq DESC LIMIT 1`)
	var seq int
	var id string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&seq, &id)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to get tail seq: %w", err)
	}
	return seq, id, nil
}

// AppendMessage allocates the next seq and inserts a final message row,
// along with any attached tool calls and outputs.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	lock := s.convLock(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = "final"
	}
	now := time.Now()
	msg.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertMessageTx(ctx, tx, msg, now); err != nil {
		return nil, err
	}
	if err := s.insertToolArtifactsTx(ctx, tx, msg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.touchConversation(ctx, msg.ConversationID)
	return msg, nil
}

func (s *Store) insertMessageTx(ctx context.Context, tx *sql.Tx, msg *Message, now time.Time) error {
	query := s.q(`INSERT INTO messages (id, conversation_id, seq, role, content, content_json, status,
	              finish_reason, tokens_in, tokens_out, tokens_total, response_id, created_at, updated_at)
	              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, msg.ContentJSON, msg.Status,
		msg.FinishReason, msg.TokensIn, msg.TokensOut, msg.TokensTotal, msg.ResponseID, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *Store) insertToolArtifactsTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	for i, tc := range msg.ToolCalls {
		query := s.q(`INSERT INTO tool_calls (id, message_id, call_index, tool_name, arguments, text_offset)
		              VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query,
			tc.ID, msg.ID, i, tc.ToolName, tc.Arguments, tc.TextOffset); err != nil {
			return fmt.Errorf("failed to insert tool call: %w", err)
		}
	}
	for _, to := range msg.ToolOutputs {
		if to.ID == "" {
			to.ID = uuid.NewString()
		}
		if to.Status == "" {
			to.Status = "success"
		}
		query := s.q(`INSERT INTO tool_outputs (id, tool_call_id, message_id, output, status)
		              VALUES (?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query,
			to.ID, to.ToolCallID, msg.ID, to.Output, to.Status); err != nil {
			return fmt.Errorf("failed to insert tool output: %w", err)
		}
	}
	return nil
}

// GetMessage fetches a single message with its tool artifacts.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	query := s.q(messageColumns + ` FROM messages WHERE conversation_id = ? AND id = ?`)
	row := s.db.QueryRowContext(ctx, query, conversationID, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if err := s.attachToolArtifacts(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

const messageColumns = `SELECT id, conversation_id, seq, role, content, content_json, status,
	finish_reason, tokens_in, tokens_out, tokens_total, response_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var content, contentJSON, finishReason, responseID sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role,
		&content, &contentJSON, &msg.Status, &finishReason,
		&msg.TokensIn, &msg.TokensOut, &msg.TokensTotal, &responseID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.Content = content.String
	msg.ContentJSON = contentJSON.String
	msg.FinishReason = finishReason.String
	msg.ResponseID = responseID.String
	return &msg, nil
}

// GetMessagesPage returns messages in seq order with attached tool calls
// and outputs. Outputs are never embedded back into content.
func (s *Store) GetMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(messageColumns + ` FROM messages WHERE conversation_id = ?
	              ORDER BY seq ASC LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachToolArtifacts(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetAllMessages returns every message of a conversation in seq order.
func (s *Store) GetAllMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.GetMessagesPage(ctx, conversationID, 1<<30, 0)
}

// GetLastMessage returns the tail message, or nil for an empty
// conversation.
func (s *Store) GetLastMessage(ctx context.Context, conversationID string) (*Message, error) {
	query := s.q(messageColumns + ` FROM messages WHERE conversation_id = ?
	              ORDER BY seq DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query, conversationID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}
	if err := s.attachToolArtifacts(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) attachToolArtifacts(ctx context.Context, messages []*Message) error {
	for _, msg := range messages {
		callsQuery := s.q(`SELECT id, call_index, tool_name, arguments, COALESCE(text_offset, 0)
		                   FROM tool_calls WHERE message_id = ? ORDER BY call_index ASC`)
		rows, err := s.db.QueryContext(ctx, callsQuery, msg.ID)
		if err != nil {
			return fmt.Errorf("failed to load tool calls: %w", err)
		}
		for rows.Next() {
			var tc ToolCall
			var args sql.NullString
			if err := rows.Scan(&tc.ID, &tc.CallIndex, &tc.ToolName, &args, &tc.TextOffset); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan tool call: %w", err)
			}
			tc.MessageID = msg.ID
			tc.Arguments = args.String
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		rows.Close()

		outputsQuery := s.q(`SELECT id, tool_call_id, output, status
		                     FROM tool_outputs WHERE message_id = ?`)
		rows, err = s.db.QueryContext(ctx, outputsQuery, msg.ID)
		if err != nil {
			return fmt.Errorf("failed to load tool outputs: %w", err)
		}
		for rows.Next() {
			var to ToolOutput
			var output sql.NullString
			if err := rows.Scan(&to.ID, &to.ToolCallID, &output, &to.Status); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan tool output: %w", err)
			}
			to.MessageID = msg.ID
			to.Output = output.String
			msg.ToolOutputs = append(msg.ToolOutputs, to)
		}
		rows.Close()
	}
	return nil
}

// UpdateMessageContent overwrites the content of a message, used when a
// diff classifies a row as updated.
func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content, contentJSON string) error {
	query := s.q(`UPDATE messages SET content = ?, content_json = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, content, contentJSON, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// DeleteMessagesAfterSeq hard-deletes messages past seq along with their
// tool artifacts, used when a diff trims the tail.
func (s *Store) DeleteMessagesAfterSeq(ctx context.Context, conversationID string, seq int) error {
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	idsQuery := s.q(`SELECT id FROM messages WHERE conversation_id = ? AND seq > ?`)
	rows, err := tx.QueryContext(ctx, idsQuery, conversationID, seq)
	if err != nil {
		return fmt.Errorf("failed to find messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		for _, q := range []string{
			`DELETE FROM tool_outputs WHERE message_id = ?`,
			`DELETE FROM tool_calls WHERE message_id = ?`,
			`DELETE FROM messages WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
				return fmt.Errorf("failed to delete message %s: %w", id, err)
			}
		}
	}
	return tx.Commit()
}

// =============================================================================
// Users and settings
// =============================================================================

const (
	minToolIterations     = 1
	maxToolIterations     = 50
	defaultToolIterations = 10
)

// UpdateUserMaxToolIterations clamps the value to [1, 50], flooring
// non-integer input, and upserts the user's setting. The applied value is
// returned.
func (s *Store) UpdateUserMaxToolIterations(ctx context.Context, userID string, value float64) (int, error) {
	clamped := int(value) // floors toward zero for positive input
	if clamped < minToolIterations {
		clamped = minToolIterations
	}
	if clamped > maxToolIterations {
		clamped = maxToolIterations
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO user_settings (user_id, max_tool_iterations, updated_at)
		         VALUES (?, ?, ?)
		         ON DUPLICATE KEY UPDATE max_tool_iterations = VALUES(max_tool_iterations), updated_at = VALUES(updated_at)`
	default:
		query = s.q(`INSERT INTO user_settings (user_id, max_tool_iterations, updated_at)
		         VALUES (?, ?, ?)
		         ON CONFLICT (user_id) DO UPDATE SET max_tool_iterations = excluded.max_tool_iterations, updated_at = excluded.updated_at`)
	}
	if _, err := s.db.ExecContext(ctx, query, userID, clamped, time.Now()); err != nil {
		return 0, fmt.Errorf("failed to update user settings: %w", err)
	}
	return clamped, nil
}

// GetUserMaxToolIterations returns the user's iteration cap, defaulting to
// 10 when unset.
func (s *Store) GetUserMaxToolIterations(ctx context.Context, userID string) (int, error) {
	query := s.q(`SELECT max_tool_iterations FROM user_settings WHERE user_id = ?`)
	var value int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultToolIterations, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user settings: %w", err)
	}
	if value < minToolIterations || value > maxToolIterations {
		return defaultToolIterations, nil
	}
	return value, nil
}

// EmailAvailable reports whether an email can be claimed. Matching is
// case-sensitive; soft-deleted users release their email.
func (s *Store) EmailAvailable(ctx context.Context, email string) (bool, error) {
	query := s.q(`SELECT COUNT(*) FROM users WHERE email = ? AND deleted_at IS NULL`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, email).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return count == 0, nil
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, id, email, name, passwordHash string) error {
	if id == "" {
		id = uuid.NewString()
	}
	query := s.q(`INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, email, name, passwordHash, time.Now()); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DeleteUser soft-deletes a user, releasing the email.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	query := s.q(`UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`)
	if _, err := s.db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// =============================================================================
// Journal
// =============================================================================

// journal records a mutation for audit. Failures are logged and swallowed;
// the journal is advisory.
func (s *Store) journal(ctx context.Context, conversationID, messageID, action string, payload map[string]interface{}) {
	var payloadJSON string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			payloadJSON = string(b)
		}
	}
	query := s.q(`INSERT INTO journal (id, conversation_id, message_id, action, payload, created_at)
	              VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), conversationID, messageID, action, payloadJSON, time.Now()); err != nil {
		s.logger.Warn("failed to write journal entry", "action", action, "error", err)
	}
}
