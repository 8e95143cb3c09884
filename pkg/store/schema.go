package store

// Schema creation SQL. Statements are executed one at a time for SQLite
// compatibility. Soft-deleted rows keep their data; every read filters on
// deleted_at IS NULL.

const createUsersSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    email VARCHAR(255) NOT NULL,
    name VARCHAR(255),
    password_hash VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`

const createUsersEmailIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    metadata TEXT,
    last_seen_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
)`

const createConversationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255),
    session_id VARCHAR(255),
    title VARCHAR(512),
    model VARCHAR(255),
    provider_id VARCHAR(255),
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
)`

const createConversationsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`

const createMessagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT,
    content_json TEXT,
    status VARCHAR(20) NOT NULL DEFAULT 'final',
    finish_reason VARCHAR(50),
    tokens_in INTEGER DEFAULT 0,
    tokens_out INTEGER DEFAULT 0,
    tokens_total INTEGER DEFAULT 0,
    response_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (conversation_id, seq)
)`

const createMessagesConvIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`

const createToolCallsSchemaSQL = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    call_index INTEGER NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    arguments TEXT,
    text_offset INTEGER,
    PRIMARY KEY (message_id, call_index)
)`

const createToolCallsIDIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tool_calls_id ON tool_calls(id)`

const createToolOutputsSchemaSQL = `
CREATE TABLE IF NOT EXISTS tool_outputs (
    id VARCHAR(255) PRIMARY KEY,
    tool_call_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    output TEXT,
    status VARCHAR(20) NOT NULL DEFAULT 'success'
)`

const createToolOutputsCallIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tool_outputs_call ON tool_outputs(tool_call_id)`

const createToolOutputsMessageIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tool_outputs_message ON tool_outputs(message_id)`

const createSystemPromptsSchemaSQL = `
CREATE TABLE IF NOT EXISTS system_prompts (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255),
    name VARCHAR(255),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createJournalSchemaSQL = `
CREATE TABLE IF NOT EXISTS journal (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255),
    message_id VARCHAR(255),
    action VARCHAR(100) NOT NULL,
    payload TEXT,
    created_at TIMESTAMP NOT NULL
)`

const createJournalConvIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_journal_conversation ON journal(conversation_id, created_at)`

const createUserSettingsSchemaSQL = `
CREATE TABLE IF NOT EXISTS user_settings (
    user_id VARCHAR(255) PRIMARY KEY,
    max_tool_iterations INTEGER NOT NULL DEFAULT 10,
    settings_json TEXT,
    updated_at TIMESTAMP NOT NULL
)`

const createProvidersSchemaSQL = `
CREATE TABLE IF NOT EXISTS providers (
    id VARCHAR(255) PRIMARY KEY,
    kind VARCHAR(50) NOT NULL,
    base_url VARCHAR(512),
    default_model VARCHAR(255),
    enabled BOOLEAN DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL
)`

var schemaStatements = []string{
	createUsersSchemaSQL,
	createUsersEmailIndexSQL,
	createSessionsSchemaSQL,
	createConversationsSchemaSQL,
	createConversationsUserIndexSQL,
	createMessagesSchemaSQL,
	createMessagesConvIndexSQL,
	createToolCallsSchemaSQL,
	createToolCallsIDIndexSQL,
	createToolOutputsSchemaSQL,
	createToolOutputsCallIndexSQL,
	createToolOutputsMessageIndexSQL,
	createSystemPromptsSchemaSQL,
	createJournalSchemaSQL,
	createJournalConvIndexSQL,
	createUserSettingsSchemaSQL,
	createProvidersSchemaSQL,
}
