package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withConnParams(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return store, nil
}

// withConnParams adds per-connection pragmas so every pooled connection gets them.
func withConnParams(dsn string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL,
			persona_id TEXT NOT NULL DEFAULT '',
			rag_enabled INTEGER NOT NULL DEFAULT 1,
			streaming_enabled INTEGER NOT NULL DEFAULT 0,
			enabled_tool_servers TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			edited_from_message_id TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_edited_from ON messages(edited_from_message_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			label TEXT,
			input_json TEXT,
			output_json TEXT,
			latency_ms INTEGER,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE,
			UNIQUE (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (document_id) REFERENCES documents(document_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, idx)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed:\n%s", m)
		}
	}

	// Databases created before streaming support lack the column.
	return s.ensureColumn("sessions", "streaming_enabled", "ALTER TABLE sessions ADD COLUMN streaming_enabled INTEGER NOT NULL DEFAULT 0")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	servers, err := json.Marshal(nonNil(session.EnabledToolServers))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, title, model_id, persona_id, rag_enabled, streaming_enabled, enabled_tool_servers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.Title, session.ModelID, session.PersonaID,
		session.RAGEnabled, session.StreamingEnabled, string(servers), session.CreatedAt.UTC())
	return err
}

const sessionColumns = `session_id, title, model_id, persona_id, rag_enabled, streaming_enabled, enabled_tool_servers, created_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var session domain.Session
	var servers string
	if err := row.Scan(&session.SessionID, &session.Title, &session.ModelID, &session.PersonaID,
		&session.RAGEnabled, &session.StreamingEnabled, &servers, &session.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(servers), &session.EnabledToolServers); err != nil {
		return nil, errors.Wrapf(err, "session %s has malformed enabled_tool_servers", session.SessionID)
	}
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// ListSessions lists sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// UpdateSession overwrites the mutable settings of a session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	servers, err := json.Marshal(nonNil(session.EnabledToolServers))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, model_id = ?, persona_id = ?, rag_enabled = ?, streaming_enabled = ?, enabled_tool_servers = ?
		 WHERE session_id = ?`,
		session.Title, session.ModelID, session.PersonaID, session.RAGEnabled, session.StreamingEnabled,
		string(servers), session.SessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "session", ID: session.SessionID}
	}
	return nil
}

// DeleteSession removes a session. Messages, runs, steps, documents and
// chunks go with it through the foreign keys.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "session", ID: sessionID}
	}
	return nil
}

// AppendMessage stores a message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, created_at, edited_from_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.SessionID, nullString(message.RunID), message.Role, message.Content,
		message.CreatedAt.UTC(), nullString(message.EditedFromMessageID))
	return err
}

const messageColumns = `m.message_id, m.session_id, m.run_id, m.role, m.content, m.created_at, m.edited_from_message_id`

func scanMessage(row interface{ Scan(...any) error }, extra ...any) (*domain.Message, error) {
	var msg domain.Message
	var runID, editedFrom sql.NullString
	dest := append([]any{&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt, &editedFrom}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	msg.RunID = runID.String
	msg.EditedFromMessageID = editedFrom.String
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.message_id = ?`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// ListMessages returns the session transcript in creation order. A message is
// superseded when a later message was created by editing it; the replies that
// belonged to its run are superseded with it. Superseded messages are only
// returned when includeSuperseded is set.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error) {
	query := `WITH edited AS (
			SELECT o.message_id, o.run_id FROM messages o
			JOIN messages e ON e.edited_from_message_id = o.message_id
			WHERE o.session_id = ?
		)
		SELECT ` + messageColumns + `,
			CASE WHEN m.message_id IN (SELECT message_id FROM edited)
				OR (m.run_id IS NOT NULL AND m.run_id IN (SELECT run_id FROM edited WHERE run_id IS NOT NULL))
			THEN 1 ELSE 0 END AS superseded
		FROM messages m
		WHERE m.session_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var superseded bool
		msg, err := scanMessage(rows, &superseded)
		if err != nil {
			return nil, err
		}
		if superseded && !includeSuperseded {
			continue
		}
		msg.Superseded = superseded
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// LatestUserMessage returns the most recent user message of a session.
func (s *SQLiteStore) LatestUserMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ? AND m.role = ?
		 ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1`,
		sessionID, domain.RoleUser)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, status, model_id, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.Status, run.ModelID, run.StartedAt.UTC())
	return err
}

const runColumns = `run_id, session_id, status, model_id, started_at, finished_at, prompt_tokens, completion_tokens, total_tokens, latency_ms, error`

func scanRun(row interface{ Scan(...any) error }) (*domain.Run, error) {
	var run domain.Run
	var finishedAt sql.NullTime
	var runErr sql.NullString
	if err := row.Scan(&run.RunID, &run.SessionID, &run.Status, &run.ModelID, &run.StartedAt, &finishedAt,
		&run.PromptTokens, &run.CompletionTokens, &run.TotalTokens, &run.LatencyMs, &runErr); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.Error = runErr.String
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRuns lists the runs of a session, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY started_at DESC, rowid DESC`, sessionID)
}

// ListRunningRuns lists every run still marked running.
func (s *SQLiteStore) ListRunningRuns(ctx context.Context) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at ASC`, domain.RunStatusRunning)
}

// CompleteRun moves a running run to a terminal status. It returns false when
// the run was not running, leaving terminal runs untouched.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, metrics domain.RunMetrics, runErr string) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.Errorf("status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, latency_ms = ?, error = ?
		 WHERE run_id = ? AND status = ?`,
		status, time.Now().UTC(), metrics.PromptTokens, metrics.CompletionTokens, metrics.TotalTokens,
		metrics.LatencyMs, nullString(runErr), runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendStep stores a step and assigns its per-run sequence number in the
// same transaction.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE run_id = ?`, step.RunID).Scan(&seq); err != nil {
		return err
	}

	var latency sql.NullInt64
	if step.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *step.LatencyMs, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (step_id, run_id, seq, ts, type, label, input_json, output_json, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.StepID, step.RunID, seq, step.Ts, step.Type, nullString(step.Label),
		nullStringBytes(step.InputJSON), nullStringBytes(step.OutputJSON), latency); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	step.Seq = seq
	return nil
}

// ListSteps returns the steps of a run in stored order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, run_id, seq, ts, type, label, input_json, output_json, latency_ms
		 FROM steps WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var step domain.Step
		var label, input, output sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&step.StepID, &step.RunID, &step.Seq, &step.Ts, &step.Type, &label, &input, &output, &latency); err != nil {
			return nil, err
		}
		step.Label = label.String
		if input.Valid {
			step.InputJSON = json.RawMessage(input.String)
		}
		if output.Valid {
			step.OutputJSON = json.RawMessage(output.String)
		}
		if latency.Valid {
			v := latency.Int64
			step.LatencyMs = &v
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateDocument stores a document and its chunks atomically.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (document_id, session_id, title, created_at) VALUES (?, ?, ?, ?)`,
		doc.DocumentID, doc.SessionID, doc.Title, doc.CreatedAt.UTC()); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, document_id, idx, text, token_count) VALUES (?, ?, ?, ?, ?)`,
			c.ChunkID, doc.DocumentID, c.Index, c.Text, c.TokenCount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListChunks returns every indexed chunk of a session's documents.
func (s *SQLiteStore) ListChunks(ctx context.Context, sessionID string) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.chunk_id, c.document_id, c.idx, c.text, c.token_count, d.title
		 FROM chunks c JOIN documents d ON d.document_id = c.document_id
		 WHERE d.session_id = ?
		 ORDER BY d.created_at ASC, c.idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Index, &c.Text, &c.TokenCount, &c.Title); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
