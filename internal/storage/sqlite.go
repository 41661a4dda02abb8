package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dere-ai/dere/pkg/models"
)

// Times are persisted as unix nanoseconds so reads round-trip exactly
// regardless of driver text formatting. Conversation.Timestamp stays in unix
// seconds per the wire contract.

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	working_dir TEXT NOT NULL,
	medium TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	personality TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	claude_session_id TEXT NOT NULL DEFAULT '',
	is_locked INTEGER NOT NULL DEFAULT 0,
	sandbox_mode INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	mission_id TEXT NOT NULL DEFAULT '',
	continued_from TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_dir_start ON sessions(working_dir, start_time DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_medium_user ON sessions(medium, user_id);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	prompt TEXT NOT NULL,
	message_type TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	medium TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	ttft_ms INTEGER NOT NULL DEFAULT 0,
	response_ms INTEGER NOT NULL DEFAULT 0,
	thinking_ms INTEGER NOT NULL DEFAULT 0,
	tool_uses INTEGER NOT NULL DEFAULT 0,
	tool_names TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_conversations_session_ts ON conversations(session_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_user_ts ON conversations(user_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS conversation_blocks (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	ordinal INTEGER NOT NULL,
	block_type TEXT NOT NULL,
	tool_use_id TEXT NOT NULL DEFAULT '',
	tool_name TEXT NOT NULL DEFAULT '',
	tool_input TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	is_error INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, ordinal)
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	target_medium TEXT NOT NULL,
	target_location TEXT NOT NULL,
	message TEXT NOT NULL,
	priority TEXT NOT NULL,
	routing_reasoning TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	delivered_at INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	acknowledged INTEGER NOT NULL DEFAULT 0,
	acknowledged_at INTEGER,
	parent_notification_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_medium_status ON notifications(target_medium, status, created_at);
CREATE INDEX IF NOT EXISTS idx_notifications_ack_user ON notifications(acknowledged, user_id, created_at);

CREATE TABLE IF NOT EXISTS notification_contexts (
	notification_id TEXT PRIMARY KEY REFERENCES notifications(id),
	trigger_type TEXT NOT NULL DEFAULT '',
	trigger_id TEXT NOT NULL DEFAULT '',
	trigger_data TEXT NOT NULL DEFAULT '',
	context_snapshot TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS presence (
	medium TEXT NOT NULL,
	user_id TEXT NOT NULL,
	available_channels TEXT NOT NULL DEFAULT '[]',
	last_heartbeat INTEGER NOT NULL,
	PRIMARY KEY (medium, user_id)
);

CREATE TABLE IF NOT EXISTS project_tasks (
	id TEXT PRIMARY KEY,
	working_dir TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	normalized_title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'backlog',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	discovered_from_task_id TEXT NOT NULL DEFAULT '',
	discovery_reason TEXT NOT NULL DEFAULT '',
	extra TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON project_tasks(task_type, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_user_title ON project_tasks(user_id, normalized_title);

CREATE TABLE IF NOT EXISTS exploration_findings (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES project_tasks(id),
	user_id TEXT NOT NULL DEFAULT '',
	finding TEXT NOT NULL,
	source_context TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	worth_sharing INTEGER NOT NULL DEFAULT 0,
	share_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_task ON exploration_findings(task_id, created_at);

CREATE TABLE IF NOT EXISTS context_cache (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id),
	context_text TEXT NOT NULL,
	context_metadata TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// OpenSQLite opens (creating if needed) the database at path, bootstraps the
// schema, and returns the grouped stores.
func OpenSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	// sqlite allows one writer; a single connection serializes row claims.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		Sessions:      &sqliteSessionStore{db: db},
		ContextCache:  &sqliteContextCacheStore{db: db},
		Notifications: &sqliteNotificationStore{db: db},
		Presence:      &sqlitePresenceStore{db: db},
		Tasks:         &sqliteTaskStore{db: db},
		Findings:      &sqliteFindingStore{db: db},
		closer:        db.Close,
	}, nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func fromNanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func execExpectingRow(ctx context.Context, db *sql.DB, label, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sessions ---

type sqliteSessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, working_dir, medium, user_id, personality, start_time, end_time,
	claude_session_id, is_locked, sandbox_mode, name, mission_id, continued_from`

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var start int64
	var end sql.NullInt64
	err := row.Scan(&sess.ID, &sess.WorkingDir, &sess.Medium, &sess.UserID,
		&sess.Personality, &start, &end, &sess.ClaudeSessionID,
		&sess.IsLocked, &sess.SandboxMode, &sess.Name, &sess.MissionID,
		&sess.ContinuedFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartTime = fromNanos(start)
	sess.EndTime = fromNanosPtr(end)
	return &sess, nil
}

func (s *sqliteSessionStore) FindOrCreate(ctx context.Context, params FindOrCreateParams) (*models.Session, bool, error) {
	existing, err := s.latest(ctx, params.WorkingDir, params.Medium, params.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing != nil && !existing.Ended() && !existing.IsLocked {
		if params.MaxAgeHours == nil {
			return existing, true, nil
		}
		if time.Since(existing.StartTime) <= time.Duration(*params.MaxAgeHours*float64(time.Hour)) {
			return existing, true, nil
		}
	}

	session := &models.Session{
		ID:          uuid.NewString(),
		WorkingDir:  params.WorkingDir,
		Medium:      params.Medium,
		UserID:      params.UserID,
		Personality: params.Personality,
		StartTime:   time.Now(),
		SandboxMode: params.SandboxMode,
		MissionID:   params.MissionID,
	}
	if existing != nil {
		session.ContinuedFrom = existing.ID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, working_dir, medium, user_id, personality, start_time, sandbox_mode, mission_id, continued_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WorkingDir, session.Medium, session.UserID,
		session.Personality, nanos(session.StartTime), session.SandboxMode,
		session.MissionID, session.ContinuedFrom,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	return session, false, nil
}

func (s *sqliteSessionStore) latest(ctx context.Context, workingDir string, medium models.Medium, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE working_dir = ? AND medium = ? AND user_id = ?
		ORDER BY start_time DESC LIMIT 1`,
		workingDir, medium, userID,
	)
	return scanSession(row)
}

func (s *sqliteSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *sqliteSessionStore) SetClaudeSession(ctx context.Context, id, token string) error {
	return execExpectingRow(ctx, s.db, "set claude session",
		`UPDATE sessions SET claude_session_id = ? WHERE id = ?`, token, id)
}

func (s *sqliteSessionStore) SetName(ctx context.Context, id, name string) error {
	return execExpectingRow(ctx, s.db, "set session name",
		`UPDATE sessions SET name = ? WHERE id = ?`, name, id)
}

func (s *sqliteSessionStore) Lock(ctx context.Context, id string) error {
	return execExpectingRow(ctx, s.db, "lock session",
		`UPDATE sessions SET is_locked = 1 WHERE id = ?`, id)
}

func (s *sqliteSessionStore) End(ctx context.Context, id string, when time.Time) error {
	return execExpectingRow(ctx, s.db, "end session",
		`UPDATE sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`, nanos(when), id)
}

func (s *sqliteSessionStore) AppendConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	metrics := conv.Metrics
	if metrics == nil {
		metrics = &models.ConversationMetrics{}
	}
	toolNames, err := json.Marshal(metrics.ToolNames)
	if err != nil {
		return fmt.Errorf("marshal tool names: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, prompt, message_type, timestamp, created_at,
			medium, user_id, ttft_ms, response_ms, thinking_ms, tool_uses, tool_names)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.SessionID, conv.Prompt, conv.MessageType, conv.Timestamp,
		nanos(conv.CreatedAt), conv.Medium, conv.UserID, metrics.TTFTMs,
		metrics.ResponseMs, metrics.ThinkingMs, metrics.ToolUses, string(toolNames),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, b := range conv.Blocks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_blocks (conversation_id, ordinal, block_type, tool_use_id, tool_name, tool_input, text, is_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, b.Ordinal, b.BlockType, b.ToolUseID, b.ToolName,
			string(b.ToolInput), b.Text, b.IsError,
		)
		if err != nil {
			return fmt.Errorf("insert block %d: %w", b.Ordinal, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteSessionStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, message_type, timestamp, created_at, medium, user_id,
			ttft_ms, response_ms, thinking_ms, tool_uses, tool_names
		FROM conversations WHERE session_id = ?
		ORDER BY timestamp DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		var created int64
		var toolNames string
		m := &models.ConversationMetrics{}
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Prompt, &c.MessageType,
			&c.Timestamp, &created, &c.Medium, &c.UserID, &m.TTFTMs,
			&m.ResponseMs, &m.ThinkingMs, &m.ToolUses, &toolNames); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = fromNanos(created)
		if toolNames != "" && toolNames != "[]" {
			if err := json.Unmarshal([]byte(toolNames), &m.ToolNames); err != nil {
				return nil, fmt.Errorf("unmarshal tool names: %w", err)
			}
		}
		c.Metrics = m
		out = append(out, &c)
	}
	// Oldest first for clients.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteSessionStore) LastMessageTime(ctx context.Context, sessionID string) (*int64, error) {
	return s.maxTimestamp(ctx,
		`SELECT MAX(timestamp) FROM conversations WHERE session_id = ?`, sessionID)
}

func (s *sqliteSessionStore) LastInteraction(ctx context.Context, userID string) (*int64, error) {
	return s.maxTimestamp(ctx,
		`SELECT MAX(timestamp) FROM conversations WHERE user_id = ?`, userID)
}

func (s *sqliteSessionStore) maxTimestamp(ctx context.Context, query, arg string) (*int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&ts); err != nil {
		return nil, fmt.Errorf("query max timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Int64, nil
}

// --- context cache ---

type sqliteContextCacheStore struct {
	db *sql.DB
}

func (s *sqliteContextCacheStore) Upsert(ctx context.Context, sessionID, text string, metadata []byte) error {
	if len(metadata) == 0 {
		metadata = []byte("[]")
	}
	now := nanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_cache (session_id, context_text, context_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			context_text = excluded.context_text,
			context_metadata = excluded.context_metadata,
			updated_at = excluded.updated_at`,
		sessionID, text, string(metadata), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert context cache: %w", err)
	}
	return nil
}

func (s *sqliteContextCacheStore) GetIfFresh(ctx context.Context, sessionID string, maxAge time.Duration) (*models.ContextCache, error) {
	var cc models.ContextCache
	var meta string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, context_text, context_metadata, created_at, updated_at
		FROM context_cache WHERE session_id = ?`, sessionID).
		Scan(&cc.SessionID, &cc.ContextText, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query context cache: %w", err)
	}
	cc.CreatedAt = fromNanos(created)
	cc.UpdatedAt = fromNanos(updated)
	cc.ContextMetadata = []byte(meta)
	if time.Since(cc.UpdatedAt) > maxAge {
		return nil, ErrNotFound
	}
	return &cc, nil
}

// --- notifications ---

type sqliteNotificationStore struct {
	db *sql.DB
}

const notificationColumns = `n.id, n.user_id, n.target_medium, n.target_location, n.message, n.priority,
	n.routing_reasoning, n.status, n.created_at, n.delivered_at, n.error_message,
	n.acknowledged, n.acknowledged_at, n.parent_notification_id,
	c.trigger_type, c.trigger_id, c.trigger_data, c.context_snapshot`

const notificationJoin = `FROM notifications n LEFT JOIN notification_contexts c ON c.notification_id = n.id`

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	var created int64
	var delivered, acked sql.NullInt64
	var trigType, trigID, trigData, snapshot sql.NullString
	err := row.Scan(&n.ID, &n.UserID, &n.TargetMedium, &n.TargetLocation,
		&n.Message, &n.Priority, &n.RoutingReasoning, &n.Status, &created,
		&delivered, &n.ErrorMessage, &n.Acknowledged, &acked, &n.ParentID,
		&trigType, &trigID, &trigData, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.CreatedAt = fromNanos(created)
	n.DeliveredAt = fromNanosPtr(delivered)
	n.AcknowledgedAt = fromNanosPtr(acked)
	if trigType.Valid || trigID.Valid || trigData.Valid || snapshot.Valid {
		n.Context = &models.NotificationContext{
			TriggerType:     trigType.String,
			TriggerID:       trigID.String,
			TriggerData:     []byte(trigData.String),
			ContextSnapshot: []byte(snapshot.String),
		}
	}
	return &n, nil
}

func (s *sqliteNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create notification: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, target_medium, target_location, message, priority,
			routing_reasoning, status, created_at, parent_notification_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.TargetMedium, n.TargetLocation, n.Message, n.Priority,
		n.RoutingReasoning, n.Status, nanos(n.CreatedAt), n.ParentID,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if n.Context != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notification_contexts (notification_id, trigger_type, trigger_id, trigger_data, context_snapshot)
			VALUES (?, ?, ?, ?, ?)`,
			n.ID, n.Context.TriggerType, n.Context.TriggerID,
			string(n.Context.TriggerData), string(n.Context.ContextSnapshot),
		)
		if err != nil {
			return fmt.Errorf("insert notification context: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteNotificationStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` `+notificationJoin+` WHERE n.id = ?`, id)
	return scanNotification(row)
}

func (s *sqliteNotificationStore) Pending(ctx context.Context, medium models.Medium) ([]*models.Notification, error) {
	// alert sorts before conversation; within a priority oldest first.
	return s.query(ctx, `
		SELECT `+notificationColumns+` `+notificationJoin+`
		WHERE n.status = 'pending' AND n.target_medium = ?
		ORDER BY CASE n.priority WHEN 'alert' THEN 0 ELSE 1 END, n.created_at ASC`,
		medium)
}

func (s *sqliteNotificationStore) MarkDelivered(ctx context.Context, id string) error {
	return execExpectingRow(ctx, s.db, "mark delivered", `
		UPDATE notifications SET status = 'delivered', delivered_at = ?, error_message = ''
		WHERE id = ?`, nanos(time.Now()), id)
}

func (s *sqliteNotificationStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return execExpectingRow(ctx, s.db, "mark failed", `
		UPDATE notifications SET status = 'failed', delivered_at = ?, error_message = ?
		WHERE id = ?`, nanos(time.Now()), errorMessage, id)
}

func (s *sqliteNotificationStore) Acknowledge(ctx context.Context, id string, at time.Time) error {
	// Only the first acknowledgment records a timestamp.
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET acknowledged = 1, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`, nanos(at), id)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM notifications WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("acknowledge notification: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *sqliteNotificationStore) Recent(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `
		SELECT `+notificationColumns+` `+notificationJoin+`
		WHERE n.user_id = ? ORDER BY n.created_at DESC LIMIT ?`, userID, limit)
}

func (s *sqliteNotificationStore) RecentUnacknowledged(ctx context.Context, userID string, since time.Time) ([]*models.Notification, error) {
	return s.query(ctx, `
		SELECT `+notificationColumns+` `+notificationJoin+`
		WHERE n.user_id = ? AND n.acknowledged = 0 AND n.created_at >= ?
		ORDER BY n.created_at DESC`, userID, nanos(since))
}

func (s *sqliteNotificationStore) query(ctx context.Context, query string, args ...any) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- presence ---

type sqlitePresenceStore struct {
	db *sql.DB
}

func (s *sqlitePresenceStore) Upsert(ctx context.Context, p *models.Presence) error {
	channels, err := json.Marshal(p.AvailableChannels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	if p.LastHeartbeat.IsZero() {
		p.LastHeartbeat = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence (medium, user_id, available_channels, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(medium, user_id) DO UPDATE SET
			available_channels = excluded.available_channels,
			last_heartbeat = excluded.last_heartbeat`,
		p.Medium, p.UserID, string(channels), nanos(p.LastHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *sqlitePresenceStore) Heartbeat(ctx context.Context, medium models.Medium, userID string, at time.Time) error {
	return execExpectingRow(ctx, s.db, "heartbeat",
		`UPDATE presence SET last_heartbeat = ? WHERE medium = ? AND user_id = ?`,
		nanos(at), medium, userID)
}

func (s *sqlitePresenceStore) Delete(ctx context.Context, medium models.Medium, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM presence WHERE medium = ? AND user_id = ?`, medium, userID)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *sqlitePresenceStore) ListOnline(ctx context.Context, userID string, now time.Time, staleWindow time.Duration) ([]*models.Presence, error) {
	cutoff := nanos(now.Add(-staleWindow))
	rows, err := s.db.QueryContext(ctx, `
		SELECT medium, user_id, available_channels, last_heartbeat
		FROM presence WHERE user_id = ? AND last_heartbeat > ?`, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	var out []*models.Presence
	for rows.Next() {
		var p models.Presence
		var channels string
		var hb int64
		if err := rows.Scan(&p.Medium, &p.UserID, &channels, &hb); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.LastHeartbeat = fromNanos(hb)
		if err := json.Unmarshal([]byte(channels), &p.AvailableChannels); err != nil {
			return nil, fmt.Errorf("unmarshal channels: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *sqlitePresenceStore) SweepStale(ctx context.Context, now time.Time, staleWindow time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM presence WHERE last_heartbeat <= ?`, nanos(now.Add(-staleWindow)))
	if err != nil {
		return 0, fmt.Errorf("sweep presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- tasks ---

type sqliteTaskStore struct {
	db *sql.DB
}

const taskColumns = `id, working_dir, user_id, title, description, task_type, priority, status,
	created_at, updated_at, started_at, completed_at, attempt_count, last_error,
	discovered_from_task_id, discovery_reason, extra`

func scanTask(row rowScanner) (*models.ProjectTask, error) {
	var t models.ProjectTask
	var created, updated int64
	var started, completed sql.NullInt64
	var extra string
	err := row.Scan(&t.ID, &t.WorkingDir, &t.UserID, &t.Title, &t.Description,
		&t.TaskType, &t.Priority, &t.Status, &created, &updated, &started,
		&completed, &t.AttemptCount, &t.LastError, &t.DiscoveredFromTaskID,
		&t.DiscoveryReason, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.StartedAt = fromNanosPtr(started)
	t.CompletedAt = fromNanosPtr(completed)
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &t.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal task extra: %w", err)
		}
	}
	return &t, nil
}

func (s *sqliteTaskStore) Create(ctx context.Context, task *models.ProjectTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	extra, err := json.Marshal(task.Extra)
	if err != nil {
		return fmt.Errorf("marshal task extra: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_tasks (id, working_dir, user_id, title, normalized_title, description,
			task_type, priority, status, created_at, updated_at, started_at, completed_at,
			attempt_count, last_error, discovered_from_task_id, discovery_reason, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.WorkingDir, task.UserID, task.Title,
		models.NormalizeTitle(task.Title), task.Description, task.TaskType,
		task.Priority, task.Status, nanos(task.CreatedAt), nanos(task.UpdatedAt),
		nanosPtr(task.StartedAt), nanosPtr(task.CompletedAt), task.AttemptCount,
		task.LastError, task.DiscoveredFromTaskID, task.DiscoveryReason, string(extra),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *sqliteTaskStore) Update(ctx context.Context, task *models.ProjectTask) error {
	task.UpdatedAt = time.Now()
	extra, err := json.Marshal(task.Extra)
	if err != nil {
		return fmt.Errorf("marshal task extra: %w", err)
	}
	return execExpectingRow(ctx, s.db, "update task", `
		UPDATE project_tasks SET title = ?, normalized_title = ?, description = ?, priority = ?,
			status = ?, updated_at = ?, started_at = ?, completed_at = ?, attempt_count = ?,
			last_error = ?, extra = ?
		WHERE id = ?`,
		task.Title, models.NormalizeTitle(task.Title), task.Description,
		task.Priority, task.Status, nanos(task.UpdatedAt),
		nanosPtr(task.StartedAt), nanosPtr(task.CompletedAt),
		task.AttemptCount, task.LastError, string(extra), task.ID)
}

func (s *sqliteTaskStore) Get(ctx context.Context, id string) (*models.ProjectTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM project_tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *sqliteTaskStore) FindPendingCuriosity(ctx context.Context, userID, normalizedTitle string) (*models.ProjectTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM project_tasks
		WHERE user_id = ? AND normalized_title = ? AND task_type = ?
			AND status NOT IN ('done', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`,
		userID, normalizedTitle, models.TaskTypeCuriosity)
	return scanTask(row)
}

func (s *sqliteTaskStore) ListPendingCuriosity(ctx context.Context, userID string) ([]*models.ProjectTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM project_tasks
		WHERE user_id = ? AND task_type = ? AND status NOT IN ('done', 'cancelled')
		ORDER BY priority DESC, created_at ASC`,
		userID, models.TaskTypeCuriosity)
	if err != nil {
		return nil, fmt.Errorf("query pending curiosity: %w", err)
	}
	defer rows.Close()

	var out []*models.ProjectTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteTaskStore) ClaimNextCuriosity(ctx context.Context, userID string, now time.Time) (*models.ProjectTask, error) {
	// Single-connection sqlite serializes writers, so select-then-update in
	// one transaction gives skip-locked claim semantics.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM project_tasks
		WHERE user_id = ? AND task_type = ? AND status = 'ready'
		ORDER BY priority DESC, created_at ASC LIMIT 1`,
		userID, models.TaskTypeCuriosity)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE project_tasks
		SET status = 'in_progress', started_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'ready'`,
		nanos(now), nanos(now), task.ID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	task.Status = models.TaskInProgress
	task.StartedAt = &now
	task.AttemptCount++
	return task, nil
}

func (s *sqliteTaskStore) ResetStuck(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_tasks SET status = 'ready', updated_at = ?
		WHERE task_type = ? AND status = 'in_progress' AND started_at < ?`,
		nanos(now), models.TaskTypeCuriosity, nanos(now.Add(-grace)))
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- findings ---

type sqliteFindingStore struct {
	db *sql.DB
}

func (s *sqliteFindingStore) Create(ctx context.Context, f *models.ExplorationFinding) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exploration_findings (id, task_id, user_id, finding, source_context,
			confidence, worth_sharing, share_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TaskID, f.UserID, f.Finding, f.SourceContext, f.Confidence,
		f.WorthSharing, f.ShareMessage, nanos(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func (s *sqliteFindingStore) ListByTask(ctx context.Context, taskID string) ([]*models.ExplorationFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, finding, source_context, confidence, worth_sharing, share_message, created_at
		FROM exploration_findings WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []*models.ExplorationFinding
	for rows.Next() {
		var f models.ExplorationFinding
		var created int64
		if err := rows.Scan(&f.ID, &f.TaskID, &f.UserID, &f.Finding,
			&f.SourceContext, &f.Confidence, &f.WorthSharing, &f.ShareMessage,
			&created); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.CreatedAt = fromNanos(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}
