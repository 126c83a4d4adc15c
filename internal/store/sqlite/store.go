// Package sqlite implements chatengine.HistoryStore and
// chatengine.ChronicleStore on top of modernc.org/sqlite, the pure-Go
// SQLite driver: a single sql.Open("sqlite", path) handle, schema created
// on first use.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	_ "modernc.org/sqlite"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// Store implements both chatengine.HistoryStore and chatengine.ChronicleStore
// against a single SQLite database file.
type Store struct {
	db *sql.DB
}

var (
	_ chatengine.HistoryStore   = (*Store)(nil)
	_ chatengine.ChronicleStore = (*Store)(nil)
)

// Open creates (or reuses) a SQLite database at path and ensures its schema.
// A single connection is kept open: SQLite serializes writers anyway, and
// modernc.org/sqlite's pure-Go driver doesn't benefit from a larger pool.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_tag TEXT NOT NULL,
	channel_name TEXT NOT NULL,
	nick TEXT NOT NULL,
	my_nick TEXT NOT NULL,
	content TEXT NOT NULL,
	platform_id TEXT,
	thread_id TEXT,
	thread_starter_id INTEGER,
	response_thread_id TEXT,
	trigger_token TEXT,
	llm_call_id INTEGER,
	has_llm_call_id INTEGER NOT NULL DEFAULT 0,
	chronicled INTEGER NOT NULL DEFAULT 0,
	chapter_id INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_arc ON messages(server_tag, channel_name, id);
CREATE INDEX IF NOT EXISTS idx_messages_unchronicled ON messages(server_tag, channel_name, chronicled, created_at);

CREATE TABLE IF NOT EXISTS llm_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT,
	model TEXT,
	input_tokens INTEGER,
	output_tokens INTEGER,
	cost REAL,
	call_type TEXT,
	arc_name TEXT,
	trigger_message_id INTEGER,
	has_trigger INTEGER NOT NULL DEFAULT 0,
	response_message_id INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_arc_day ON llm_calls(arc_name, created_at);

CREATE TABLE IF NOT EXISTS chapters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	arc TEXT NOT NULL,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	closed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_chapters_arc ON chapters(arc, id);

CREATE TABLE IF NOT EXISTS paragraphs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chapter_id INTEGER NOT NULL,
	arc TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_paragraphs_chapter ON paragraphs(chapter_id, id);

CREATE TABLE IF NOT EXISTS quests (
	id TEXT PRIMARY KEY,
	arc_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	last_state TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '',
	resume_at DATETIME,
	created_by_paragraph_id INTEGER,
	last_updated_by_paragraph INTEGER,
	last_update_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_quests_arc_status ON quests(arc_id, status);
`
	_, err := s.db.Exec(schema)
	return err
}

// --- HistoryStore ---

func (s *Store) AddMessage(ctx context.Context, msg chatengine.RoomMessage, meta *chatengine.MessageMeta) (int64, error) {
	var trigger string
	var llmCallID int64
	var hasLlmCallID bool
	if meta != nil {
		trigger = meta.Trigger
		llmCallID = meta.LlmCallID
		hasLlmCallID = meta.HasLlmCallID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (server_tag, channel_name, nick, my_nick, content, platform_id, thread_id, thread_starter_id, response_thread_id, trigger_token, llm_call_id, has_llm_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ServerTag, msg.ChannelName, msg.Nick, msg.MyNick, msg.Content, msg.PlatformID, msg.ThreadID, msg.ThreadStarterID, msg.ResponseThreadID, trigger, llmCallID, hasLlmCallID)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetContextForMessage(ctx context.Context, msg chatengine.RoomMessage, limit int) ([]chatengine.ContextMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT nick, my_nick, content, trigger_token FROM messages
		WHERE server_tag = ? AND channel_name = ?
		ORDER BY id DESC LIMIT ?`, msg.ServerTag, msg.ChannelName, limit)
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}
	defer rows.Close()

	var reversed []chatengine.ContextMessage
	for rows.Next() {
		var nick, myNick, content string
		var trigger sql.NullString
		if err := rows.Scan(&nick, &myNick, &content, &trigger); err != nil {
			return nil, err
		}
		role := "user"
		if nick == myNick {
			role = "assistant"
			// Assistant rows carry the mode that produced them, so later
			// turns can tell a !s answer from a !silly one.
			if trigger.Valid && trigger.String != "" {
				content = "[" + trigger.String + "] " + content
			}
		}
		reversed = append(reversed, chatengine.ContextMessage{Role: role, Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]chatengine.ContextMessage, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

func (s *Store) GetRecentMessagesSince(ctx context.Context, server, channel, nick string, sinceEpochSec float64, threadID string) ([]chatengine.TimestampedMessage, error) {
	since := time.Unix(int64(sinceEpochSec), 0).UTC()
	query := `SELECT nick, my_nick, content, platform_id, thread_id, created_at FROM messages WHERE server_tag = ? AND channel_name = ? AND created_at > ?`
	args := []interface{}{server, channel, since}
	if threadID != "" {
		query += " AND thread_id = ?"
		args = append(args, threadID)
	}
	if nick != "" {
		query += " AND nick = ?"
		args = append(args, nick)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	var out []chatengine.TimestampedMessage
	for rows.Next() {
		var m chatengine.RoomMessage
		var ts time.Time
		m.ServerTag, m.ChannelName = server, channel
		if err := rows.Scan(&m.Nick, &m.MyNick, &m.Content, &m.PlatformID, &m.ThreadID, &ts); err != nil {
			return nil, err
		}
		out = append(out, chatengine.TimestampedMessage{Message: m, Timestamp: ts})
	}
	return out, rows.Err()
}

func (s *Store) LogLlmCall(ctx context.Context, call chatengine.LlmCallRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (provider, model, input_tokens, output_tokens, cost, call_type, arc_name, trigger_message_id, has_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.Provider, call.Model, call.InputTokens, call.OutputTokens, call.Cost, call.CallType, call.ArcName, call.TriggerMessageID, call.HasTrigger)
	if err != nil {
		return 0, fmt.Errorf("logging llm call: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateLlmCallResponse(ctx context.Context, callID, responseMessageID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE llm_calls SET response_message_id = ? WHERE id = ?`, responseMessageID, callID)
	return err
}

func (s *Store) GetArcCostToday(ctx context.Context, arc string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost) FROM llm_calls WHERE arc_name = ? AND date(created_at) = date('now')`, arc).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing arc cost: %w", err)
	}
	return total.Float64, nil
}

func (s *Store) CountRecentUnchronicled(ctx context.Context, server, channel string, days int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE server_tag = ? AND channel_name = ? AND chronicled = 0
		AND created_at >= datetime('now', printf('-%d days', ?))`, server, channel, days).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unchronicled messages: %w", err)
	}
	return count, nil
}

func (s *Store) GetFullHistory(ctx context.Context, server, channel string, n int) ([]chatengine.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nick, my_nick, content, created_at FROM messages
		WHERE server_tag = ? AND channel_name = ?
		ORDER BY id DESC LIMIT ?`, server, channel, n)
	if err != nil {
		return nil, fmt.Errorf("querying full history: %w", err)
	}
	defer rows.Close()

	var reversed []chatengine.HistoryRow
	for rows.Next() {
		var r chatengine.HistoryRow
		r.Message.ServerTag, r.Message.ChannelName = server, channel
		if err := rows.Scan(&r.ID, &r.Message.Nick, &r.Message.MyNick, &r.Message.Content, &r.Timestamp); err != nil {
			return nil, err
		}
		reversed = append(reversed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]chatengine.HistoryRow, len(reversed))
	for i, r := range reversed {
		out[len(reversed)-1-i] = r
	}
	return out, nil
}

func (s *Store) MarkChronicled(ctx context.Context, ids []int64, chapterID int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, chapterID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE messages SET chronicled = 1, chapter_id = ? WHERE id IN (%s)`, strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking messages chronicled: %w", err)
	}
	return nil
}

func (s *Store) GetMessageIDByPlatformID(ctx context.Context, server, channel, platformID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages WHERE server_tag = ? AND channel_name = ? AND platform_id = ? ORDER BY id DESC LIMIT 1`,
		server, channel, platformID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up message by platform id: %w", err)
	}
	return id, true, nil
}

func (s *Store) UpdateMessageByPlatformID(ctx context.Context, server, channel, platformID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ? WHERE server_tag = ? AND channel_name = ? AND platform_id = ?`,
		content, server, channel, platformID)
	if err != nil {
		return fmt.Errorf("updating message by platform id: %w", err)
	}
	return nil
}

// --- ChronicleStore ---

func (s *Store) GetOrOpenCurrentChapter(ctx context.Context, arc string) (chatengine.Chapter, error) {
	var ch chatengine.Chapter
	ch.Arc = arc
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at FROM chapters WHERE arc = ? AND closed_at IS NULL ORDER BY id DESC LIMIT 1`, arc).
		Scan(&ch.ID, &ch.StartedAt)
	if err == nil {
		return ch, nil
	}
	if err != sql.ErrNoRows {
		return chatengine.Chapter{}, fmt.Errorf("looking up current chapter: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO chapters (arc) VALUES (?)`, arc)
	if err != nil {
		return chatengine.Chapter{}, fmt.Errorf("opening chapter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chatengine.Chapter{}, err
	}
	return chatengine.Chapter{ID: id, Arc: arc, StartedAt: time.Now()}, nil
}

func (s *Store) AppendParagraph(ctx context.Context, arc, content string) (chatengine.Paragraph, error) {
	if strings.TrimSpace(content) == "" {
		return chatengine.Paragraph{}, fmt.Errorf("refusing to append empty paragraph for %s", arc)
	}
	chapter, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return chatengine.Paragraph{}, err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO paragraphs (chapter_id, arc, content) VALUES (?, ?, ?)`, chapter.ID, arc, content)
	if err != nil {
		return chatengine.Paragraph{}, fmt.Errorf("appending paragraph: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chatengine.Paragraph{}, err
	}
	return chatengine.Paragraph{ID: id, ChapterID: chapter.ID, Content: content, CreatedAt: time.Now()}, nil
}

func (s *Store) GetChapterContextMessages(ctx context.Context, arc string) ([]chatengine.ContextMessage, error) {
	chapter, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM paragraphs WHERE chapter_id = ? ORDER BY id ASC`, chapter.ID)
	if err != nil {
		return nil, fmt.Errorf("querying chapter paragraphs: %w", err)
	}
	defer rows.Close()

	var out []chatengine.ContextMessage
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, chatengine.ContextMessage{Role: "assistant", Content: content})
	}
	return out, rows.Err()
}

// RenderChapter concatenates a chapter's paragraphs and renders the result
// as HTML via goldmark, since chronicle paragraphs may themselves contain
// light markdown.
func (s *Store) RenderChapter(ctx context.Context, chapterID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM paragraphs WHERE chapter_id = ? ORDER BY id ASC`, chapterID)
	if err != nil {
		return "", fmt.Errorf("querying chapter paragraphs: %w", err)
	}
	defer rows.Close()

	var md strings.Builder
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", err
		}
		md.WriteString(content)
		md.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var html strings.Builder
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		return "", fmt.Errorf("rendering chapter markdown: %w", err)
	}
	return html.String(), nil
}

func (s *Store) RenderChapterRelative(ctx context.Context, arc string, offsetFromCurrent int) (string, error) {
	var ids []int64
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chapters WHERE arc = ? ORDER BY id DESC`, arc)
	if err != nil {
		return "", fmt.Errorf("listing chapters: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return "", err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	idx := -offsetFromCurrent
	if idx < 0 || idx >= len(ids) {
		return "", fmt.Errorf("no chapter at relative offset %d for arc %s", offsetFromCurrent, arc)
	}
	return s.RenderChapter(ctx, ids[idx])
}

// --- Quests ---

func (s *Store) QuestStart(ctx context.Context, arc, id, parentID, state string, paragraphID int64) (chatengine.QuestRow, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quests (id, arc_id, parent_id, status, last_state, created_by_paragraph_id, last_updated_by_paragraph)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_state = excluded.last_state, last_updated_by_paragraph = excluded.last_updated_by_paragraph, last_update_at = CURRENT_TIMESTAMP`,
		id, arc, parentID, chatengine.QuestOngoing, state, paragraphID, paragraphID)
	if err != nil {
		return chatengine.QuestRow{}, fmt.Errorf("starting quest: %w", err)
	}
	row, ok, err := s.QuestGet(ctx, id)
	if err != nil {
		return chatengine.QuestRow{}, err
	}
	if !ok {
		return chatengine.QuestRow{}, fmt.Errorf("quest %s not found after insert", id)
	}
	return row, nil
}

func (s *Store) QuestUpdate(ctx context.Context, id, state string, paragraphID int64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE quests SET last_state = ?, last_updated_by_paragraph = ?, last_update_at = ? WHERE id = ?`,
		state, paragraphID, updatedAt.UTC().Format("2006-01-02 15:04:05"), id)
	return err
}

func (s *Store) QuestFinish(ctx context.Context, id string, paragraphID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE quests SET status = ?, last_updated_by_paragraph = ?, last_update_at = CURRENT_TIMESTAMP WHERE id = ?`,
		chatengine.QuestFinished, paragraphID, id)
	return err
}

func (s *Store) QuestSetPlan(ctx context.Context, id, plan string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE quests SET plan = ? WHERE id = ?`, plan, id)
	return err
}

func (s *Store) QuestSetResumeAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE quests SET resume_at = ? WHERE id = ?`, at, id)
	return err
}

func (s *Store) QuestGet(ctx context.Context, id string) (chatengine.QuestRow, bool, error) {
	var q chatengine.QuestRow
	var resumeAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, arc_id, parent_id, status, last_state, plan, resume_at, created_by_paragraph_id, last_updated_by_paragraph, last_update_at
		FROM quests WHERE id = ?`, id).Scan(
		&q.ID, &q.ArcID, &q.ParentID, &q.Status, &q.LastState, &q.Plan, &resumeAt, &q.CreatedByParagraphID, &q.LastUpdatedByParagraph, &q.LastUpdateAt)
	if err == sql.ErrNoRows {
		return chatengine.QuestRow{}, false, nil
	}
	if err != nil {
		return chatengine.QuestRow{}, false, fmt.Errorf("getting quest: %w", err)
	}
	if resumeAt.Valid {
		q.ResumeAt = &resumeAt.Time
	}
	return q, true, nil
}

func (s *Store) QuestsCountUnfinished(ctx context.Context, arc string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quests WHERE arc_id = ? AND status != ?`, arc, chatengine.QuestFinished).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unfinished quests: %w", err)
	}
	return count, nil
}

func (s *Store) QuestTryTransition(ctx context.Context, id string, from, to chatengine.QuestStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE quests SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning quest status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) QuestsReadyForHeartbeat(ctx context.Context, arc string, cooldownSeconds float64) ([]chatengine.QuestRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.arc_id, q.parent_id, q.status, q.last_state, q.plan, q.resume_at, q.created_by_paragraph_id, q.last_updated_by_paragraph, q.last_update_at
		FROM quests q
		WHERE q.arc_id = ? AND q.status = ?
		AND (julianday('now') - julianday(q.last_update_at)) * 86400.0 >= ?
		AND (q.resume_at IS NULL OR q.resume_at <= CURRENT_TIMESTAMP)
		AND NOT EXISTS (
			SELECT 1 FROM quests c WHERE c.parent_id = q.id AND c.status IN (?, ?)
		)
		ORDER BY q.id ASC`,
		arc, chatengine.QuestOngoing, cooldownSeconds, chatengine.QuestOngoing, chatengine.QuestInStep)
	if err != nil {
		return nil, fmt.Errorf("querying heartbeat-ready quests: %w", err)
	}
	defer rows.Close()

	var out []chatengine.QuestRow
	for rows.Next() {
		var q chatengine.QuestRow
		var resumeAt sql.NullTime
		if err := rows.Scan(&q.ID, &q.ArcID, &q.ParentID, &q.Status, &q.LastState, &q.Plan, &resumeAt, &q.CreatedByParagraphID, &q.LastUpdatedByParagraph, &q.LastUpdateAt); err != nil {
			return nil, err
		}
		if resumeAt.Valid {
			q.ResumeAt = &resumeAt.Time
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
