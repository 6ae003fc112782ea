package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deckpilot/internal/index"
	"deckpilot/internal/selector"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		command    TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL DEFAULT 'idle',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS slides (
		id        TEXT PRIMARY KEY,
		title     TEXT NOT NULL DEFAULT '',
		category  TEXT NOT NULL DEFAULT '',
		type      TEXT NOT NULL DEFAULT '',
		keywords  TEXT NOT NULL DEFAULT '[]',
		deck      TEXT NOT NULL DEFAULT '',
		position  INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_slides_category ON slides(category);
	CREATE INDEX IF NOT EXISTS idx_slides_type ON slides(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Session Operations ---

func (s *SQLiteStore) CreateSession(rec SessionRecord) error {
	now := nowUTC()
	if strings.TrimSpace(rec.CreatedAt) == "" {
		rec.CreatedAt = now
	}
	if strings.TrimSpace(rec.UpdatedAt) == "" {
		rec.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, command, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Command, rec.State, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionState(id, state string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	_, err := s.db.Exec(`UPDATE sessions SET state=?, updated_at=? WHERE id=?`,
		state, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(id string) (SessionRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionRecord{}, fmt.Errorf("session id is empty")
	}
	row := s.db.QueryRow(`
		SELECT id, command, state, created_at, updated_at
		FROM sessions WHERE id=?`, id)

	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Command, &rec.State, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return SessionRecord{}, fmt.Errorf("session not found: %s", id)
		}
		return SessionRecord{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, command, state, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.State, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Plan / Result Operations ---

func (s *SQLiteStore) SavePlan(sessionID string, planJSON []byte) error {
	return s.upsertPayload("plans", sessionID, planJSON)
}

func (s *SQLiteStore) LoadPlan(sessionID string) ([]byte, error) {
	return s.loadPayload("plans", sessionID)
}

func (s *SQLiteStore) SaveResult(sessionID string, resultJSON []byte) error {
	return s.upsertPayload("results", sessionID, resultJSON)
}

func (s *SQLiteStore) LoadResult(sessionID string) ([]byte, error) {
	return s.loadPayload("results", sessionID)
}

func (s *SQLiteStore) upsertPayload(table, sessionID string, payload []byte) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at`, table)
	if _, err := s.db.Exec(query, sessionID, string(payload), nowUTC()); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) loadPayload(table, sessionID string) ([]byte, error) {
	row := s.db.QueryRow(fmt.Sprintf(`SELECT payload FROM %s WHERE session_id=?`, table), strings.TrimSpace(sessionID))
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s not found for session %s", strings.TrimSuffix(table, "s"), sessionID)
		}
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return []byte(payload), nil
}

// --- Slide Corpus ---

func (s *SQLiteStore) UpsertSlides(slides []Slide) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO slides (id, title, category, type, keywords, deck, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, category=excluded.category, type=excluded.type,
			keywords=excluded.keywords, deck=excluded.deck, position=excluded.position`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, slide := range slides {
		if strings.TrimSpace(slide.ID) == "" {
			return fmt.Errorf("slide %d has empty id", i)
		}
		keywordsJSON := "[]"
		if len(slide.Keywords) > 0 {
			data, marshalErr := json.Marshal(slide.Keywords)
			if marshalErr == nil {
				keywordsJSON = string(data)
			}
		}
		if _, err := stmt.Exec(slide.ID, slide.Title, slide.Category, slide.Type,
			keywordsJSON, slide.Deck, slide.Position); err != nil {
			return fmt.Errorf("upsert slide %s: %w", slide.ID, err)
		}
	}
	return tx.Commit()
}

// SearchSlides 按描述符检索语料：分类/类型做硬过滤，关键词按命中比例打分。
// 排序确定性：分数降序，同分按 deck+position 的语料顺序。
// SearchSlides queries the corpus for a descriptor: categories and slide types are hard
// filters, keywords are scored by hit ratio. Ordering is deterministic: score descending,
// ties broken by deck+position corpus order.
func (s *SQLiteStore) SearchSlides(ctx context.Context, q index.Descriptor) ([]selector.Candidate, error) {
	query := `SELECT id, title, category, type, keywords FROM slides`
	var (
		where []string
		args  []any
	)
	if len(q.Categories) > 0 {
		where = append(where, "category IN ("+placeholders(len(q.Categories))+")")
		for _, c := range q.Categories {
			args = append(args, c)
		}
	}
	if len(q.SlideTypes) > 0 {
		where = append(where, "type IN ("+placeholders(len(q.SlideTypes))+")")
		for _, t := range q.SlideTypes {
			args = append(args, t)
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deck, position"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search slides: %w", err)
	}
	defer rows.Close()

	var candidates []selector.Candidate
	for rows.Next() {
		var (
			id, title, category, slideType, keywordsJSON string
		)
		if err := rows.Scan(&id, &title, &category, &slideType, &keywordsJSON); err != nil {
			continue
		}
		var keywords []string
		_ = json.Unmarshal([]byte(keywordsJSON), &keywords)

		score := scoreSlide(q.Keywords, title, keywords)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, selector.Candidate{ItemID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search slides: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	limit := q.Limit
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// scoreSlide 关键词命中比例评分；无关键词时过滤匹配即满分。
// scoreSlide scores by keyword hit ratio; with no keywords a filter match scores 1.0.
func scoreSlide(queryKeywords []string, title string, slideKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 1.0
	}
	haystack := make(map[string]struct{}, len(slideKeywords))
	for _, k := range slideKeywords {
		haystack[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	titleLower := strings.ToLower(title)

	matched := 0
	for _, term := range queryKeywords {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if _, ok := haystack[t]; ok {
			matched++
			continue
		}
		if strings.Contains(titleLower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryKeywords))
}

func (s *SQLiteStore) Vocabulary() (categories, slideTypes, keywords []string, err error) {
	categories, err = s.distinctColumn("category")
	if err != nil {
		return nil, nil, nil, err
	}
	slideTypes, err = s.distinctColumn("type")
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.db.Query(`SELECT keywords FROM slides`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load keywords: %w", err)
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	for rows.Next() {
		var keywordsJSON string
		if err := rows.Scan(&keywordsJSON); err != nil {
			continue
		}
		var ks []string
		_ = json.Unmarshal([]byte(keywordsJSON), &ks)
		for _, k := range ks {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keywords = append(keywords, k)
		}
	}
	sort.Strings(keywords)
	return categories, slideTypes, keywords, rows.Err()
}

func (s *SQLiteStore) distinctColumn(column string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT DISTINCT %s FROM slides WHERE %s != '' ORDER BY %s`, column, column, column))
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
