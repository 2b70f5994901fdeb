package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/perceptlab/imagetrial/internal/api"
	"github.com/perceptlab/imagetrial/internal/models"
	"github.com/perceptlab/imagetrial/internal/services"
)

// SQLiteStore persists sessions, sequences, and records in SQLite. Timestamps
// are stored as RFC 3339 text so exported rows match what clients sent.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

var _ api.Store = (*SQLiteStore)(nil)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// CreateSession writes the session, its stages, and its flattened item
// sequence in one transaction so a half-created session can never be resumed.
func (s *SQLiteStore) CreateSession(sess *models.Session, stages []models.Stage, items []models.Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO sessions
		(id, participant_id, participant_role, group_id, batch_id, started_at, finished_at, user_agent, ip_hash, total_elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ParticipantID, sess.ParticipantRole, sess.GroupID, sess.BatchID,
		formatTime(sess.StartedAt), formatTimePtr(sess.FinishedAt), sess.UserAgent, sess.IPHash,
		nullInt64(sess.TotalElapsedMS))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for _, st := range stages {
		_, err = tx.Exec(`INSERT INTO session_stages
			(session_id, stage_index, subset_id, mode_id, label, total_items)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, st.Index, st.SubsetID, st.ModeID, st.Label, st.TotalItems)
		if err != nil {
			return fmt.Errorf("insert stage %d: %w", st.Index, err)
		}
	}
	for _, it := range items {
		_, err = tx.Exec(`INSERT INTO session_items
			(session_id, image_id, filename, title, url, order_index, stage_index, subset_id, mode_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, it.ImageID, it.Filename, it.Title, it.URL, it.OrderIndex, it.StageIndex, it.SubsetID, it.ModeID)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", it.ImageID, err)
		}
	}
	return tx.Commit()
}

const sessionCols = `id, participant_id, participant_role, group_id, batch_id, started_at, finished_at, user_agent, ip_hash, total_elapsed_ms`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var (
		sess       models.Session
		startedAt  string
		finishedAt sql.NullString
		totalMS    sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.ParticipantRole, &sess.GroupID, &sess.BatchID,
		&startedAt, &finishedAt, &sess.UserAgent, &sess.IPHash, &totalMS)
	if err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	sess.TotalElapsedMS = int64Ptr(totalMS)
	return &sess, nil
}

func (s *SQLiteStore) SessionByID(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) LatestOpenSession(participantID, groupID string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions
		WHERE participant_id = ? AND group_id = ? AND finished_at IS NULL
		ORDER BY started_at DESC, id DESC LIMIT 1`, participantID, groupID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) StagesBySession(sessionID string) ([]models.Stage, error) {
	rows, err := s.db.Query(`SELECT session_id, stage_index, subset_id, mode_id, label, total_items
		FROM session_stages WHERE session_id = ? ORDER BY stage_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stages []models.Stage
	for rows.Next() {
		var st models.Stage
		if err := rows.Scan(&st.SessionID, &st.Index, &st.SubsetID, &st.ModeID, &st.Label, &st.TotalItems); err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

const itemCols = `session_id, image_id, filename, title, url, order_index, stage_index, subset_id, mode_id`

func scanItem(row interface{ Scan(...any) error }) (*models.Item, error) {
	var it models.Item
	err := row.Scan(&it.SessionID, &it.ImageID, &it.Filename, &it.Title, &it.URL,
		&it.OrderIndex, &it.StageIndex, &it.SubsetID, &it.ModeID)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLiteStore) ItemsBySession(sessionID string) ([]models.Item, error) {
	rows, err := s.db.Query(`SELECT `+itemCols+` FROM session_items
		WHERE session_id = ? ORDER BY order_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) ItemByImage(sessionID, imageID string) (*models.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemCols+` FROM session_items
		WHERE session_id = ? AND image_id = ?`, sessionID, imageID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// UpsertRecord inserts or replaces the single record for (session, image).
// The replace keeps the latest submission in full, including its timestamps.
func (s *SQLiteStore) UpsertRecord(rec *models.Record) error {
	_, err := s.db.Exec(`INSERT INTO records
		(session_id, image_id, answer, order_index, elapsed_ms_item, elapsed_ms_global,
		 skipped, item_timeout, ts_server, ts_client, user_agent, ip_hash, subset_id, stage_index, mode_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, image_id) DO UPDATE SET
			answer = excluded.answer,
			order_index = excluded.order_index,
			elapsed_ms_item = excluded.elapsed_ms_item,
			elapsed_ms_global = excluded.elapsed_ms_global,
			skipped = excluded.skipped,
			item_timeout = excluded.item_timeout,
			ts_server = excluded.ts_server,
			ts_client = excluded.ts_client,
			user_agent = excluded.user_agent,
			ip_hash = excluded.ip_hash,
			subset_id = excluded.subset_id,
			stage_index = excluded.stage_index,
			mode_id = excluded.mode_id`,
		rec.SessionID, rec.ImageID, rec.Answer, rec.OrderIndex,
		nullInt64(rec.ElapsedMSItem), nullInt64(rec.ElapsedMSGlobal),
		boolToInt(rec.Skipped), boolToInt(rec.ItemTimeout),
		formatTime(rec.TSServer), formatTimePtr(rec.TSClient),
		rec.UserAgent, rec.IPHash, rec.SubsetID, rec.StageIndex, rec.ModeID)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

const recordCols = `session_id, image_id, answer, order_index, elapsed_ms_item, elapsed_ms_global,
	skipped, item_timeout, ts_server, ts_client, user_agent, ip_hash, subset_id, stage_index, mode_id`

func scanRecord(row interface{ Scan(...any) error }) (*models.Record, error) {
	var (
		rec      models.Record
		itemMS   sql.NullInt64
		globalMS sql.NullInt64
		skipped  int
		timeout  int
		tsServer string
		tsClient sql.NullString
	)
	err := row.Scan(&rec.SessionID, &rec.ImageID, &rec.Answer, &rec.OrderIndex, &itemMS, &globalMS,
		&skipped, &timeout, &tsServer, &tsClient, &rec.UserAgent, &rec.IPHash,
		&rec.SubsetID, &rec.StageIndex, &rec.ModeID)
	if err != nil {
		return nil, err
	}
	rec.ElapsedMSItem = int64Ptr(itemMS)
	rec.ElapsedMSGlobal = int64Ptr(globalMS)
	rec.Skipped = skipped != 0
	rec.ItemTimeout = timeout != 0
	if rec.TSServer, err = parseTime(tsServer); err != nil {
		return nil, fmt.Errorf("parse ts_server: %w", err)
	}
	if rec.TSClient, err = parseTimePtr(tsClient); err != nil {
		return nil, fmt.Errorf("parse ts_client: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) RecordsBySession(sessionID string) ([]models.Record, error) {
	rows, err := s.db.Query(`SELECT `+recordCols+` FROM records
		WHERE session_id = ? ORDER BY order_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// FinishSession stamps the completion time once. A session that is already
// finished, or unknown, is left untouched.
func (s *SQLiteStore) FinishSession(sessionID string, finishedAt time.Time, totalElapsedMS *int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET finished_at = ?, total_elapsed_ms = ?
		WHERE id = ? AND finished_at IS NULL`,
		formatTime(finishedAt), nullInt64(totalElapsedMS), sessionID)
	return err
}

// RecordsWithSessions joins records with their sessions for export, ordered
// by session start then record order so the CSV is stable across runs.
func (s *SQLiteStore) RecordsWithSessions(f services.ExportFilter) ([]services.RecordJoin, error) {
	query := `SELECT
		r.session_id, r.image_id, r.answer, r.order_index, r.elapsed_ms_item, r.elapsed_ms_global,
		r.skipped, r.item_timeout, r.ts_server, r.ts_client, r.user_agent, r.ip_hash,
		r.subset_id, r.stage_index, r.mode_id,
		s.id, s.participant_id, s.participant_role, s.group_id, s.batch_id,
		s.started_at, s.finished_at, s.user_agent, s.ip_hash, s.total_elapsed_ms
		FROM records r JOIN sessions s ON s.id = r.session_id WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND r.session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.ParticipantID != "" {
		query += ` AND s.participant_id = ?`
		args = append(args, f.ParticipantID)
	}
	if f.GroupID != "" {
		query += ` AND s.group_id = ?`
		args = append(args, f.GroupID)
	}
	if f.ModeID != "" {
		query += ` AND r.mode_id = ?`
		args = append(args, f.ModeID)
	}
	query += ` ORDER BY s.started_at, s.id, r.order_index`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []services.RecordJoin
	for rows.Next() {
		var (
			rec        models.Record
			itemMS     sql.NullInt64
			globalMS   sql.NullInt64
			skipped    int
			timeout    int
			tsServer   string
			tsClient   sql.NullString
			sess       models.Session
			startedAt  string
			finishedAt sql.NullString
			totalMS    sql.NullInt64
		)
		err := rows.Scan(&rec.SessionID, &rec.ImageID, &rec.Answer, &rec.OrderIndex, &itemMS, &globalMS,
			&skipped, &timeout, &tsServer, &tsClient, &rec.UserAgent, &rec.IPHash,
			&rec.SubsetID, &rec.StageIndex, &rec.ModeID,
			&sess.ID, &sess.ParticipantID, &sess.ParticipantRole, &sess.GroupID, &sess.BatchID,
			&startedAt, &finishedAt, &sess.UserAgent, &sess.IPHash, &totalMS)
		if err != nil {
			return nil, err
		}
		rec.ElapsedMSItem = int64Ptr(itemMS)
		rec.ElapsedMSGlobal = int64Ptr(globalMS)
		rec.Skipped = skipped != 0
		rec.ItemTimeout = timeout != 0
		if rec.TSServer, err = parseTime(tsServer); err != nil {
			return nil, fmt.Errorf("parse ts_server: %w", err)
		}
		if rec.TSClient, err = parseTimePtr(tsClient); err != nil {
			return nil, fmt.Errorf("parse ts_client: %w", err)
		}
		if sess.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if sess.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		sess.TotalElapsedMS = int64Ptr(totalMS)
		out = append(out, services.RecordJoin{Record: rec, Session: sess})
	}
	return out, rows.Err()
}
