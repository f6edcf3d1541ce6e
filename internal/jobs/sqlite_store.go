package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/util"
)

// timeFormat is fixed width so that text comparison in SQL matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the timestamp source; used by tests that need deterministic updated_at values.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		job_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		language TEXT,
		platform TEXT,
		aspect_ratio TEXT,
		target_duration INTEGER NOT NULL DEFAULT 0,
		actor_ids_json TEXT,
		brief TEXT,
		script_json TEXT,
		final_url TEXT,
		credit_cost INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		series_id TEXT,
		episode_number INTEGER NOT NULL DEFAULT 0,
		cliffhanger TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, status);
	CREATE TABLE IF NOT EXISTS clips (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		clip_index INTEGER NOT NULL,
		script_indices_json TEXT,
		provider TEXT,
		task_id TEXT,
		status TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		video_url TEXT,
		lipsync_url TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(job_id, clip_index)
	);
	CREATE INDEX IF NOT EXISTS idx_clips_task ON clips(task_id);
	CREATE INDEX IF NOT EXISTS idx_clips_status ON clips(status, updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ts() string {
	return s.now().UTC().Format(timeFormat)
}

// DebitCredits atomically decrements the balance when it covers amount.
func (s *SQLiteStore) DebitCredits(ctx context.Context, userID string, amount int, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.ts()
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance >= ?`,
		amount, now, userID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit rows: %w", err)
	}
	if n == 0 {
		return &InsufficientCreditsError{Required: amount}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, job_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		util.NewID(), userID, -amount, ReasonJobDebit, nullable(jobID), now); err != nil {
		return fmt.Errorf("insert debit transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreditCredits(ctx context.Context, userID string, amount int, reason string, jobID *string) error {
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.ts()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, job_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		util.NewID(), userID, amount, reason, jobID, now); err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	actors, err := json.Marshal(job.ActorIDs)
	if err != nil {
		return fmt.Errorf("marshal actors: %w", err)
	}
	script, err := json.Marshal(job.Script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, type, status, language, platform, aspect_ratio, target_duration,
			actor_ids_json, brief, script_json, final_url, credit_cost, error_message, series_id, episode_number,
			cliffhanger, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, string(job.Type), string(job.Status), job.Language, job.Platform, job.AspectRatio,
		job.TargetDuration, string(actors), job.Brief, string(script), job.FinalURL, job.CreditCost,
		job.ErrorMessage, job.SeriesID, job.EpisodeNumber, job.Cliffhanger,
		job.CreatedAt.UTC().Format(timeFormat), job.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, type, status, language, platform, aspect_ratio, target_duration,
	actor_ids_json, brief, script_json, final_url, credit_cost, error_message, series_id, episode_number,
	cliffhanger, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var typ, status string
	var lang, platform, aspect, actors, brief, script, finalURL, errMsg, series, cliff sql.NullString
	var created, updated string
	if err := row.Scan(
		&job.ID, &job.UserID, &typ, &status, &lang, &platform, &aspect, &job.TargetDuration,
		&actors, &brief, &script, &finalURL, &job.CreditCost, &errMsg, &series, &job.EpisodeNumber,
		&cliff, &created, &updated,
	); err != nil {
		return nil, err
	}
	job.Type = Type(typ)
	job.Status = Status(status)
	job.Language = lang.String
	job.Platform = platform.String
	job.AspectRatio = aspect.String
	job.Brief = brief.String
	if actors.Valid && actors.String != "" {
		if err := json.Unmarshal([]byte(actors.String), &job.ActorIDs); err != nil {
			return nil, fmt.Errorf("decode actors: %w", err)
		}
	}
	if script.Valid && script.String != "" {
		if err := json.Unmarshal([]byte(script.String), &job.Script); err != nil {
			return nil, fmt.Errorf("decode script: %w", err)
		}
	}
	job.FinalURL = nullString(finalURL)
	job.ErrorMessage = nullString(errMsg)
	job.SeriesID = nullString(series)
	job.Cliffhanger = nullString(cliff)
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []any{filter.UserID}
	if filter.ActiveOnly {
		q += ` AND status NOT IN (?, ?)`
		args = append(args, string(StatusDone), string(StatusFailed))
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetJobScript(ctx context.Context, id string, script []ScriptClip) error {
	b, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET script_json = ?, updated_at = ? WHERE id = ?`, string(b), s.ts(), id)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, from []Status, to Status, errMsg *string) (bool, error) {
	q := `UPDATE jobs SET status = ?, error_message = COALESCE(?, error_message), updated_at = ? WHERE id = ?`
	args := []any{string(to), errMsg, s.ts(), id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return changed(res)
}

func (s *SQLiteStore) SetJobFinal(ctx context.Context, id string, finalURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, final_url = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusDone), finalURL, s.ts(), id, string(StatusDone), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("update job final: %w", err)
	}
	return changed(res)
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clips WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete clips: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) InsertClips(ctx context.Context, clips []Clip) error {
	if len(clips) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert clips: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO clips (id, job_id, clip_index, script_indices_json, provider, status, prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert clips: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	now := s.now()
	for i := range clips {
		c := &clips[i]
		if c.ID == "" {
			c.ID = util.NewID()
		}
		if c.Status == "" {
			c.Status = ClipPending
		}
		c.CreatedAt, c.UpdatedAt = now, now
		idx, err := json.Marshal(c.ScriptIndices)
		if err != nil {
			return fmt.Errorf("marshal script indices: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.JobID, c.ClipIndex, string(idx), c.Provider, string(c.Status),
			c.Prompt, now.Format(timeFormat), now.Format(timeFormat)); err != nil {
			return fmt.Errorf("insert clip %d: %w", c.ClipIndex, err)
		}
	}
	return tx.Commit()
}

const clipColumns = `id, job_id, clip_index, script_indices_json, provider, task_id, status, prompt,
	video_url, lipsync_url, error_message, created_at, updated_at`

func scanClip(row rowScanner) (*Clip, error) {
	var c Clip
	var idx, provider, taskID, videoURL, lipsyncURL, errMsg sql.NullString
	var status, created, updated string
	if err := row.Scan(&c.ID, &c.JobID, &c.ClipIndex, &idx, &provider, &taskID, &status, &c.Prompt,
		&videoURL, &lipsyncURL, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	if idx.Valid && idx.String != "" {
		if err := json.Unmarshal([]byte(idx.String), &c.ScriptIndices); err != nil {
			return nil, fmt.Errorf("decode script indices: %w", err)
		}
	}
	c.Provider = provider.String
	c.TaskID = nullString(taskID)
	c.Status = ClipStatus(status)
	c.VideoURL = nullString(videoURL)
	c.LipsyncURL = nullString(lipsyncURL)
	c.ErrorMessage = nullString(errMsg)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *SQLiteStore) queryClips(ctx context.Context, q string, args ...any) ([]Clip, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query clips: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetClip(ctx context.Context, id string) (*Clip, error) {
	c, err := scanClip(s.db.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan clip: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetClipByTaskID(ctx context.Context, taskID string) (*Clip, error) {
	c, err := scanClip(s.db.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE task_id = ?`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan clip: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListClips(ctx context.Context, jobID string) ([]Clip, error) {
	return s.queryClips(ctx, `SELECT `+clipColumns+` FROM clips WHERE job_id = ? ORDER BY clip_index`, jobID)
}

func (s *SQLiteStore) ListInFlightClips(ctx context.Context, jobID, userID string) ([]Clip, error) {
	q := `SELECT ` + prefixed("c.", clipColumns) + ` FROM clips c JOIN jobs j ON j.id = c.job_id
		WHERE c.status IN (?, ?) AND c.task_id IS NOT NULL AND c.task_id <> ''`
	args := []any{string(ClipSubmitted), string(ClipProcessing)}
	if jobID != "" {
		q += ` AND c.job_id = ?`
		args = append(args, jobID)
	}
	if userID != "" {
		q += ` AND j.user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY c.job_id, c.clip_index`
	return s.queryClips(ctx, q, args...)
}

func (s *SQLiteStore) ListStaleSubmitted(ctx context.Context, cutoff time.Time) ([]Clip, error) {
	return s.queryClips(ctx, `SELECT `+clipColumns+` FROM clips
		WHERE status = ? AND task_id IS NOT NULL AND task_id <> '' AND updated_at < ?
		ORDER BY updated_at`,
		string(ClipSubmitted), cutoff.UTC().Format(timeFormat))
}

func (s *SQLiteStore) MarkClipSubmitted(ctx context.Context, id string, f ClipFields) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clips SET status = ?, provider = ?, task_id = ?, prompt = ?, error_message = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(ClipSubmitted), f.Provider, nullable(f.TaskID), f.Prompt, s.ts(), id, string(ClipPending))
	if err != nil {
		return false, fmt.Errorf("mark clip submitted: %w", err)
	}
	return changed(res)
}

func (s *SQLiteStore) AdvanceClip(ctx context.Context, id string, status ClipStatus, f ClipFields) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), s.ts()}
	for _, col := range clipFieldColumns(f) {
		sets = append(sets, col.name+" = ?")
		args = append(args, col.value)
	}
	args = append(args, id, string(ClipDone), string(ClipFailed))
	res, err := s.db.ExecContext(ctx,
		`UPDATE clips SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status NOT IN (?, ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("advance clip: %w", err)
	}
	return changed(res)
}

func (s *SQLiteStore) ResetClipSubmitted(ctx context.Context, id string, f ClipFields) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clips SET status = ?, provider = ?, task_id = ?, prompt = ?, video_url = NULL, lipsync_url = NULL,
			error_message = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		string(ClipSubmitted), f.Provider, nullable(f.TaskID), f.Prompt, s.ts(), id, string(ClipFailed))
	if err != nil {
		return fmt.Errorf("reset clip: %w", err)
	}
	ok, err := changed(res)
	if err != nil || ok {
		return err
	}
	if _, err := s.GetClip(ctx, id); err != nil {
		return err
	}
	return ErrClipConflict
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type column struct {
	name  string
	value string
}

// clipFieldColumns lists the non-empty fields of f as column assignments.
func clipFieldColumns(f ClipFields) []column {
	var cols []column
	add := func(name, v string) {
		if v != "" {
			cols = append(cols, column{name: name, value: v})
		}
	}
	add("provider", f.Provider)
	add("task_id", f.TaskID)
	add("prompt", f.Prompt)
	add("video_url", f.VideoURL)
	add("lipsync_url", f.LipsyncURL)
	add("error_message", f.ErrorMessage)
	return cols
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result) error {
	ok, err := changed(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
