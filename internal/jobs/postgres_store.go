package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jo-hoe/clipforge/internal/util"
)

// PostgresStore implements Store on gorm for multi-replica deployments.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&accountModel{}, &creditTransactionModel{}, &jobModel{}, &clipModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the timestamp source.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

type accountModel struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Balance   int       `gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (accountModel) TableName() string { return "accounts" }

type creditTransactionModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;index"`
	Delta     int       `gorm:"column:delta"`
	Reason    string    `gorm:"column:reason"`
	JobID     *string   `gorm:"column:job_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (creditTransactionModel) TableName() string { return "credit_transactions" }

type jobModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	UserID         string    `gorm:"column:user_id;index"`
	Type           string    `gorm:"column:type"`
	Status         string    `gorm:"column:status"`
	Language       string    `gorm:"column:language"`
	Platform       string    `gorm:"column:platform"`
	AspectRatio    string    `gorm:"column:aspect_ratio"`
	TargetDuration int       `gorm:"column:target_duration"`
	ActorIDs       []byte    `gorm:"column:actor_ids_json"`
	Brief          string    `gorm:"column:brief"`
	Script         []byte    `gorm:"column:script_json"`
	FinalURL       *string   `gorm:"column:final_url"`
	CreditCost     int       `gorm:"column:credit_cost"`
	ErrorMessage   *string   `gorm:"column:error_message"`
	SeriesID       *string   `gorm:"column:series_id"`
	EpisodeNumber  int       `gorm:"column:episode_number"`
	Cliffhanger    *string   `gorm:"column:cliffhanger"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (jobModel) TableName() string { return "jobs" }

type clipModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	JobID         string    `gorm:"column:job_id;uniqueIndex:idx_clip_job_index"`
	ClipIndex     int       `gorm:"column:clip_index;uniqueIndex:idx_clip_job_index"`
	ScriptIndices []byte    `gorm:"column:script_indices_json"`
	Provider      string    `gorm:"column:provider"`
	TaskID        *string   `gorm:"column:task_id;index"`
	Status        string    `gorm:"column:status;index:idx_clip_status_updated"`
	Prompt        string    `gorm:"column:prompt"`
	VideoURL      *string   `gorm:"column:video_url"`
	LipsyncURL    *string   `gorm:"column:lipsync_url"`
	ErrorMessage  *string   `gorm:"column:error_message"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;index:idx_clip_status_updated"`
}

func (clipModel) TableName() string { return "clips" }

func jobModelFromEntity(job *Job) (jobModel, error) {
	actors, err := json.Marshal(job.ActorIDs)
	if err != nil {
		return jobModel{}, fmt.Errorf("marshal actors: %w", err)
	}
	script, err := json.Marshal(job.Script)
	if err != nil {
		return jobModel{}, fmt.Errorf("marshal script: %w", err)
	}
	return jobModel{
		ID:             job.ID,
		UserID:         job.UserID,
		Type:           string(job.Type),
		Status:         string(job.Status),
		Language:       job.Language,
		Platform:       job.Platform,
		AspectRatio:    job.AspectRatio,
		TargetDuration: job.TargetDuration,
		ActorIDs:       actors,
		Brief:          job.Brief,
		Script:         script,
		FinalURL:       job.FinalURL,
		CreditCost:     job.CreditCost,
		ErrorMessage:   job.ErrorMessage,
		SeriesID:       job.SeriesID,
		EpisodeNumber:  job.EpisodeNumber,
		Cliffhanger:    job.Cliffhanger,
		CreatedAt:      job.CreatedAt.UTC(),
		UpdatedAt:      job.UpdatedAt.UTC(),
	}, nil
}

func (m jobModel) toEntity() (Job, error) {
	job := Job{
		ID:             m.ID,
		UserID:         m.UserID,
		Type:           Type(m.Type),
		Status:         Status(m.Status),
		Language:       m.Language,
		Platform:       m.Platform,
		AspectRatio:    m.AspectRatio,
		TargetDuration: m.TargetDuration,
		Brief:          m.Brief,
		FinalURL:       m.FinalURL,
		CreditCost:     m.CreditCost,
		ErrorMessage:   m.ErrorMessage,
		SeriesID:       m.SeriesID,
		EpisodeNumber:  m.EpisodeNumber,
		Cliffhanger:    m.Cliffhanger,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if len(m.ActorIDs) > 0 {
		if err := json.Unmarshal(m.ActorIDs, &job.ActorIDs); err != nil {
			return Job{}, fmt.Errorf("decode actors: %w", err)
		}
	}
	if len(m.Script) > 0 {
		if err := json.Unmarshal(m.Script, &job.Script); err != nil {
			return Job{}, fmt.Errorf("decode script: %w", err)
		}
	}
	return job, nil
}

func (m clipModel) toEntity() (Clip, error) {
	c := Clip{
		ID:           m.ID,
		JobID:        m.JobID,
		ClipIndex:    m.ClipIndex,
		Provider:     m.Provider,
		TaskID:       m.TaskID,
		Status:       ClipStatus(m.Status),
		Prompt:       m.Prompt,
		VideoURL:     m.VideoURL,
		LipsyncURL:   m.LipsyncURL,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if len(m.ScriptIndices) > 0 {
		if err := json.Unmarshal(m.ScriptIndices, &c.ScriptIndices); err != nil {
			return Clip{}, fmt.Errorf("decode script indices: %w", err)
		}
	}
	return c, nil
}

func (s *PostgresStore) DebitCredits(ctx context.Context, userID string, amount int, jobID string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &InsufficientCreditsError{Required: amount}
			}
			return err
		}
		if row.Balance < amount {
			return &InsufficientCreditsError{Required: amount}
		}
		if err := tx.Model(&accountModel{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"balance": row.Balance - amount, "updated_at": now}).
			Error; err != nil {
			return err
		}
		return tx.Create(&creditTransactionModel{
			ID:        util.NewID(),
			UserID:    userID,
			Delta:     -amount,
			Reason:    ReasonJobDebit,
			JobID:     nullable(jobID),
			CreatedAt: now,
		}).Error
	})
}

func (s *PostgresStore) CreditCredits(ctx context.Context, userID string, amount int, reason string, jobID *string) error {
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := accountModel{UserID: userID, Balance: amount, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"balance":    gorm.Expr("accounts.balance + ?", amount),
				"updated_at": now,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&creditTransactionModel{
			ID:        util.NewID(),
			UserID:    userID,
			Delta:     amount,
			Reason:    reason,
			JobID:     jobID,
			CreatedAt: now,
		}).Error
	})
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int, error) {
	var row accountModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Balance, nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job with ID is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	row, err := jobModelFromEntity(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s already exists: %w", job.ID, err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job, err := row.toEntity()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	tx := s.db.WithContext(ctx).Model(&jobModel{}).Where("user_id = ?", filter.UserID)
	if filter.ActiveOnly {
		tx = tx.Where("status NOT IN ?", []string{string(StatusDone), string(StatusFailed)})
	}
	var rows []jobModel
	if err := tx.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		items = append(items, job)
	}
	return items, nil
}

func (s *PostgresStore) SetJobScript(ctx context.Context, id string, script []ScriptClip) error {
	b, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id).
		Updates(map[string]any{"script_json": b, "updated_at": s.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, id string, from []Status, to Status, errMsg *string) (bool, error) {
	updates := map[string]any{"status": string(to), "updated_at": s.now()}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}
	tx := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id)
	if len(from) > 0 {
		states := make([]string, 0, len(from))
		for _, st := range from {
			states = append(states, string(st))
		}
		tx = tx.Where("status IN ?", states)
	}
	result := tx.Updates(updates)
	return result.RowsAffected > 0, result.Error
}

func (s *PostgresStore) SetJobFinal(ctx context.Context, id string, finalURL string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status NOT IN ?", id, []string{string(StatusDone), string(StatusFailed)}).
		Updates(map[string]any{"status": string(StatusDone), "final_url": finalURL, "updated_at": s.now()})
	return result.RowsAffected > 0, result.Error
}

func (s *PostgresStore) DeleteJob(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&jobModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("job_id = ?", id).Delete(&clipModel{}).Error
	})
}

func (s *PostgresStore) InsertClips(ctx context.Context, clips []Clip) error {
	if len(clips) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]clipModel, 0, len(clips))
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
		rows = append(rows, clipModel{
			ID:            c.ID,
			JobID:         c.JobID,
			ClipIndex:     c.ClipIndex,
			ScriptIndices: idx,
			Provider:      c.Provider,
			Status:        string(c.Status),
			Prompt:        c.Prompt,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate clip index: %w", err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) firstClip(ctx context.Context, query string, arg any) (*Clip, error) {
	var row clipModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c, err := row.toEntity()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetClip(ctx context.Context, id string) (*Clip, error) {
	return s.firstClip(ctx, "id = ?", id)
}

func (s *PostgresStore) GetClipByTaskID(ctx context.Context, taskID string) (*Clip, error) {
	return s.firstClip(ctx, "task_id = ?", taskID)
}

func clipEntities(rows []clipModel) ([]Clip, error) {
	items := make([]Clip, 0, len(rows))
	for _, row := range rows {
		c, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, nil
}

func (s *PostgresStore) ListClips(ctx context.Context, jobID string) ([]Clip, error) {
	var rows []clipModel
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("clip_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return clipEntities(rows)
}

func (s *PostgresStore) ListInFlightClips(ctx context.Context, jobID, userID string) ([]Clip, error) {
	tx := s.db.WithContext(ctx).Model(&clipModel{}).
		Select("clips.*").
		Joins("JOIN jobs ON jobs.id = clips.job_id").
		Where("clips.status IN ?", []string{string(ClipSubmitted), string(ClipProcessing)}).
		Where("clips.task_id IS NOT NULL AND clips.task_id <> ''")
	if jobID != "" {
		tx = tx.Where("clips.job_id = ?", jobID)
	}
	if userID != "" {
		tx = tx.Where("jobs.user_id = ?", userID)
	}
	var rows []clipModel
	if err := tx.Order("clips.job_id ASC, clips.clip_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return clipEntities(rows)
}

func (s *PostgresStore) ListStaleSubmitted(ctx context.Context, cutoff time.Time) ([]Clip, error) {
	var rows []clipModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(ClipSubmitted)).
		Where("task_id IS NOT NULL AND task_id <> ''").
		Where("updated_at < ?", cutoff.UTC()).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return clipEntities(rows)
}

func (s *PostgresStore) MarkClipSubmitted(ctx context.Context, id string, f ClipFields) (bool, error) {
	result := s.db.WithContext(ctx).Model(&clipModel{}).
		Where("id = ? AND status = ?", id, string(ClipPending)).
		Updates(map[string]any{
			"status":        string(ClipSubmitted),
			"provider":      f.Provider,
			"task_id":       nullable(f.TaskID),
			"prompt":        f.Prompt,
			"error_message": nil,
			"updated_at":    s.now(),
		})
	return result.RowsAffected > 0, result.Error
}

func (s *PostgresStore) AdvanceClip(ctx context.Context, id string, status ClipStatus, f ClipFields) (bool, error) {
	updates := map[string]any{"status": string(status), "updated_at": s.now()}
	for _, col := range clipFieldColumns(f) {
		updates[col.name] = col.value
	}
	result := s.db.WithContext(ctx).Model(&clipModel{}).
		Where("id = ? AND status NOT IN ?", id, []string{string(ClipDone), string(ClipFailed)}).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

func (s *PostgresStore) ResetClipSubmitted(ctx context.Context, id string, f ClipFields) error {
	result := s.db.WithContext(ctx).Model(&clipModel{}).
		Where("id = ? AND status = ?", id, string(ClipFailed)).
		Updates(map[string]any{
			"status":        string(ClipSubmitted),
			"provider":      f.Provider,
			"task_id":       nullable(f.TaskID),
			"prompt":        f.Prompt,
			"video_url":     nil,
			"lipsync_url":   nil,
			"error_message": nil,
			"updated_at":    s.now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetClip(ctx, id); err != nil {
		return err
	}
	return ErrClipConflict
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
