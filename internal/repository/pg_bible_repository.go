package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"fable-server/internal/models"
)

var _ BibleRepository = (*pgBibleRepository)(nil)

type pgBibleRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgBibleRepository(db DBTX, logger *zap.Logger) BibleRepository {
	return &pgBibleRepository{
		db:     db,
		logger: logger.Named("PgBibleRepo"),
	}
}

const createBibleQuery = `
INSERT INTO consistency_bibles (id, story_id, content, created_at)
VALUES ($1, $2, $3, $4)`

const getBibleByStoryIDQuery = `
SELECT id, story_id, content, created_at
FROM consistency_bibles
WHERE story_id = $1`

// Create inserts a consistency bible. One bible per story; the unique
// constraint on story_id rejects a second insert.
func (r *pgBibleRepository) Create(ctx context.Context, bible *models.ConsistencyBible) error {
	if bible.ID == uuid.Nil {
		bible.ID = uuid.New()
	}
	if bible.CreatedAt.IsZero() {
		bible.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(ctx, createBibleQuery, bible.ID, bible.StoryID, bible.Content, bible.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create bible", zap.Error(err), zap.String("storyID", bible.StoryID.String()))
		return fmt.Errorf("ошибка создания библии: %w", err)
	}
	r.logger.Info("Consistency bible created", zap.String("storyID", bible.StoryID.String()))
	return nil
}

func (r *pgBibleRepository) GetByStoryID(ctx context.Context, storyID uuid.UUID) (*models.ConsistencyBible, error) {
	var bible models.ConsistencyBible
	err := pgxscan.Get(ctx, r.db, &bible, getBibleByStoryIDQuery, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get bible", zap.Error(err), zap.String("storyID", storyID.String()))
		return nil, fmt.Errorf("ошибка получения библии истории %s: %w", storyID, err)
	}
	return &bible, nil
}
