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

var _ StoryNodeRepository = (*pgStoryNodeRepository)(nil)

// txBeginner выделяет способность начать транзакцию. pgxpool.Pool ее
// предоставляет; DBTX внутри уже открытой транзакции - нет.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgStoryNodeRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgStoryNodeRepository(db DBTX, logger *zap.Logger) StoryNodeRepository {
	return &pgStoryNodeRepository{
		db:     db,
		logger: logger.Named("PgStoryNodeRepo"),
	}
}

const createNodeQuery = `
INSERT INTO story_nodes (id, story_id, node_key, content, summary, depth, is_placeholder, is_ending, ending_type, generation_failed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const createChoiceQuery = `
INSERT INTO story_choices (id, story_id, from_node_id, to_node_id, choice_text, consequence_hint, choice_order, priority, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const fillNodeQuery = `
UPDATE story_nodes
SET content = $2, summary = $3, is_ending = $4, ending_type = $5, is_placeholder = FALSE, generation_failed = FALSE, updated_at = NOW()
WHERE id = $1 AND is_placeholder = TRUE
RETURNING story_id`

const incrementGeneratedQuery = `
UPDATE stories SET nodes_generated = nodes_generated + 1, updated_at = NOW()
WHERE id = $1`

const markNodeFailedQuery = `
UPDATE story_nodes SET generation_failed = TRUE, updated_at = NOW()
WHERE id = $1 AND is_placeholder = TRUE`

const nodeColumns = `id, story_id, node_key, content, summary, depth, is_placeholder, is_ending, ending_type, generation_failed, image_url, audio_url, video_url, created_at, updated_at`

const getNodeByIDQuery = `
SELECT ` + nodeColumns + ` FROM story_nodes WHERE id = $1`

const getNodeByKeyQuery = `
SELECT ` + nodeColumns + ` FROM story_nodes WHERE story_id = $1 AND node_key = $2`

// Плейсхолдеры отдаются в порядке обхода в ширину; порядок выборов
// родителя делает обход детерминированным при равной глубине.
const listUnfilledQuery = `
SELECT n.id, n.story_id, n.node_key, n.content, n.summary, n.depth, n.is_placeholder, n.is_ending, n.ending_type, n.generation_failed, n.image_url, n.audio_url, n.video_url, n.created_at, n.updated_at
FROM story_nodes n
LEFT JOIN story_choices c ON c.to_node_id = n.id
WHERE n.story_id = $1 AND n.is_placeholder = TRUE
ORDER BY n.depth ASC, COALESCE(c.choice_order, 0) ASC, n.created_at ASC`

const listChoicesQuery = `
SELECT id, story_id, from_node_id, to_node_id, choice_text, consequence_hint, choice_order, priority, created_at
FROM story_choices
WHERE from_node_id = $1
ORDER BY choice_order ASC`

const getParentChoiceQuery = `
SELECT id, story_id, from_node_id, to_node_id, choice_text, consequence_hint, choice_order, priority, created_at
FROM story_choices
WHERE to_node_id = $1`

const pathToRootQuery = `
WITH RECURSIVE path AS (
    SELECT n.id, n.story_id, n.node_key, n.content, n.summary, n.depth, n.is_placeholder, n.is_ending, n.ending_type, n.generation_failed, n.image_url, n.audio_url, n.video_url, n.created_at, n.updated_at
    FROM story_nodes n
    WHERE n.id = $1
    UNION ALL
    SELECT p.id, p.story_id, p.node_key, p.content, p.summary, p.depth, p.is_placeholder, p.is_ending, p.ending_type, p.generation_failed, p.image_url, p.audio_url, p.video_url, p.created_at, p.updated_at
    FROM story_nodes p
    JOIN story_choices c ON c.from_node_id = p.id
    JOIN path ON c.to_node_id = path.id
)
SELECT * FROM path ORDER BY depth ASC`

const countGeneratedQuery = `
SELECT COUNT(*) FROM story_nodes
WHERE story_id = $1 AND is_placeholder = FALSE`

// Create inserts a node directly (used for the root chapter, which is born filled).
func (r *pgStoryNodeRepository) Create(ctx context.Context, node *models.StoryNode) error {
	prepareNode(node)
	_, err := r.db.Exec(ctx, createNodeQuery,
		node.ID, node.StoryID, node.NodeKey, node.Content, node.Summary,
		node.Depth, node.IsPlaceholder, node.IsEnding, node.EndingType,
		node.GenerationFailed, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create story node", zap.Error(err), zap.String("storyID", node.StoryID.String()), zap.String("nodeKey", node.NodeKey))
		return fmt.Errorf("ошибка создания узла: %w", err)
	}
	r.logger.Debug("Story node created", zap.String("nodeID", node.ID.String()), zap.Int("depth", node.Depth))
	return nil
}

// CreatePlaceholderWithChoice atomically inserts a placeholder node and the
// choice edge pointing at it. A choice must never dangle without a target.
func (r *pgStoryNodeRepository) CreatePlaceholderWithChoice(ctx context.Context, node *models.StoryNode, choice *models.StoryChoice) error {
	beginner, ok := r.db.(txBeginner)
	if !ok {
		return fmt.Errorf("внутренняя ошибка: невозможно начать транзакцию (неверный тип DBTX)")
	}
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	node.IsPlaceholder = true
	prepareNode(node)
	if _, err := tx.Exec(ctx, createNodeQuery,
		node.ID, node.StoryID, node.NodeKey, node.Content, node.Summary,
		node.Depth, node.IsPlaceholder, node.IsEnding, node.EndingType,
		node.GenerationFailed, node.CreatedAt, node.UpdatedAt,
	); err != nil {
		r.logger.Error("Failed to create placeholder node", zap.Error(err), zap.String("storyID", node.StoryID.String()))
		return fmt.Errorf("ошибка создания плейсхолдера: %w", err)
	}

	if choice.ID == uuid.Nil {
		choice.ID = uuid.New()
	}
	if choice.CreatedAt.IsZero() {
		choice.CreatedAt = time.Now()
	}
	choice.ToNodeID = node.ID
	if _, err := tx.Exec(ctx, createChoiceQuery,
		choice.ID, choice.StoryID, choice.FromNodeID, choice.ToNodeID,
		choice.Text, choice.ConsequenceHint, choice.ChoiceOrder, choice.Priority, choice.CreatedAt,
	); err != nil {
		r.logger.Error("Failed to create choice", zap.Error(err), zap.String("fromNodeID", choice.FromNodeID.String()))
		return fmt.Errorf("ошибка создания выбора: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	r.logger.Debug("Placeholder with choice created",
		zap.String("nodeID", node.ID.String()),
		zap.String("nodeKey", node.NodeKey),
		zap.Int("choiceOrder", choice.ChoiceOrder))
	return nil
}

// Fill writes generated content into a placeholder and bumps the story's
// generated-node counter in the same transaction. Filling a node that is no
// longer a placeholder returns models.ErrAlreadyFilled.
func (r *pgStoryNodeRepository) Fill(ctx context.Context, nodeID uuid.UUID, content, summary string, isEnding bool, endingType *models.EndingType) error {
	beginner, ok := r.db.(txBeginner)
	if !ok {
		return fmt.Errorf("внутренняя ошибка: невозможно начать транзакцию (неверный тип DBTX)")
	}
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var storyID uuid.UUID
	err = tx.QueryRow(ctx, fillNodeQuery, nodeID, content, summary, isEnding, endingType).Scan(&storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Узел либо не существует, либо уже заполнен - различаем.
			var exists bool
			if checkErr := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM story_nodes WHERE id = $1)`, nodeID).Scan(&exists); checkErr != nil {
				return fmt.Errorf("ошибка проверки узла %s: %w", nodeID, checkErr)
			}
			if exists {
				r.logger.Warn("Attempt to fill an already filled node", zap.String("nodeID", nodeID.String()))
				return models.ErrAlreadyFilled
			}
			return models.ErrNodeNotFound
		}
		r.logger.Error("Failed to fill node", zap.Error(err), zap.String("nodeID", nodeID.String()))
		return fmt.Errorf("ошибка заполнения узла %s: %w", nodeID, err)
	}

	if _, err := tx.Exec(ctx, incrementGeneratedQuery, storyID); err != nil {
		r.logger.Error("Failed to increment generated counter", zap.Error(err), zap.String("storyID", storyID.String()))
		return fmt.Errorf("ошибка инкремента счетчика узлов: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	r.logger.Info("Story node filled", zap.String("nodeID", nodeID.String()), zap.Bool("isEnding", isEnding))
	return nil
}

// MarkFailed flags a placeholder whose generation exhausted its retries.
// The node stays a placeholder so a later pass can retry it.
func (r *pgStoryNodeRepository) MarkFailed(ctx context.Context, nodeID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, markNodeFailedQuery, nodeID)
	if err != nil {
		r.logger.Error("Failed to mark node as failed", zap.Error(err), zap.String("nodeID", nodeID.String()))
		return fmt.Errorf("ошибка пометки узла %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNodeNotFound
	}
	r.logger.Warn("Story node marked as failed", zap.String("nodeID", nodeID.String()))
	return nil
}

func (r *pgStoryNodeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StoryNode, error) {
	var node models.StoryNode
	err := pgxscan.Get(ctx, r.db, &node, getNodeByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNodeNotFound
		}
		r.logger.Error("Failed to get node by ID", zap.Error(err), zap.String("nodeID", id.String()))
		return nil, fmt.Errorf("ошибка получения узла %s: %w", id, err)
	}
	return &node, nil
}

func (r *pgStoryNodeRepository) GetByKey(ctx context.Context, storyID uuid.UUID, nodeKey string) (*models.StoryNode, error) {
	var node models.StoryNode
	err := pgxscan.Get(ctx, r.db, &node, getNodeByKeyQuery, storyID, nodeKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNodeNotFound
		}
		r.logger.Error("Failed to get node by key", zap.Error(err), zap.String("storyID", storyID.String()), zap.String("nodeKey", nodeKey))
		return nil, fmt.Errorf("ошибка получения узла %s: %w", nodeKey, err)
	}
	return &node, nil
}

func (r *pgStoryNodeRepository) GetRoot(ctx context.Context, storyID uuid.UUID) (*models.StoryNode, error) {
	return r.GetByKey(ctx, storyID, models.RootNodeKey)
}

func (r *pgStoryNodeRepository) ListUnfilled(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error) {
	var nodes []*models.StoryNode
	if err := pgxscan.Select(ctx, r.db, &nodes, listUnfilledQuery, storyID); err != nil {
		r.logger.Error("Failed to list unfilled nodes", zap.Error(err), zap.String("storyID", storyID.String()))
		return nil, fmt.Errorf("ошибка получения плейсхолдеров истории %s: %w", storyID, err)
	}
	return nodes, nil
}

func (r *pgStoryNodeRepository) ListChoices(ctx context.Context, fromNodeID uuid.UUID) ([]*models.StoryChoice, error) {
	var choices []*models.StoryChoice
	if err := pgxscan.Select(ctx, r.db, &choices, listChoicesQuery, fromNodeID); err != nil {
		r.logger.Error("Failed to list choices", zap.Error(err), zap.String("fromNodeID", fromNodeID.String()))
		return nil, fmt.Errorf("ошибка получения выборов узла %s: %w", fromNodeID, err)
	}
	return choices, nil
}

// GetParentChoice returns the choice leading to the node and its source node.
// The root node has no parent choice and yields models.ErrNotFound.
func (r *pgStoryNodeRepository) GetParentChoice(ctx context.Context, toNodeID uuid.UUID) (*models.StoryChoice, *models.StoryNode, error) {
	var choice models.StoryChoice
	err := pgxscan.Get(ctx, r.db, &choice, getParentChoiceQuery, toNodeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get parent choice", zap.Error(err), zap.String("toNodeID", toNodeID.String()))
		return nil, nil, fmt.Errorf("ошибка получения родительского выбора узла %s: %w", toNodeID, err)
	}

	parent, err := r.GetByID(ctx, choice.FromNodeID)
	if err != nil {
		return nil, nil, err
	}
	return &choice, parent, nil
}

func (r *pgStoryNodeRepository) PathToRoot(ctx context.Context, nodeID uuid.UUID) ([]*models.StoryNode, error) {
	var nodes []*models.StoryNode
	if err := pgxscan.Select(ctx, r.db, &nodes, pathToRootQuery, nodeID); err != nil {
		r.logger.Error("Failed to get path to root", zap.Error(err), zap.String("nodeID", nodeID.String()))
		return nil, fmt.Errorf("ошибка получения пути до корня для узла %s: %w", nodeID, err)
	}
	if len(nodes) == 0 {
		return nil, models.ErrNodeNotFound
	}
	return nodes, nil
}

// UpdateMediaURL writes a media URL only if the slot is still empty.
// The first successful generation wins; repeat attempts are no-ops.
func (r *pgStoryNodeRepository) UpdateMediaURL(ctx context.Context, nodeID uuid.UUID, kind models.MediaKind, url string) error {
	var column string
	switch kind {
	case models.MediaImage:
		column = "image_url"
	case models.MediaAudio:
		column = "audio_url"
	case models.MediaVideo:
		column = "video_url"
	default:
		return fmt.Errorf("неизвестный тип медиа: %s", kind)
	}

	query := fmt.Sprintf(`UPDATE story_nodes SET %s = $2, updated_at = NOW() WHERE id = $1 AND %s IS NULL`, column, column)
	tag, err := r.db.Exec(ctx, query, nodeID, url)
	if err != nil {
		r.logger.Error("Failed to update media URL", zap.Error(err), zap.String("nodeID", nodeID.String()), zap.String("kind", string(kind)))
		return fmt.Errorf("ошибка обновления медиа узла %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("Media URL already set, skipping", zap.String("nodeID", nodeID.String()), zap.String("kind", string(kind)))
	}
	return nil
}

func (r *pgStoryNodeRepository) CountGenerated(ctx context.Context, storyID uuid.UUID) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, countGeneratedQuery, storyID).Scan(&count); err != nil {
		r.logger.Error("Failed to count generated nodes", zap.Error(err), zap.String("storyID", storyID.String()))
		return 0, fmt.Errorf("ошибка подсчета узлов истории %s: %w", storyID, err)
	}
	return count, nil
}

func prepareNode(node *models.StoryNode) {
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
}
