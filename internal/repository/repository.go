// Package repository содержит доступ к данным дерева историй.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fable-server/internal/models"
)

// DBTX абстрагирует pgxpool.Pool и pgx.Tx, чтобы репозитории
// одинаково работали внутри и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoryRepository управляет записями историй и их агрегатным состоянием.
type StoryRepository interface {
	Create(ctx context.Context, story *models.Story) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Story, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	SetTotalNodesPlanned(ctx context.Context, id uuid.UUID, total int) error
}

// StoryNodeRepository управляет узлами дерева и переходами между ними.
type StoryNodeRepository interface {
	Create(ctx context.Context, node *models.StoryNode) error
	// CreatePlaceholderWithChoice атомарно создает узел-заглушку и ведущий
	// к нему выбор из родительского узла.
	CreatePlaceholderWithChoice(ctx context.Context, node *models.StoryNode, choice *models.StoryChoice) error
	// Fill заполняет заглушку контентом и инкрементирует счетчик
	// сгенерированных узлов истории в одной транзакции.
	// Возвращает models.ErrAlreadyFilled, если узел уже заполнен.
	Fill(ctx context.Context, nodeID uuid.UUID, content, summary string, isEnding bool, endingType *models.EndingType) error
	MarkFailed(ctx context.Context, nodeID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.StoryNode, error)
	GetByKey(ctx context.Context, storyID uuid.UUID, nodeKey string) (*models.StoryNode, error)
	GetRoot(ctx context.Context, storyID uuid.UUID) (*models.StoryNode, error)
	// ListUnfilled возвращает незаполненные заглушки истории в порядке
	// обхода в ширину: по глубине, затем по порядку выбора родителя.
	ListUnfilled(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error)
	ListChoices(ctx context.Context, fromNodeID uuid.UUID) ([]*models.StoryChoice, error)
	// GetParentChoice возвращает выбор, ведущий к узлу, и родительский узел.
	// Для корня возвращает (nil, nil, models.ErrNotFound).
	GetParentChoice(ctx context.Context, toNodeID uuid.UUID) (*models.StoryChoice, *models.StoryNode, error)
	// PathToRoot возвращает цепочку узлов от корня до узла включительно.
	PathToRoot(ctx context.Context, nodeID uuid.UUID) ([]*models.StoryNode, error)
	UpdateMediaURL(ctx context.Context, nodeID uuid.UUID, kind models.MediaKind, url string) error
	CountGenerated(ctx context.Context, storyID uuid.UUID) (int, error)
}

// BibleRepository хранит библию согласованности истории.
type BibleRepository interface {
	Create(ctx context.Context, bible *models.ConsistencyBible) error
	GetByStoryID(ctx context.Context, storyID uuid.UUID) (*models.ConsistencyBible, error)
}

// QueueRepository управляет записями очереди фоновой генерации.
type QueueRepository interface {
	Enqueue(ctx context.Context, entry *models.GenerationQueueEntry) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.QueueStatus) error
	// RequeueStale переводит задачи, зависшие в in_progress дольше
	// maxAge, обратно в pending и возвращает их.
	RequeueStale(ctx context.Context, maxAge time.Duration) ([]*models.GenerationQueueEntry, error)
	GetPendingByStoryID(ctx context.Context, storyID uuid.UUID) (*models.GenerationQueueEntry, error)
}

// StoryLocker выдает эксклюзивную блокировку на расширение одной истории.
type StoryLocker interface {
	// Acquire возвращает models.ErrStoryLocked, если история уже
	// обрабатывается другим воркером.
	Acquire(ctx context.Context, storyID uuid.UUID) error
	Release(ctx context.Context, storyID uuid.UUID) error
}
