package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus определяет статус записи очереди генерации.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// GenerationQueueEntry - запись очереди расширения дерева.
// Существует только как сигнал воркеру, что история нуждается в расширении;
// на одну историю допускается не более одной активной записи.
type GenerationQueueEntry struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	StoryID   uuid.UUID   `json:"story_id" db:"story_id"`
	UserID    uuid.UUID   `json:"user_id" db:"user_id"`
	Status    QueueStatus `json:"status" db:"status"`
	Priority  int         `json:"priority" db:"priority"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}
