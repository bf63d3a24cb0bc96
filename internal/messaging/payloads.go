// Package messaging содержит обмен задачами расширения дерева через RabbitMQ.
package messaging

import "github.com/google/uuid"

// StoryExpansionTaskPayload - задача расширения дерева истории.
// Сообщение несет только идентификаторы: состояние дерева читается из БД
// в момент обработки, поэтому повторная доставка безопасна.
type StoryExpansionTaskPayload struct {
	TaskID       uuid.UUID `json:"task_id"`
	StoryID      uuid.UUID `json:"story_id"`
	UserID       uuid.UUID `json:"user_id"`
	QueueEntryID uuid.UUID `json:"queue_entry_id"`
}
