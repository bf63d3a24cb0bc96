package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EndingType определяет тональность концовки.
type EndingType string

const (
	EndingHappy       EndingType = "happy"
	EndingTragic      EndingType = "tragic"
	EndingBittersweet EndingType = "bittersweet"

	// DefaultEndingType используется, когда генератор принудительно завершает
	// главу на максимальной глубине, а сам тип концовки не вернул.
	DefaultEndingType EndingType = "bittersweet"
)

// Ограничения ветвления: каждый незавершающий узел имеет 2-3 исходящих выбора.
const (
	MinChoicesPerNode = 2
	MaxChoicesPerNode = 3
)

// StoryNode представляет одну главу (узел дерева) истории.
// Узел создается как плейсхолдер (пустой content, is_placeholder=true) вместе
// с выбором, который на него указывает, и позже заполняется на месте.
type StoryNode struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	StoryID          uuid.UUID   `json:"story_id" db:"story_id"`
	NodeKey          string      `json:"node_key" db:"node_key"` // Стабильный ключ, уникальный в рамках истории
	Content          string      `json:"content" db:"content"`
	Summary          string      `json:"summary,omitempty" db:"summary"` // Краткое резюме главы для цепочки контекста
	Depth            int         `json:"depth" db:"depth"`
	IsPlaceholder    bool        `json:"is_placeholder" db:"is_placeholder"`
	IsEnding         bool        `json:"is_ending" db:"is_ending"`
	EndingType       *EndingType `json:"ending_type,omitempty" db:"ending_type"`
	GenerationFailed bool        `json:"generation_failed" db:"generation_failed"`
	ImageURL         *string     `json:"image_url,omitempty" db:"image_url"`
	AudioURL         *string     `json:"audio_url,omitempty" db:"audio_url"`
	VideoURL         *string     `json:"video_url,omitempty" db:"video_url"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// MediaKind различает виды медиа-вложений узла.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// RootNodeKey - ключ корневого узла каждой истории.
const RootNodeKey = "root"

// NewNodeKey генерирует устойчивый к коллизиям ключ плейсхолдера.
// Глубина и порядок выбора включены для читаемости, uuid-суффикс - для уникальности.
func NewNodeKey(depth, choiceOrder int) string {
	return fmt.Sprintf("d%d-c%d-%s", depth, choiceOrder, uuid.NewString()[:8])
}

// StoryChoice представляет ребро дерева: выбор, ведущий из одного узла в другой.
// ToNodeID всегда указывает на плейсхолдер в момент создания.
type StoryChoice struct {
	ID              uuid.UUID `json:"id" db:"id"`
	StoryID         uuid.UUID `json:"story_id" db:"story_id"`
	FromNodeID      uuid.UUID `json:"from_node_id" db:"from_node_id"`
	ToNodeID        uuid.UUID `json:"to_node_id" db:"to_node_id"`
	Text            string    `json:"text" db:"choice_text"`
	ConsequenceHint string    `json:"consequence_hint,omitempty" db:"consequence_hint"`
	ChoiceOrder     int       `json:"choice_order" db:"choice_order"`
	Priority        int       `json:"priority" db:"priority"` // Подсказка приоритета ветки при ограниченном бюджете
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
