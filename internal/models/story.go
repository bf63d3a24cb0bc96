package models

import (
	"time"

	"github.com/google/uuid"
)

// AudienceTier определяет возрастную аудиторию истории.
type AudienceTier string

const (
	AudienceChild      AudienceTier = "child"
	AudienceYoungAdult AudienceTier = "young_adult"
	AudienceAdult      AudienceTier = "adult"
)

// IsValidAudienceTier проверяет, является ли строка допустимым AudienceTier.
func IsValidAudienceTier(t AudienceTier) bool {
	switch t {
	case AudienceChild, AudienceYoungAdult, AudienceAdult:
		return true
	default:
		return false
	}
}

// StoryStatus определяет возможные статусы генерации истории.
type StoryStatus string

const (
	StatusPending              StoryStatus = "pending"               // Очередь создана, воркер еще не взял историю
	StatusGeneratingBackground StoryStatus = "generating_background" // Генерируется первая волна глав (depth 1)
	StatusGeneratingFullStory  StoryStatus = "generating_full_story" // Генерируются глубокие уровни дерева
	StatusFullyGenerated       StoryStatus = "fully_generated"       // Дерево полностью сгенерировано
	StatusGenerationFailed     StoryStatus = "generation_failed"     // Критическая ошибка, генерация прервана
)

// IsTerminal сообщает, достигла ли история конечного статуса генерации.
func (s StoryStatus) IsTerminal() bool {
	return s == StatusFullyGenerated || s == StatusGenerationFailed
}

// Story представляет историю в базе данных.
type Story struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	UserID            uuid.UUID    `json:"user_id" db:"user_id"` // ID автора истории
	Premise           string       `json:"premise" db:"premise"`
	Audience          AudienceTier `json:"audience" db:"audience"`
	StoryContext      string       `json:"story_context,omitempty" db:"story_context"` // Краткое описание, затравка для генерации
	ComicStyle        *string      `json:"comic_style,omitempty" db:"comic_style"`     // Указатель, так как может быть NULL
	IsPremium         bool         `json:"is_premium" db:"is_premium"`                 // Премиум-тир: включает генерацию видео
	Status            StoryStatus  `json:"generation_status" db:"status"`
	Progress          int          `json:"generation_progress" db:"progress"` // 0-100
	NodesGenerated    int          `json:"nodes_generated" db:"nodes_generated"`
	TotalNodesPlanned int          `json:"total_nodes_planned" db:"total_nodes_planned"`
	ErrorDetails      *string      `json:"error_details,omitempty" db:"error_details"` // Детали критической ошибки генерации
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// PacingBounds возвращает минимальное и максимальное число глав для аудитории.
// Узлы глубже maxChapters принудительно завершаются (см. ChapterService).
func PacingBounds(tier AudienceTier) (minChapters, maxChapters int) {
	switch tier {
	case AudienceChild:
		return 3, 6
	case AudienceYoungAdult:
		return 4, 8
	default: // AudienceAdult
		return 5, 10
	}
}

// TokenBudget возвращает лимит completion-токенов для аудитории.
func TokenBudget(tier AudienceTier) int {
	switch tier {
	case AudienceChild:
		return 900
	case AudienceYoungAdult:
		return 1400
	default:
		return 2000
	}
}

// GenerationStatusInfo - снимок статуса генерации для поллинга клиентом.
type GenerationStatusInfo struct {
	Status            StoryStatus `json:"status"`
	Progress          int         `json:"progress"`
	NodesGenerated    int         `json:"nodes_generated"`
	TotalNodesPlanned int         `json:"total_nodes_planned"`
}
