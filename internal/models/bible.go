package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConsistencyBible представляет "библию" истории: неизменяемый набор
// персонажей, сеттинга и стиля, прикладываемый к каждому запросу генерации.
// Создается один раз до первого узла; мутация после создания запрещена,
// иначе ломается согласованность между главами.
type ConsistencyBible struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	StoryID   uuid.UUID       `json:"story_id" db:"story_id"`
	Content   json.RawMessage `json:"content" db:"content"` // Сериализованный BibleContent (JSONB)
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Parse десериализует Content в BibleContent.
func (b *ConsistencyBible) Parse() (*BibleContent, error) {
	var content BibleContent
	if err := json.Unmarshal(b.Content, &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// BibleCharacter описывает одного персонажа истории.
// Uses specific json tags for compact storage, matching the generation prompt format.
type BibleCharacter struct {
	Name        string `json:"n"`            // name
	Role        string `json:"r"`            // role
	Appearance  string `json:"ap"`           // fixed visual appearance description
	Personality string `json:"p,omitempty"`  // personality
	Arc         string `json:"arc,omitempty"`
}

// BibleContent defines the expected structure of the JSON stored in ConsistencyBible.Content.
type BibleContent struct {
	Characters       []BibleCharacter  `json:"chars"`
	Setting          string            `json:"set"`
	ArtStyle         string            `json:"as,omitempty"`
	StylePrefix      string            `json:"sp"`            // Префикс стиля, используется дословно в промптах изображений
	Themes           []string          `json:"th,omitempty"`  // Нарративные темы
	PossibleEndings  []string          `json:"pe,omitempty"`  // Каталог возможных концовок
	CharacterPrompts map[string]string `json:"cvp,omitempty"` // name -> визуальный промпт, используется дословно
}

// Validate проверяет минимальные требования к библии: хотя бы один персонаж
// и непустой префикс стиля. Библия без них отклоняется до создания корневого узла.
func (b *BibleContent) Validate() error {
	if len(b.Characters) == 0 {
		return ErrInvalidBible
	}
	if b.StylePrefix == "" {
		return ErrInvalidBible
	}
	return nil
}
