// Package schemas изолирует разбор свободного текста AI-ответов.
// Остальной пайплайн никогда не работает с сырым текстом: сюда входит
// строка от генератора, отсюда выходит провалидированная структура или ErrParse.
package schemas

import (
	"encoding/json"
	"fmt"
	"strings"

	"fable-server/internal/models"
)

// ExtractJSONObject извлекает первый JSON-объект верхнего уровня из текста.
// Модель может обернуть объект в произвольную прозу ("Вот ваша глава: {...}"),
// поэтому ищем первую '{' и соответствующую ей '}' с учетом строк и экранирования.
func ExtractJSONObject(raw string) (json.RawMessage, error) {
	jsonStart := strings.Index(raw, "{")
	if jsonStart == -1 {
		return nil, fmt.Errorf("%w: no JSON object in response", models.ErrParse)
	}

	candidate := raw[jsonStart:]
	braceLevel := 0
	inString := false
	escaped := false
	for i, r := range candidate {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				braceLevel++
			}
		case '}':
			if !inString {
				braceLevel--
				if braceLevel == 0 {
					obj := json.RawMessage(candidate[:i+1])
					if !json.Valid(obj) {
						return nil, fmt.Errorf("%w: extracted object is not valid JSON", models.ErrParse)
					}
					return obj, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: unbalanced braces in response", models.ErrParse)
}

// ChapterChoice - один вариант выбора, предложенный генератором.
type ChapterChoice struct {
	Text     string `json:"txt"`
	Hint     string `json:"hint,omitempty"` // consequence hint
	Priority int    `json:"pr,omitempty"`   // подсказка приоритета ветки
}

// Chapter - провалидированный результат генерации главы.
// Размеченное объединение двух вариантов: продолжение (Choices, IsEnding=false)
// либо концовка (EndingType, IsEnding=true). Ничего третьего из парсера не выходит.
type Chapter struct {
	Content    string
	Summary    string
	IsEnding   bool
	EndingType models.EndingType // осмысленно только при IsEnding
	Choices    []ChapterChoice   // осмысленно только при !IsEnding; всегда 2-3 элемента
}

// chapterPayload - сырая форма JSON ответа генератора глав.
type chapterPayload struct {
	Content    string          `json:"ct"`
	Summary    string          `json:"sum,omitempty"`
	IsEnding   bool            `json:"end,omitempty"`
	EndingType string          `json:"ett,omitempty"`
	Choices    []ChapterChoice `json:"ch,omitempty"`
}

// ParseChapter разбирает ответ генератора глав и приводит его к Chapter.
// Незавершающая глава с < 2 выборами - ErrInsufficientChoices, а не молчаливое
// принятие: дерево не должно получать тупиковые незавершающие узлы.
func ParseChapter(raw string) (*Chapter, error) {
	data, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var payload chapterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	if strings.TrimSpace(payload.Content) == "" {
		return nil, fmt.Errorf("%w: chapter content is empty", models.ErrParse)
	}

	chapter := &Chapter{
		Content:  payload.Content,
		Summary:  payload.Summary,
		IsEnding: payload.IsEnding,
	}
	if chapter.Summary == "" {
		chapter.Summary = summarize(payload.Content)
	}

	if payload.IsEnding {
		chapter.EndingType = normalizeEndingType(payload.EndingType)
		return chapter, nil
	}

	choices := sanitizeChoices(payload.Choices)
	if len(choices) < models.MinChoicesPerNode {
		return nil, fmt.Errorf("%w: got %d", models.ErrInsufficientChoices, len(choices))
	}
	if len(choices) > models.MaxChoicesPerNode {
		choices = choices[:models.MaxChoicesPerNode]
	}
	chapter.Choices = choices
	return chapter, nil
}

// ParseBible разбирает ответ генератора библии и валидирует минимальные требования.
func ParseBible(raw string) (*models.BibleContent, error) {
	data, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var content models.BibleContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}
	return &content, nil
}

func sanitizeChoices(choices []ChapterChoice) []ChapterChoice {
	result := make([]ChapterChoice, 0, len(choices))
	for _, c := range choices {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		result = append(result, c)
	}
	return result
}

func normalizeEndingType(raw string) models.EndingType {
	switch models.EndingType(strings.ToLower(strings.TrimSpace(raw))) {
	case models.EndingHappy:
		return models.EndingHappy
	case models.EndingTragic:
		return models.EndingTragic
	case models.EndingBittersweet:
		return models.EndingBittersweet
	default:
		return models.DefaultEndingType
	}
}

// summarize возвращает усеченный контент как запасное резюме главы,
// если модель не вернула поле "sum".
func summarize(content string) string {
	const maxLen = 280
	content = strings.TrimSpace(content)
	if len(content) <= maxLen {
		return content
	}
	cut := content[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
