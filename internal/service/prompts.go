package service

import (
	"strconv"
	"strings"

	"fable-server/internal/models"
)

// Шаблоны системных промтов. Плейсхолдеры {{...}} заменяются перед отправкой.
const (
	biblePromptTemplate = `You are a story-bible architect for a branching interactive fiction engine.
Based on the premise below, produce the immutable "consistency bible" of the story:
the cast of characters, the setting, the narrative style and the catalogue of possible endings.
The bible is generated once and every later chapter must conform to it, so make every field concrete and reusable.

Target audience: {{AUDIENCE}}.
{{STYLE_LINE}}
Respond with a single JSON object, no prose around it:
{"chars":[{"n":"name","r":"role","ap":"fixed visual appearance","p":"personality","arc":"character arc"}],
"set":"setting description","as":"art style","sp":"style prefix used verbatim in image prompts",
"th":["theme"],"pe":["possible ending"],"cvp":{"name":"visual prompt used verbatim"}}

The bible must contain at least one character and a non-empty style prefix.`

	chapterPromptTemplate = `You are the narrative engine of a branching interactive story.
Write the next chapter strictly consistent with the story bible and the summaries of preceding chapters.

STORY BIBLE:
{{BIBLE}}

TARGET AUDIENCE: {{AUDIENCE}}
CHAPTERS SO FAR (root to current branch):
{{CONTEXT_CHAIN}}

THE READER CHOSE: {{CHOSEN_BRANCH}}

{{PACING_DIRECTIVE}}

Respond with a single JSON object, no prose around it.
For a continuation: {"ct":"chapter text","sum":"one-paragraph summary","ch":[{"txt":"choice text","hint":"consequence hint","pr":1}]}
A continuation must offer between {{MIN_CHOICES}} and {{MAX_CHOICES}} choices.
For an ending: {"ct":"chapter text","sum":"summary","end":true,"ett":"happy|tragic|bittersweet"}`

	moderationPromptTemplate = `You are a strict content safety reviewer for stories aimed at children.
Review the chapter below. Answer with exactly one word:
"appropriate" if the content is suitable for children, "inappropriate" otherwise.
Do not explain your answer.

CHAPTER:
{{CONTENT}}`

	// Директивы пейсинга, подставляемые в {{PACING_DIRECTIVE}}.
	pacingContinue = `This chapter MUST NOT be an ending. The story is still below its minimum depth; continue the narrative and offer choices.`
	pacingEnd      = `This chapter MUST be an ending. The story has reached its maximum depth; bring the current branch to a close.
Pick the ending type (happy, tragic or bittersweet) that best fits the accumulated narrative.`
	pacingFree = `You may either continue the story with choices or bring this branch to a natural ending, whichever serves the narrative better.`
)

// BuildBiblePrompt собирает системный промт генерации библии.
func BuildBiblePrompt(audience models.AudienceTier, comicStyle *string) string {
	prompt := strings.ReplaceAll(biblePromptTemplate, "{{AUDIENCE}}", string(audience))
	styleLine := ""
	if comicStyle != nil && *comicStyle != "" {
		styleLine = "Requested visual style: " + *comicStyle + "."
	}
	return strings.ReplaceAll(prompt, "{{STYLE_LINE}}", styleLine)
}

// PacingDirective выбирает директиву пейсинга по глубине узла и границам ветки.
func PacingDirective(depth, minDepth, maxDepth int) string {
	switch {
	case depth < minDepth:
		return pacingContinue
	case depth >= maxDepth:
		return pacingEnd
	default:
		return pacingFree
	}
}

// BuildChapterPrompt собирает системный промт генерации главы.
func BuildChapterPrompt(bibleJSON string, audience models.AudienceTier, contextChain []string, chosenBranch, pacingDirective string) string {
	prompt := chapterPromptTemplate
	prompt = strings.ReplaceAll(prompt, "{{BIBLE}}", bibleJSON)
	prompt = strings.ReplaceAll(prompt, "{{AUDIENCE}}", string(audience))
	prompt = strings.ReplaceAll(prompt, "{{CONTEXT_CHAIN}}", formatContextChain(contextChain))
	prompt = strings.ReplaceAll(prompt, "{{CHOSEN_BRANCH}}", chosenBranch)
	prompt = strings.ReplaceAll(prompt, "{{PACING_DIRECTIVE}}", pacingDirective)
	prompt = strings.ReplaceAll(prompt, "{{MIN_CHOICES}}", strconv.Itoa(models.MinChoicesPerNode))
	prompt = strings.ReplaceAll(prompt, "{{MAX_CHOICES}}", strconv.Itoa(models.MaxChoicesPerNode))
	return prompt
}

// BuildModerationPrompt собирает промт модерации детского контента.
func BuildModerationPrompt(content string) string {
	return strings.ReplaceAll(moderationPromptTemplate, "{{CONTENT}}", content)
}

func formatContextChain(chain []string) string {
	if len(chain) == 0 {
		return "(this is the first chapter)"
	}
	var b strings.Builder
	for i, summary := range chain {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(summary)
		if i < len(chain)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
