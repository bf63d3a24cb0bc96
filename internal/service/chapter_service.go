package service

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"fable-server/internal/models"
	"fable-server/internal/schemas"
)

// Бюджет prompt-токенов на цепочку резюме предыдущих глав. Старые резюме
// отбрасываются первыми: ближний контекст важнее дальнего.
const contextChainTokenBudget = 2000

// ChapterRequest описывает один запрос генерации главы.
type ChapterRequest struct {
	Story        *models.Story
	BibleJSON    string
	ContextChain []string // Резюме глав от корня до родителя
	ChosenBranch string   // Текст выбора, приведшего к этой главе (+ подсказка последствий)
	Depth        int
	MaxDepth     int // Потолок глубины ветки; 0 - действуют только границы аудитории
}

// pacingBounds возвращает границы пейсинга ветки: границы аудитории,
// ужатые потолком глубины, если вызывающая сторона его задала. Узел на
// потолке обязан стать концовкой, иначе ветка обрывается без выборов.
func (r ChapterRequest) pacingBounds() (minDepth, maxDepth int) {
	minDepth, maxDepth = models.PacingBounds(r.Story.Audience)
	if r.MaxDepth > 0 && r.MaxDepth < maxDepth {
		maxDepth = r.MaxDepth
	}
	return minDepth, maxDepth
}

// ChapterService генерирует главы, соблюдая границы пейсинга аудитории.
type ChapterService interface {
	Generate(ctx context.Context, req ChapterRequest) (*schemas.Chapter, UsageInfo, error)
}

type chapterService struct {
	aiClient AIClient
	logger   *zap.Logger
}

func NewChapterService(aiClient AIClient, logger *zap.Logger) ChapterService {
	return &chapterService{
		aiClient: aiClient,
		logger:   logger.Named("ChapterService"),
	}
}

// Generate выполняет один запрос генерации и применяет границы пейсинга:
//   - глубина ниже минимума: концовка от модели не принимается; одна
//     повторная попытка, затем отказ (узел уйдет в поузловое восстановление);
//   - глубина на максимуме или выше: незавершающая глава принудительно
//     конвертируется в концовку с типом по умолчанию.
func (s *chapterService) Generate(ctx context.Context, req ChapterRequest) (*schemas.Chapter, UsageInfo, error) {
	minDepth, maxDepth := req.pacingBounds()
	totalUsage := UsageInfo{}

	chapter, usage, err := s.generateOnce(ctx, req)
	accumulate(&totalUsage, usage)
	if err != nil {
		return nil, totalUsage, err
	}

	if chapter.IsEnding && req.Depth < minDepth {
		s.logger.Warn("Model returned an ending below minimum depth, retrying with forced continuation",
			zap.String("storyID", req.Story.ID.String()),
			zap.Int("depth", req.Depth),
			zap.Int("minDepth", minDepth))

		chapter, usage, err = s.generateOnce(ctx, req)
		accumulate(&totalUsage, usage)
		if err != nil {
			return nil, totalUsage, err
		}
		if chapter.IsEnding {
			return nil, totalUsage, fmt.Errorf("%w: модель настаивает на концовке на глубине %d (минимум %d)",
				models.ErrGenerationFailed, req.Depth, minDepth)
		}
	}

	if !chapter.IsEnding && req.Depth >= maxDepth {
		s.logger.Warn("Model returned a continuation at maximum depth, forcing ending",
			zap.String("storyID", req.Story.ID.String()),
			zap.Int("depth", req.Depth),
			zap.Int("maxDepth", maxDepth))
		chapter.IsEnding = true
		chapter.EndingType = models.DefaultEndingType
		chapter.Choices = nil
	}

	return chapter, totalUsage, nil
}

func (s *chapterService) generateOnce(ctx context.Context, req ChapterRequest) (*schemas.Chapter, UsageInfo, error) {
	chain := trimContextChain(req.ContextChain, contextChainTokenBudget)
	minDepth, maxDepth := req.pacingBounds()
	pacing := PacingDirective(req.Depth, minDepth, maxDepth)
	systemPrompt := BuildChapterPrompt(req.BibleJSON, req.Story.Audience, chain, req.ChosenBranch, pacing)

	temp := 0.9
	maxTokens := models.TokenBudget(req.Story.Audience)
	raw, usage, err := s.aiClient.GenerateText(ctx, "chapter", systemPrompt, "", GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("генерация главы: %w", err)
	}

	chapter, err := schemas.ParseChapter(raw)
	if err != nil {
		s.logger.Error("Chapter response failed parsing", zap.Error(err), zap.String("storyID", req.Story.ID.String()))
		return nil, usage, err
	}
	return chapter, usage, nil
}

// trimContextChain отбрасывает старейшие резюме, пока цепочка не уложится
// в бюджет токенов. Если токенизатор недоступен, цепочка не усекается.
func trimContextChain(chain []string, budget int) []string {
	if len(chain) == 0 {
		return chain
	}
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return chain
	}

	total := 0
	counts := make([]int, len(chain))
	for i, summary := range chain {
		counts[i] = len(tke.Encode(summary, nil, nil))
		total += counts[i]
	}

	start := 0
	for total > budget && start < len(chain)-1 {
		total -= counts[start]
		start++
	}
	return chain[start:]
}

func accumulate(total *UsageInfo, usage UsageInfo) {
	total.PromptTokens += usage.PromptTokens
	total.CompletionTokens += usage.CompletionTokens
	total.TotalTokens += usage.TotalTokens
	total.EstimatedCostUSD += usage.EstimatedCostUSD
}
