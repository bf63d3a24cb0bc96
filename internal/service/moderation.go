package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fable-server/internal/models"
)

// ModerationService проверяет главы детских историй на безопасность контента.
// Применяется только к аудитории child; прочие аудитории модерацию не проходят.
type ModerationService interface {
	// Applies сообщает, подлежит ли история модерации.
	Applies(story *models.Story) bool
	// Review возвращает false, если контент отклонен.
	// Ошибка самой проверки трактуется как одобрение (fail-open):
	// недоступность модерации не должна останавливать генерацию.
	Review(ctx context.Context, content string) bool
}

type moderationService struct {
	aiClient AIClient
	logger   *zap.Logger
}

func NewModerationService(aiClient AIClient, logger *zap.Logger) ModerationService {
	return &moderationService{
		aiClient: aiClient,
		logger:   logger.Named("ModerationService"),
	}
}

func (s *moderationService) Applies(story *models.Story) bool {
	return story.Audience == models.AudienceChild
}

func (s *moderationService) Review(ctx context.Context, content string) bool {
	prompt := BuildModerationPrompt(content)

	temp := 0.0
	maxTokens := 8
	raw, _, err := s.aiClient.GenerateText(ctx, "moderation", prompt, "", GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		s.logger.Warn("Moderation check failed, accepting content (fail-open)", zap.Error(err))
		return true
	}

	verdict := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"`))
	switch {
	// "inappropriate" проверяется первым: "appropriate" - его суффикс, не префикс.
	case strings.HasPrefix(verdict, "inappropriate"):
		s.logger.Warn("Content rejected by moderation")
		return false
	case strings.HasPrefix(verdict, "appropriate"):
		return true
	default:
		// Модель нарушила однословный контракт ответа - считаем одобрением.
		s.logger.Warn("Moderation returned unexpected verdict, accepting content (fail-open)", zap.String("verdict", verdict))
		return true
	}
}
