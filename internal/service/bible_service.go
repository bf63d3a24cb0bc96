package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"fable-server/internal/models"
	"fable-server/internal/schemas"
)

// BibleService генерирует библию согласованности истории.
// Библия создается ровно один раз, до корневой главы, и далее неизменна.
type BibleService interface {
	Generate(ctx context.Context, story *models.Story) (*models.ConsistencyBible, UsageInfo, error)
}

type bibleService struct {
	aiClient AIClient
	logger   *zap.Logger
}

func NewBibleService(aiClient AIClient, logger *zap.Logger) BibleService {
	return &bibleService{
		aiClient: aiClient,
		logger:   logger.Named("BibleService"),
	}
}

func (s *bibleService) Generate(ctx context.Context, story *models.Story) (*models.ConsistencyBible, UsageInfo, error) {
	systemPrompt := BuildBiblePrompt(story.Audience, story.ComicStyle)
	userInput := story.Premise
	if story.StoryContext != "" {
		userInput += "\n\nAdditional context: " + story.StoryContext
	}

	temp := 0.8
	raw, usage, err := s.aiClient.GenerateText(ctx, "bible", systemPrompt, userInput, GenerationParams{
		Temperature: &temp,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("генерация библии: %w", err)
	}

	content, err := schemas.ParseBible(raw)
	if err != nil {
		s.logger.Error("Bible response failed validation", zap.Error(err), zap.String("storyID", story.ID.String()))
		return nil, usage, err
	}

	data, err := json.Marshal(content)
	if err != nil {
		return nil, usage, fmt.Errorf("сериализация библии: %w", err)
	}

	s.logger.Info("Consistency bible generated",
		zap.String("storyID", story.ID.String()),
		zap.Int("characters", len(content.Characters)),
		zap.Int("totalTokens", usage.TotalTokens))

	return &models.ConsistencyBible{
		StoryID: story.ID,
		Content: data,
	}, usage, nil
}
