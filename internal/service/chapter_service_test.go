package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fable-server/internal/mocks"
	"fable-server/internal/models"
	"fable-server/internal/service"
)

const (
	continuationJSON = `{"ct":"Глава продолжается.","sum":"резюме","ch":[{"txt":"Налево"},{"txt":"Направо"}]}`
	endingJSON       = `{"ct":"Всё закончилось.","sum":"финал","end":true,"ett":"tragic"}`
)

func newChapterRequest(audience models.AudienceTier, depth int) service.ChapterRequest {
	return service.ChapterRequest{
		Story: &models.Story{
			ID:       uuid.New(),
			Audience: audience,
		},
		BibleJSON:    `{"chars":[],"sp":"стиль"}`,
		ChosenBranch: "Налево",
		Depth:        depth,
	}
}

func TestChapterService_Generate_PacingBounds(t *testing.T) {
	ctx := context.Background()

	t.Run("Ending below minimum depth triggers one retry", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		// Первая попытка - преждевременная концовка, вторая - продолжение.
		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(endingJSON, service.UsageInfo{TotalTokens: 100}, nil).Once()
		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(continuationJSON, service.UsageInfo{TotalTokens: 120}, nil).Once()

		// Для child минимум 3 главы; глубина 2 ниже минимума.
		chapter, usage, err := svc.Generate(ctx, newChapterRequest(models.AudienceChild, 2))
		require.NoError(t, err)
		assert.False(t, chapter.IsEnding)
		assert.Equal(t, 220, usage.TotalTokens)
		mockAI.AssertExpectations(t)
	})

	t.Run("Persistent premature ending fails the node", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(endingJSON, service.UsageInfo{}, nil).Twice()

		_, _, err := svc.Generate(ctx, newChapterRequest(models.AudienceChild, 2))
		assert.ErrorIs(t, err, models.ErrGenerationFailed)
		mockAI.AssertExpectations(t)
	})

	t.Run("Ending at valid depth is accepted as is", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(endingJSON, service.UsageInfo{}, nil).Once()

		chapter, _, err := svc.Generate(ctx, newChapterRequest(models.AudienceChild, 4))
		require.NoError(t, err)
		assert.True(t, chapter.IsEnding)
		assert.Equal(t, models.EndingTragic, chapter.EndingType)
	})

	t.Run("Continuation at maximum depth is forced into an ending", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(continuationJSON, service.UsageInfo{}, nil).Once()

		// Для child максимум 6 глав.
		chapter, _, err := svc.Generate(ctx, newChapterRequest(models.AudienceChild, 6))
		require.NoError(t, err)
		assert.True(t, chapter.IsEnding)
		assert.Equal(t, models.DefaultEndingType, chapter.EndingType)
		assert.Empty(t, chapter.Choices)
	})

	t.Run("Continuation at the branch depth cap is forced into an ending", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(continuationJSON, service.UsageInfo{}, nil).Once()

		// Потолок ветки (5) ниже максимума аудитории child (6): узел на
		// потолке обязан стать концовкой, иначе лист остался бы без выборов.
		req := newChapterRequest(models.AudienceChild, 5)
		req.MaxDepth = 5
		chapter, _, err := svc.Generate(ctx, req)
		require.NoError(t, err)
		assert.True(t, chapter.IsEnding)
		assert.Equal(t, models.DefaultEndingType, chapter.EndingType)
		assert.Empty(t, chapter.Choices)
	})

	t.Run("Adult audience allows deeper continuations", func(t *testing.T) {
		mockAI := mocks.NewMockAIClient(t)
		svc := service.NewChapterService(mockAI, zap.NewNop())

		mockAI.On("GenerateText", mock.Anything, "chapter", mock.Anything, mock.Anything, mock.Anything).
			Return(continuationJSON, service.UsageInfo{}, nil).Once()

		// Глубина 7 для adult (максимум 10) - обычное продолжение.
		chapter, _, err := svc.Generate(ctx, newChapterRequest(models.AudienceAdult, 7))
		require.NoError(t, err)
		assert.False(t, chapter.IsEnding)
		require.Len(t, chapter.Choices, 2)
	})
}
