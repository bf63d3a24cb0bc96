package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fable-server/internal/messaging"
	"fable-server/internal/mocks"
	"fable-server/internal/models"
	"fable-server/internal/schemas"
	"fable-server/internal/service"
)

type storyServiceFixture struct {
	storyRepo *mocks.MockStoryRepository
	nodeRepo  *mocks.MockStoryNodeRepository
	bibleRepo *mocks.MockBibleRepository
	queueRepo *mocks.MockQueueRepository
	bibles    *mocks.MockBibleService
	chapters  *mocks.MockChapterService
	media     *mocks.MockMediaService
	publisher *mocks.MockTaskPublisher
	svc       service.StoryService
}

func newStoryServiceFixture(t *testing.T) *storyServiceFixture {
	t.Helper()
	f := &storyServiceFixture{
		storyRepo: mocks.NewMockStoryRepository(t),
		nodeRepo:  mocks.NewMockStoryNodeRepository(t),
		bibleRepo: mocks.NewMockBibleRepository(t),
		queueRepo: mocks.NewMockQueueRepository(t),
		bibles:    mocks.NewMockBibleService(t),
		chapters:  mocks.NewMockChapterService(t),
		media:     mocks.NewMockMediaService(t),
		publisher: mocks.NewMockTaskPublisher(t),
	}
	f.svc = service.NewStoryService(
		f.storyRepo, f.nodeRepo, f.bibleRepo, f.queueRepo,
		f.bibles, f.chapters, f.media, f.publisher, zap.NewNop(),
	)
	return f
}

func validCreateRequest() service.CreateStoryRequest {
	return service.CreateStoryRequest{
		Premise:  "Девочка находит говорящий компас.",
		Audience: models.AudienceChild,
	}
}

func rootBible() *models.ConsistencyBible {
	return &models.ConsistencyBible{
		ID:      uuid.New(),
		Content: json.RawMessage(`{"chars":[{"n":"Мира","r":"герой","ap":"рыжая"}],"set":"город","sp":"акварель"}`),
	}
}

func rootChapter() *schemas.Chapter {
	return &schemas.Chapter{
		Content: "Компас ожил на рассвете.",
		Summary: "Мира находит компас.",
		Choices: []schemas.ChapterChoice{{Text: "Следовать за стрелкой"}, {Text: "Спрятать компас"}},
	}
}

func TestStoryService_CreateStory(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Validation failures", func(t *testing.T) {
		f := newStoryServiceFixture(t)

		_, err := f.svc.CreateStory(ctx, userID, service.CreateStoryRequest{Premise: "  ", Audience: models.AudienceChild})
		assert.ErrorIs(t, err, models.ErrInvalidInput)

		_, err = f.svc.CreateStory(ctx, userID, service.CreateStoryRequest{Premise: "текст", Audience: "toddler"})
		assert.ErrorIs(t, err, models.ErrInvalidInput)

		f.bibles.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("Successful creation wires the whole pipeline", func(t *testing.T) {
		f := newStoryServiceFixture(t)

		f.bibles.On("Generate", mock.Anything, mock.AnythingOfType("*models.Story")).
			Return(rootBible(), service.UsageInfo{}, nil).Once()
		f.chapters.On("Generate", mock.Anything, mock.MatchedBy(func(req service.ChapterRequest) bool {
			return req.Depth == 1 && req.ChosenBranch == "(story beginning)"
		})).Return(rootChapter(), service.UsageInfo{}, nil).Once()

		f.storyRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Story")).
			Return(nil).Once().Run(func(args mock.Arguments) {
			story := args.Get(1).(*models.Story)
			assert.Equal(t, models.StatusPending, story.Status)
			assert.Equal(t, 1, story.NodesGenerated)
		})
		f.bibleRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.ConsistencyBible")).Return(nil).Once()

		f.nodeRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.StoryNode")).
			Return(nil).Once().Run(func(args mock.Arguments) {
			root := args.Get(1).(*models.StoryNode)
			assert.Equal(t, models.RootNodeKey, root.NodeKey)
			assert.Equal(t, 1, root.Depth)
			assert.False(t, root.IsPlaceholder)
			assert.Equal(t, "Компас ожил на рассвете.", root.Content)
		})
		f.nodeRepo.On("CreatePlaceholderWithChoice", mock.Anything,
			mock.AnythingOfType("*models.StoryNode"), mock.AnythingOfType("*models.StoryChoice")).
			Return(nil).Twice()

		f.queueRepo.On("Enqueue", mock.Anything, mock.AnythingOfType("*models.GenerationQueueEntry")).Return(nil).Once()
		f.publisher.On("PublishExpansionTask", mock.Anything, mock.AnythingOfType("messaging.StoryExpansionTaskPayload")).
			Return(nil).Once().Run(func(args mock.Arguments) {
			payload := args.Get(1).(messaging.StoryExpansionTaskPayload)
			assert.Equal(t, userID, payload.UserID)
			assert.NotEqual(t, uuid.Nil, payload.TaskID)
		})

		// Медиа корня генерируется в фоновой горутине с префиксом стиля из библии.
		f.media.On("GenerateForNode", mock.Anything, mock.AnythingOfType("*models.Story"),
			mock.AnythingOfType("*models.StoryNode"), "акварель").Return().Once()

		story, err := f.svc.CreateStory(ctx, userID, validCreateRequest())
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, story.Status)

		// Shutdown дожидается медиа-горутины, после чего вызов обязан быть учтен.
		f.svc.Shutdown()

		f.nodeRepo.AssertExpectations(t)
		f.queueRepo.AssertExpectations(t)
		f.publisher.AssertExpectations(t)
		f.media.AssertExpectations(t)
	})

	t.Run("Publish failure does not fail creation", func(t *testing.T) {
		f := newStoryServiceFixture(t)

		f.bibles.On("Generate", mock.Anything, mock.Anything).Return(rootBible(), service.UsageInfo{}, nil).Once()
		f.chapters.On("Generate", mock.Anything, mock.Anything).Return(rootChapter(), service.UsageInfo{}, nil).Once()
		f.storyRepo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		f.bibleRepo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		f.nodeRepo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		f.nodeRepo.On("CreatePlaceholderWithChoice", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
		f.queueRepo.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()

		// Запись очереди уже в БД, переопубликация произойдет при старте воркера.
		f.publisher.On("PublishExpansionTask", mock.Anything, mock.Anything).
			Return(errors.New("rabbitmq down")).Once()
		f.media.On("GenerateForNode", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return().Once()

		story, err := f.svc.CreateStory(ctx, userID, validCreateRequest())
		require.NoError(t, err)
		assert.NotNil(t, story)
		f.svc.Shutdown()
	})

	t.Run("Bible generation failure aborts creation", func(t *testing.T) {
		f := newStoryServiceFixture(t)

		f.bibles.On("Generate", mock.Anything, mock.Anything).
			Return(nil, service.UsageInfo{}, service.ErrAIGenerationFailed).Once()

		_, err := f.svc.CreateStory(ctx, userID, validCreateRequest())
		assert.ErrorIs(t, err, service.ErrAIGenerationFailed)
		f.storyRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestStoryService_GetGenerationStatus(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Returns progress snapshot", func(t *testing.T) {
		f := newStoryServiceFixture(t)
		story := &models.Story{
			ID:                uuid.New(),
			UserID:            userID,
			Status:            models.StatusGeneratingFullStory,
			Progress:          60,
			NodesGenerated:    6,
			TotalNodesPlanned: 10,
		}
		f.storyRepo.On("GetByIDForUser", mock.Anything, story.ID, userID).Return(story, nil).Once()

		info, err := f.svc.GetGenerationStatus(ctx, userID, story.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusGeneratingFullStory, info.Status)
		assert.Equal(t, 60, info.Progress)
		assert.Equal(t, 6, info.NodesGenerated)
	})

	t.Run("Unknown story propagates not found", func(t *testing.T) {
		f := newStoryServiceFixture(t)
		storyID := uuid.New()
		f.storyRepo.On("GetByIDForUser", mock.Anything, storyID, userID).
			Return(nil, models.ErrStoryNotFound).Once()

		_, err := f.svc.GetGenerationStatus(ctx, userID, storyID)
		assert.ErrorIs(t, err, models.ErrStoryNotFound)
	})
}

func TestStoryService_GetNode(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("Returns node with its choices", func(t *testing.T) {
		f := newStoryServiceFixture(t)
		story := &models.Story{ID: uuid.New(), UserID: userID}
		node := &models.StoryNode{ID: uuid.New(), StoryID: story.ID, NodeKey: models.RootNodeKey}
		choices := []*models.StoryChoice{
			{ID: uuid.New(), FromNodeID: node.ID, Text: "Налево", ChoiceOrder: 0},
			{ID: uuid.New(), FromNodeID: node.ID, Text: "Направо", ChoiceOrder: 1},
		}

		f.storyRepo.On("GetByIDForUser", mock.Anything, story.ID, userID).Return(story, nil).Once()
		f.nodeRepo.On("GetByKey", mock.Anything, story.ID, models.RootNodeKey).Return(node, nil).Once()
		f.nodeRepo.On("ListChoices", mock.Anything, node.ID).Return(choices, nil).Once()

		view, err := f.svc.GetNode(ctx, userID, story.ID, models.RootNodeKey)
		require.NoError(t, err)
		assert.Equal(t, node, view.Node)
		require.Len(t, view.Choices, 2)
	})

	t.Run("Missing node propagates not found", func(t *testing.T) {
		f := newStoryServiceFixture(t)
		story := &models.Story{ID: uuid.New(), UserID: userID}

		f.storyRepo.On("GetByIDForUser", mock.Anything, story.ID, userID).Return(story, nil).Once()
		f.nodeRepo.On("GetByKey", mock.Anything, story.ID, "d2-c0-deadbeef").
			Return(nil, models.ErrNodeNotFound).Once()

		_, err := f.svc.GetNode(ctx, userID, story.ID, "d2-c0-deadbeef")
		assert.ErrorIs(t, err, models.ErrNodeNotFound)
	})
}
