package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/messaging"
	"fable-server/internal/models"
	"fable-server/internal/repository"
	"fable-server/internal/schemas"
)

// CreateStoryRequest - входные данные создания истории.
type CreateStoryRequest struct {
	Premise      string              `json:"premise" binding:"required"`
	Audience     models.AudienceTier `json:"audience" binding:"required"`
	StoryContext string              `json:"story_context"`
	ComicStyle   *string             `json:"comic_style"`
	IsPremium    bool                `json:"is_premium"`
}

// NodeView - узел вместе с исходящими выборами, отдаваемый клиенту.
type NodeView struct {
	Node    *models.StoryNode     `json:"node"`
	Choices []*models.StoryChoice `json:"choices"`
}

// StoryService - фасад операций над историями для HTTP-слоя.
// Создание истории синхронно генерирует библию и корневую главу;
// остальное дерево достраивает фоновый воркер.
type StoryService interface {
	CreateStory(ctx context.Context, userID uuid.UUID, req CreateStoryRequest) (*models.Story, error)
	GetGenerationStatus(ctx context.Context, userID, storyID uuid.UUID) (*models.GenerationStatusInfo, error)
	GetNode(ctx context.Context, userID, storyID uuid.UUID, nodeKey string) (*NodeView, error)
	// Shutdown дожидается фоновых медиа-задач, запущенных при создании историй.
	Shutdown()
}

type storyService struct {
	storyRepo      repository.StoryRepository
	nodeRepo       repository.StoryNodeRepository
	bibleRepo      repository.BibleRepository
	queueRepo      repository.QueueRepository
	bibleService   BibleService
	chapterService ChapterService
	mediaService   MediaService
	publisher      messaging.TaskPublisher
	logger         *zap.Logger

	mediaWG sync.WaitGroup
}

func NewStoryService(
	storyRepo repository.StoryRepository,
	nodeRepo repository.StoryNodeRepository,
	bibleRepo repository.BibleRepository,
	queueRepo repository.QueueRepository,
	bibleService BibleService,
	chapterService ChapterService,
	mediaService MediaService,
	publisher messaging.TaskPublisher,
	logger *zap.Logger,
) StoryService {
	return &storyService{
		storyRepo:      storyRepo,
		nodeRepo:       nodeRepo,
		bibleRepo:      bibleRepo,
		queueRepo:      queueRepo,
		bibleService:   bibleService,
		chapterService: chapterService,
		mediaService:   mediaService,
		publisher:      publisher,
		logger:         logger.Named("StoryService"),
	}
}

// CreateStory выполняет синхронную часть пайплайна: библия, корневая глава и
// плейсхолдеры первой волны создаются до ответа клиенту, чтобы читатель сразу
// получил начало истории. Задача на достройку дерева уходит воркеру.
func (s *storyService) CreateStory(ctx context.Context, userID uuid.UUID, req CreateStoryRequest) (*models.Story, error) {
	if strings.TrimSpace(req.Premise) == "" {
		return nil, fmt.Errorf("%w: premise обязателен", models.ErrInvalidInput)
	}
	if !models.IsValidAudienceTier(req.Audience) {
		return nil, fmt.Errorf("%w: недопустимая аудитория '%s'", models.ErrInvalidInput, req.Audience)
	}

	story := &models.Story{
		ID:           uuid.New(),
		UserID:       userID,
		Premise:      req.Premise,
		Audience:     req.Audience,
		StoryContext: req.StoryContext,
		ComicStyle:   req.ComicStyle,
		IsPremium:    req.IsPremium,
		Status:       models.StatusPending,
	}

	bible, _, err := s.bibleService.Generate(ctx, story)
	if err != nil {
		return nil, err
	}

	rootChapter, _, err := s.chapterService.Generate(ctx, ChapterRequest{
		Story:        story,
		BibleJSON:    string(bible.Content),
		ContextChain: nil,
		ChosenBranch: "(story beginning)",
		Depth:        1,
	})
	if err != nil {
		return nil, err
	}

	story.NodesGenerated = 1
	if err := s.storyRepo.Create(ctx, story); err != nil {
		return nil, err
	}
	if err := s.bibleRepo.Create(ctx, bible); err != nil {
		return nil, err
	}

	rootNode := &models.StoryNode{
		ID:            uuid.New(),
		StoryID:       story.ID,
		NodeKey:       models.RootNodeKey,
		Content:       rootChapter.Content,
		Summary:       rootChapter.Summary,
		Depth:         1,
		IsPlaceholder: false,
		IsEnding:      rootChapter.IsEnding,
	}
	if rootChapter.IsEnding {
		et := rootChapter.EndingType
		rootNode.EndingType = &et
	}
	if err := s.nodeRepo.Create(ctx, rootNode); err != nil {
		return nil, err
	}

	if err := SpawnChildPlaceholders(ctx, s.nodeRepo, story.ID, rootNode, rootChapter.Choices); err != nil {
		return nil, err
	}

	entry := &models.GenerationQueueEntry{
		StoryID: story.ID,
		UserID:  userID,
	}
	if err := s.queueRepo.Enqueue(ctx, entry); err != nil {
		return nil, err
	}

	if err := s.publisher.PublishExpansionTask(ctx, messaging.StoryExpansionTaskPayload{
		TaskID:       uuid.New(),
		StoryID:      story.ID,
		UserID:       userID,
		QueueEntryID: entry.ID,
	}); err != nil {
		// Запись очереди уже в БД: возврат зависших задач при старте воркера
		// переопубликует ее, поэтому создание истории не откатываем.
		s.logger.Error("Failed to publish expansion task, relying on startup recovery",
			zap.Error(err), zap.String("storyID", story.ID.String()))
	}

	s.mediaWG.Add(1)
	go func() {
		defer s.mediaWG.Done()
		s.generateRootMedia(story, rootNode, bible)
	}()

	s.logger.Info("Story created",
		zap.String("storyID", story.ID.String()),
		zap.String("userID", userID.String()),
		zap.Int("firstWaveChoices", len(rootChapter.Choices)))
	return story, nil
}

// Shutdown блокируется, пока не завершатся медиа-горутины созданных историй.
// Вызывается при остановке процесса, чтобы не бросать начатую генерацию.
func (s *storyService) Shutdown() {
	s.mediaWG.Wait()
}

// generateRootMedia запускает медиа-генерацию корня вне запроса клиента.
func (s *storyService) generateRootMedia(story *models.Story, node *models.StoryNode, bible *models.ConsistencyBible) {
	ctx := context.Background()
	stylePrefix := ""
	if content, err := bible.Parse(); err == nil {
		stylePrefix = content.StylePrefix
	}
	s.mediaService.GenerateForNode(ctx, story, node, stylePrefix)
}

func (s *storyService) GetGenerationStatus(ctx context.Context, userID, storyID uuid.UUID) (*models.GenerationStatusInfo, error) {
	story, err := s.storyRepo.GetByIDForUser(ctx, storyID, userID)
	if err != nil {
		return nil, err
	}
	return &models.GenerationStatusInfo{
		Status:            story.Status,
		Progress:          story.Progress,
		NodesGenerated:    story.NodesGenerated,
		TotalNodesPlanned: story.TotalNodesPlanned,
	}, nil
}

func (s *storyService) GetNode(ctx context.Context, userID, storyID uuid.UUID, nodeKey string) (*NodeView, error) {
	if _, err := s.storyRepo.GetByIDForUser(ctx, storyID, userID); err != nil {
		return nil, err
	}

	node, err := s.nodeRepo.GetByKey(ctx, storyID, nodeKey)
	if err != nil {
		return nil, err
	}
	choices, err := s.nodeRepo.ListChoices(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	return &NodeView{Node: node, Choices: choices}, nil
}

// SpawnChildPlaceholders создает плейсхолдеры детей в порядке выборов главы.
// Уникальный индекс (from_node_id, choice_order) делает повторный вызов для
// уже обработанного узла безопасным: дубликаты отклонит БД.
func SpawnChildPlaceholders(ctx context.Context, nodeRepo repository.StoryNodeRepository, storyID uuid.UUID, parent *models.StoryNode, choices []schemas.ChapterChoice) error {
	for i, choice := range choices {
		childDepth := parent.Depth + 1
		child := &models.StoryNode{
			StoryID:       storyID,
			NodeKey:       models.NewNodeKey(childDepth, i),
			Depth:         childDepth,
			IsPlaceholder: true,
		}
		edge := &models.StoryChoice{
			StoryID:         storyID,
			FromNodeID:      parent.ID,
			Text:            choice.Text,
			ConsequenceHint: choice.Hint,
			ChoiceOrder:     i,
			Priority:        choice.Priority,
		}
		if err := nodeRepo.CreatePlaceholderWithChoice(ctx, child, edge); err != nil {
			return fmt.Errorf("создание плейсхолдера %d для узла %s: %w", i, parent.NodeKey, err)
		}
	}
	return nil
}

// IsUserFacingError сообщает, можно ли показать ошибку клиенту как 4xx.
func IsUserFacingError(err error) bool {
	return errors.Is(err, models.ErrInvalidInput) ||
		errors.Is(err, models.ErrStoryNotFound) ||
		errors.Is(err, models.ErrNodeNotFound)
}
