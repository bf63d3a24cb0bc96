package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable-server/internal/config"
	"fable-server/internal/messaging"
	"fable-server/internal/models"
	"fable-server/internal/repository"
	"fable-server/internal/schemas"
	"fable-server/internal/service"
)

// ExpansionHandler обрабатывает задачи расширения дерева истории.
// Одна задача - одно полное расширение: обход всех плейсхолдеров в ширину,
// пока дерево не будет достроено либо все оставшиеся узлы не откажут.
type ExpansionHandler struct {
	cfg               *config.Config
	storyRepo         repository.StoryRepository
	nodeRepo          repository.StoryNodeRepository
	bibleRepo         repository.BibleRepository
	queueRepo         repository.QueueRepository
	locker            repository.StoryLocker
	chapterService    service.ChapterService
	moderationService service.ModerationService
	mediaService      service.MediaService
}

func NewExpansionHandler(
	cfg *config.Config,
	storyRepo repository.StoryRepository,
	nodeRepo repository.StoryNodeRepository,
	bibleRepo repository.BibleRepository,
	queueRepo repository.QueueRepository,
	locker repository.StoryLocker,
	chapterService service.ChapterService,
	moderationService service.ModerationService,
	mediaService service.MediaService,
) *ExpansionHandler {
	return &ExpansionHandler{
		cfg:               cfg,
		storyRepo:         storyRepo,
		nodeRepo:          nodeRepo,
		bibleRepo:         bibleRepo,
		queueRepo:         queueRepo,
		locker:            locker,
		chapterService:    chapterService,
		moderationService: moderationService,
		mediaService:      mediaService,
	}
}

// Handle обрабатывает одну задачу расширения.
// Возврат ошибки означает инфраструктурный сбой: сообщение уйдет в nack
// и будет доставлено повторно. Ошибки генерации отдельных узлов
// обрабатываются на месте и наружу не выходят.
func (h *ExpansionHandler) Handle(ctx context.Context, payload messaging.StoryExpansionTaskPayload) (err error) {
	metricsIncrementTasksReceived()
	taskStartTime := time.Now()
	log.Printf("[TaskID: %s] Обработка задачи расширения: StoryID=%s, UserID=%s",
		payload.TaskID, payload.StoryID, payload.UserID)

	defer func() {
		duration := time.Since(taskStartTime)
		status := "success"
		if err != nil {
			status = "failed"
		}
		pushMetrics()
		log.Printf("[TaskID: %s] Завершение обработки задачи. Статус: %s. Общее время: %v.", payload.TaskID, status, duration)
	}()

	// Эксклюзивная блокировка истории: параллельное расширение одного
	// дерева двумя воркерами порождает гонки заполнения.
	if lockErr := h.locker.Acquire(ctx, payload.StoryID); lockErr != nil {
		if errors.Is(lockErr, models.ErrStoryLocked) {
			log.Printf("[TaskID: %s] История %s уже обрабатывается другим воркером, пропуск.", payload.TaskID, payload.StoryID)
			return nil
		}
		metricsIncrementTaskFailed("lock_error")
		return fmt.Errorf("блокировка истории: %w", lockErr)
	}
	defer func() {
		if releaseErr := h.locker.Release(context.Background(), payload.StoryID); releaseErr != nil {
			log.Printf("[TaskID: %s] Не удалось снять блокировку истории: %v", payload.TaskID, releaseErr)
		}
	}()

	story, err := h.storyRepo.GetByID(ctx, payload.StoryID)
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) {
			log.Printf("[TaskID: %s] История %s не найдена, задача отбрасывается.", payload.TaskID, payload.StoryID)
			metricsIncrementTaskFailed("story_not_found")
			return nil
		}
		metricsIncrementTaskFailed("db_error")
		return err
	}
	if story.Status.IsTerminal() {
		log.Printf("[TaskID: %s] История %s уже в терминальном статусе '%s', задача отбрасывается.",
			payload.TaskID, story.ID, story.Status)
		h.finishQueueEntry(ctx, payload.QueueEntryID, models.QueueDone)
		return nil
	}

	if qErr := h.queueRepo.SetStatus(ctx, payload.QueueEntryID, models.QueueInProgress); qErr != nil && !errors.Is(qErr, models.ErrNotFound) {
		metricsIncrementTaskFailed("db_error")
		return qErr
	}

	bible, err := h.bibleRepo.GetByStoryID(ctx, story.ID)
	if err != nil {
		// Библия создается до корня; ее отсутствие - неустранимое повреждение данных.
		details := "библия согласованности отсутствует"
		_ = h.storyRepo.UpdateStatus(ctx, story.ID, models.StatusGenerationFailed, &details)
		h.finishQueueEntry(ctx, payload.QueueEntryID, models.QueueFailed)
		metricsIncrementTaskFailed("bible_missing")
		return nil
	}
	stylePrefix := ""
	if content, parseErr := bible.Parse(); parseErr == nil {
		stylePrefix = content.StylePrefix
	}

	if story.Status == models.StatusPending {
		if err := h.storyRepo.UpdateStatus(ctx, story.ID, models.StatusGeneratingBackground, nil); err != nil {
			metricsIncrementTaskFailed("db_error")
			return err
		}
		story.Status = models.StatusGeneratingBackground
	}

	if story.TotalNodesPlanned == 0 {
		planned := EstimatePlannedNodes(story.Audience, h.cfg.MaxExpansionDepth, models.MinChoicesPerNode)
		if err := h.storyRepo.SetTotalNodesPlanned(ctx, story.ID, planned); err != nil {
			metricsIncrementTaskFailed("db_error")
			return err
		}
		story.TotalNodesPlanned = planned
	}

	maxDepth := h.effectiveMaxDepth(story.Audience)

	var mediaWG sync.WaitGroup
	defer mediaWG.Wait()

	filled := 0
	failed := 0

	// Обход в ширину: каждый проход заполняет текущие плейсхолдеры,
	// заполнение незавершающих узлов порождает новые. Повторяем, пока
	// остаются обрабатываемые плейсхолдеры.
	for {
		if ctx.Err() != nil {
			metricsIncrementTaskFailed("cancelled")
			return ctx.Err()
		}

		placeholders, listErr := h.nodeRepo.ListUnfilled(ctx, story.ID)
		if listErr != nil {
			metricsIncrementTaskFailed("db_error")
			return listErr
		}

		processed := 0
		for _, node := range placeholders {
			if ctx.Err() != nil {
				metricsIncrementTaskFailed("cancelled")
				return ctx.Err()
			}
			// Узлы глубже лимита и узлы с исчерпанными попытками остаются
			// плейсхолдерами и в этом проходе не обрабатываются.
			if node.Depth > maxDepth || node.GenerationFailed {
				continue
			}

			// Переход к глубоким уровням: первая волна закончилась.
			if story.Status == models.StatusGeneratingBackground && node.Depth > 2 {
				if err := h.storyRepo.UpdateStatus(ctx, story.ID, models.StatusGeneratingFullStory, nil); err != nil {
					metricsIncrementTaskFailed("db_error")
					return err
				}
				story.Status = models.StatusGeneratingFullStory
			}

			outcome, nodeErr := h.expandNode(ctx, story, bible, node, maxDepth, stylePrefix, &mediaWG)
			if nodeErr != nil {
				metricsIncrementTaskFailed("db_error")
				return nodeErr
			}
			processed++
			switch outcome {
			case nodeFilled:
				filled++
			case nodeFailed:
				failed++
			}

			h.updateProgress(ctx, story)
		}

		if processed == 0 {
			break
		}
	}

	return h.finalize(ctx, story, payload, filled, failed, &mediaWG)
}

type nodeOutcome int

const (
	nodeFilled nodeOutcome = iota
	nodeFailed
	nodeSkipped
)

// expandNode заполняет один плейсхолдер: контекст, генерация с ретраями,
// модерация, запись, порождение детей и медиа. Ошибка в возврате - только
// инфраструктурная; отказ генерации выражается исходом nodeFailed.
func (h *ExpansionHandler) expandNode(
	ctx context.Context,
	story *models.Story,
	bible *models.ConsistencyBible,
	node *models.StoryNode,
	maxDepth int,
	stylePrefix string,
	mediaWG *sync.WaitGroup,
) (nodeOutcome, error) {
	chosenBranch := "(story beginning)"
	var contextChain []string

	choice, parent, err := h.nodeRepo.GetParentChoice(ctx, node.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nodeSkipped, err
	}
	if choice != nil {
		chosenBranch = choice.Text
		if choice.ConsequenceHint != "" {
			chosenBranch += " (" + choice.ConsequenceHint + ")"
		}
		path, pathErr := h.nodeRepo.PathToRoot(ctx, parent.ID)
		if pathErr != nil {
			return nodeSkipped, pathErr
		}
		for _, ancestor := range path {
			contextChain = append(contextChain, ancestor.Summary)
		}
	}

	// Потолок глубины передается генератору: узел на потолке обязан стать
	// концовкой, иначе заполненный узел остался бы без исходящих выборов.
	req := service.ChapterRequest{
		Story:        story,
		BibleJSON:    string(bible.Content),
		ContextChain: contextChain,
		ChosenBranch: chosenBranch,
		Depth:        node.Depth,
		MaxDepth:     maxDepth,
	}

	chapter, rejected := h.generateModerated(ctx, story, req)
	if chapter == nil {
		reason := "generation_error"
		if rejected {
			reason = "moderation"
		}
		metricsIncrementNodeRejected(reason)
		log.Printf("[StoryID: %s] Узел %s не сгенерирован (причина: %s), помечен как отказавший.",
			story.ID, node.NodeKey, reason)
		if markErr := h.nodeRepo.MarkFailed(ctx, node.ID); markErr != nil {
			return nodeSkipped, markErr
		}
		return nodeFailed, nil
	}

	var endingType *models.EndingType
	if chapter.IsEnding {
		et := chapter.EndingType
		endingType = &et
	}
	if err := h.nodeRepo.Fill(ctx, node.ID, chapter.Content, chapter.Summary, chapter.IsEnding, endingType); err != nil {
		if errors.Is(err, models.ErrAlreadyFilled) {
			// Узел заполнен конкурентно (например, повторной доставкой) - не трогаем.
			log.Printf("[StoryID: %s] Узел %s уже заполнен, пропуск.", story.ID, node.NodeKey)
			return nodeSkipped, nil
		}
		return nodeSkipped, err
	}
	metricsIncrementNodeGenerated()

	if !chapter.IsEnding && node.Depth < maxDepth {
		if err := service.SpawnChildPlaceholders(ctx, h.nodeRepo, story.ID, node, chapter.Choices); err != nil {
			return nodeSkipped, err
		}
	}

	filledNode := *node
	filledNode.Content = chapter.Content
	filledNode.Summary = chapter.Summary
	mediaWG.Add(1)
	go func() {
		defer mediaWG.Done()
		h.mediaService.GenerateForNode(context.Background(), story, &filledNode, stylePrefix)
	}()

	return nodeFilled, nil
}

// generateModerated генерирует главу с ретраями AI и прогоняет результат
// через модерацию детского контента. Отклоненная глава перегенерируется
// ограниченное число раз; возвращает (nil, true) при исчерпании попыток
// модерации и (nil, false) при отказе генерации.
func (h *ExpansionHandler) generateModerated(ctx context.Context, story *models.Story, req service.ChapterRequest) (chapter *schemas.Chapter, rejected bool) {
	moderationAttempts := h.cfg.ModerationMaxRetries + 1
	for attempt := 1; attempt <= moderationAttempts; attempt++ {
		generated, err := h.generateWithRetries(ctx, story, req)
		if err != nil {
			return nil, false
		}

		if !h.moderationService.Applies(story) {
			return generated, false
		}
		if h.moderationService.Review(ctx, generated.Content) {
			return generated, false
		}
		log.Printf("[StoryID: %s] Глава отклонена модерацией (попытка %d/%d), перегенерация...",
			story.ID, attempt, moderationAttempts)
	}
	return nil, true
}

// generateWithRetries вызывает генерацию главы с экспоненциальной задержкой
// между попытками.
func (h *ExpansionHandler) generateWithRetries(ctx context.Context, story *models.Story, req service.ChapterRequest) (*schemas.Chapter, error) {
	baseDelay := h.cfg.AIBaseRetryDelay
	var lastErr error

	for attempt := 1; attempt <= h.cfg.AIMaxAttempts; attempt++ {
		log.Printf("[StoryID: %s] Генерация главы (глубина %d, попытка %d/%d)...",
			story.ID, req.Depth, attempt, h.cfg.AIMaxAttempts)

		chapter, usage, err := h.chapterService.Generate(ctx, req)
		if usage.TotalTokens > 0 {
			metricsAddTokensUsed(float64(usage.TotalTokens))
		}
		if err == nil {
			return chapter, nil
		}
		lastErr = err
		log.Printf("[StoryID: %s] Ошибка генерации главы (попытка %d/%d): %v", story.ID, attempt, h.cfg.AIMaxAttempts, err)

		if attempt == h.cfg.AIMaxAttempts {
			break
		}

		delay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
		jitter := delay * 0.1
		delay += jitter * (rand.Float64()*2 - 1)
		waitDuration := time.Duration(delay)
		if waitDuration < baseDelay {
			waitDuration = baseDelay
		}
		log.Printf("[StoryID: %s] Ожидание %v перед следующей попыткой...", story.ID, waitDuration)
		select {
		case <-time.After(waitDuration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (h *ExpansionHandler) updateProgress(ctx context.Context, story *models.Story) {
	generated, err := h.nodeRepo.CountGenerated(ctx, story.ID)
	if err != nil {
		log.Printf("[StoryID: %s] Не удалось посчитать узлы для прогресса: %v", story.ID, err)
		return
	}
	progress := ComputeProgress(generated, story.TotalNodesPlanned)
	if err := h.storyRepo.UpdateProgress(ctx, story.ID, progress); err != nil {
		log.Printf("[StoryID: %s] Не удалось обновить прогресс: %v", story.ID, err)
	}
}

// finalize дожидается медиа и переводит историю в терминальный статус.
// Отказавшие узлы статус не меняют: generation_failed зарезервирован за
// срывом самого цикла расширения, а читатель получает дерево с усеченными
// ветками и статусом fully_generated.
func (h *ExpansionHandler) finalize(
	ctx context.Context,
	story *models.Story,
	payload messaging.StoryExpansionTaskPayload,
	filled, failed int,
	mediaWG *sync.WaitGroup,
) error {
	mediaWG.Wait()

	if err := h.storyRepo.UpdateStatus(ctx, story.ID, models.StatusFullyGenerated, nil); err != nil {
		metricsIncrementTaskFailed("db_error")
		return err
	}
	// 100% выставляется только вместе с терминальным успехом.
	if err := h.storyRepo.UpdateProgress(ctx, story.ID, 100); err != nil {
		log.Printf("[TaskID: %s] Не удалось выставить финальный прогресс: %v", payload.TaskID, err)
	}
	h.finishQueueEntry(ctx, payload.QueueEntryID, models.QueueDone)
	metricsIncrementTaskSucceeded()
	log.Printf("[TaskID: %s] История %s полностью сгенерирована (заполнено: %d, отказов: %d).",
		payload.TaskID, story.ID, filled, failed)
	return nil
}

func (h *ExpansionHandler) finishQueueEntry(ctx context.Context, entryID uuid.UUID, status models.QueueStatus) {
	if err := h.queueRepo.SetStatus(ctx, entryID, status); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Printf("Не удалось перевести запись очереди %s в статус '%s': %v", entryID, status, err)
	}
}

// effectiveMaxDepth возвращает лимит глубины: минимум из границы аудитории
// и конфигурационного потолка воркера.
func (h *ExpansionHandler) effectiveMaxDepth(audience models.AudienceTier) int {
	_, maxDepth := models.PacingBounds(audience)
	if h.cfg.MaxExpansionDepth > 0 && h.cfg.MaxExpansionDepth < maxDepth {
		return h.cfg.MaxExpansionDepth
	}
	return maxDepth
}
