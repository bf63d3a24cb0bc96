package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fable-server/internal/config"
	"fable-server/internal/models"
	"fable-server/internal/repository"
)

// MediaService запускает генерацию медиа для заполненного узла.
// Медиа строго вторично: любая ошибка здесь логируется и не влияет
// на статус генерации истории.
type MediaService interface {
	GenerateForNode(ctx context.Context, story *models.Story, node *models.StoryNode, stylePrefix string)
}

type mediaGenerationRequest struct {
	Prompt  string `json:"prompt"`
	Content string `json:"content,omitempty"`
}

type mediaGenerationResponse struct {
	URL string `json:"url"`
}

type mediaService struct {
	nodeRepo   repository.StoryNodeRepository
	httpClient *http.Client
	imageURL   string
	audioURL   string
	videoURL   string
	logger     *zap.Logger
}

func NewMediaService(nodeRepo repository.StoryNodeRepository, cfg *config.Config, logger *zap.Logger) MediaService {
	return &mediaService{
		nodeRepo: nodeRepo,
		httpClient: &http.Client{
			Timeout: cfg.MediaTimeout,
		},
		imageURL: cfg.ImageServiceURL,
		audioURL: cfg.AudioServiceURL,
		videoURL: cfg.VideoServiceURL,
		logger:   logger.Named("MediaService"),
	}
}

// GenerateForNode параллельно генерирует изображение и аудио для узла;
// видео добавляется только для премиум-историй. Узел с уже заполненным
// URL данного вида пропускается - повторная генерация не оплачивается.
func (s *mediaService) GenerateForNode(ctx context.Context, story *models.Story, node *models.StoryNode, stylePrefix string) {
	log := s.logger.With(
		zap.String("storyID", story.ID.String()),
		zap.String("nodeID", node.ID.String()))

	type task struct {
		kind       models.MediaKind
		serviceURL string
		existing   *string
		prompt     string
	}

	tasks := []task{
		{models.MediaImage, s.imageURL, node.ImageURL, stylePrefix + " " + node.Summary},
		{models.MediaAudio, s.audioURL, node.AudioURL, node.Content},
	}
	if story.IsPremium {
		tasks = append(tasks, task{models.MediaVideo, s.videoURL, node.VideoURL, stylePrefix + " " + node.Summary})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		if t.serviceURL == "" {
			continue
		}
		if t.existing != nil && *t.existing != "" {
			log.Debug("Media already present, skipping", zap.String("kind", string(t.kind)))
			continue
		}
		g.Go(func() error {
			url, err := s.callMediaAPI(gctx, t.serviceURL, t.prompt, node.Content)
			if err != nil {
				if errors.Is(err, models.ErrMediaQuotaExceeded) {
					log.Warn("Media generation rejected by billing, skipping", zap.String("kind", string(t.kind)))
				} else {
					log.Warn("Media generation failed, node keeps text only", zap.String("kind", string(t.kind)), zap.Error(err))
				}
				return nil // soft-fail: ошибка медиа не останавливает остальные виды
			}
			if err := s.nodeRepo.UpdateMediaURL(gctx, node.ID, t.kind, url); err != nil {
				log.Warn("Failed to persist media URL", zap.String("kind", string(t.kind)), zap.Error(err))
				return nil
			}
			log.Info("Media generated", zap.String("kind", string(t.kind)), zap.String("url", url))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *mediaService) callMediaAPI(ctx context.Context, serviceURL, prompt, content string) (string, error) {
	reqPayload := mediaGenerationRequest{
		Prompt:  prompt,
		Content: content,
	}
	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	endpointURL := serviceURL + "/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusPaymentRequired {
		return "", models.ErrMediaQuotaExceeded
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read response body: %w", readErr)
	}

	var result mediaGenerationResponse
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.URL == "" {
		return "", errors.New("API returned empty media URL")
	}

	s.logger.Debug("Media API call successful",
		zap.String("url", endpointURL),
		zap.Duration("duration", time.Since(startTime)))
	return result.URL, nil
}
