package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fable-server/internal/models"
)

var _ StoryLocker = (*redisStoryLocker)(nil)

// redisStoryLocker реализует блокировку истории через SET NX с TTL.
// TTL страхует от вечной блокировки при падении воркера: зависшая
// блокировка истекает сама, и задача подбирается после рестарта.
type redisStoryLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStoryLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) StoryLocker {
	return &redisStoryLocker{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisStoryLocker"),
	}
}

func lockKey(storyID uuid.UUID) string {
	return "story_expansion_lock:" + storyID.String()
}

func (l *redisStoryLocker) Acquire(ctx context.Context, storyID uuid.UUID) error {
	ok, err := l.client.SetNX(ctx, lockKey(storyID), "1", l.ttl).Result()
	if err != nil {
		l.logger.Error("Failed to acquire story lock", zap.Error(err), zap.String("storyID", storyID.String()))
		return fmt.Errorf("ошибка получения блокировки истории %s: %w", storyID, err)
	}
	if !ok {
		l.logger.Debug("Story is already locked", zap.String("storyID", storyID.String()))
		return models.ErrStoryLocked
	}
	return nil
}

func (l *redisStoryLocker) Release(ctx context.Context, storyID uuid.UUID) error {
	if err := l.client.Del(ctx, lockKey(storyID)).Err(); err != nil {
		l.logger.Error("Failed to release story lock", zap.Error(err), zap.String("storyID", storyID.String()))
		return fmt.Errorf("ошибка снятия блокировки истории %s: %w", storyID, err)
	}
	return nil
}
