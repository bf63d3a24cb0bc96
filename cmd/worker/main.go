package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"fable-server/internal/config"
	"fable-server/internal/handler"
	applogger "fable-server/internal/logger"
	"fable-server/internal/messaging"
	"fable-server/internal/repository"
	"fable-server/internal/service"
	"fable-server/internal/worker"
	"fable-server/pkg/migration"
)

// Задачи, висящие в in_progress дольше этого срока, считаются брошенными
// упавшим воркером и возвращаются в pending при старте.
const staleTaskMaxAge = 15 * time.Minute

func main() {
	log.Println("Запуск сервиса генерации ветвящихся историй (воркер + API)...")

	if err := godotenv.Load(); err != nil {
		log.Println("Файл .env не найден, используются переменные окружения")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger, err := applogger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	go startMetricsServer(cfg.MetricsPort)

	if cfg.PushgatewayURL != "" {
		if err := worker.InitMetricsPusher(cfg.PushgatewayURL); err != nil {
			log.Printf("Не удалось инициализировать Pushgateway: %v", err)
		} else {
			worker.StartMetricsPusher(15 * time.Second)
			defer worker.CleanupMetrics()
		}
	}

	// --- PostgreSQL ---
	log.Printf("Подключение к PostgreSQL (%s)...", cfg.MaskedDSN())
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Fatalf("Не удалось подключиться к базе данных: %v", err)
	}
	defer dbPool.Close()
	log.Println("Успешное подключение к PostgreSQL")

	migrator := migration.NewMigrator(repository.MigrationsFS, "migrations", dbPool)
	if err := migrator.Up(context.Background()); err != nil {
		log.Fatalf("Ошибка применения миграций: %v", err)
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("Не удалось подключиться к Redis: %v", err)
		}
		cancel()
	}
	log.Println("Успешное подключение к Redis")

	// --- RabbitMQ ---
	conn, err := connectRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Не удалось подключиться к RabbitMQ: %v", err)
	}
	defer conn.Close()
	log.Println("Успешное подключение к RabbitMQ")

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("Не удалось открыть канал: %v", err)
	}
	defer ch.Close()

	if err := messaging.DeclareTopology(ch, cfg.TaskQueueName); err != nil {
		log.Fatalf("Не удалось объявить топологию RabbitMQ: %v", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		log.Fatalf("Не удалось установить QoS: %v", err)
	}
	log.Printf("QoS (prefetch count=%d) установлен", cfg.PrefetchCount)

	// --- Dependency Injection ---
	log.Println("Инициализация AI клиента...")
	aiClient, err := service.NewAIClient(cfg)
	if err != nil {
		log.Fatalf("Ошибка инициализации AI клиента: %v", err)
	}

	storyRepo := repository.NewPgStoryRepository(dbPool, logger.Named("PgStoryRepo"))
	nodeRepo := repository.NewPgStoryNodeRepository(dbPool, logger.Named("PgStoryNodeRepo"))
	bibleRepo := repository.NewPgBibleRepository(dbPool, logger.Named("PgBibleRepo"))
	queueRepo := repository.NewPgQueueRepository(dbPool, logger.Named("PgQueueRepo"))
	locker := repository.NewRedisStoryLocker(redisClient, cfg.StoryLockTTL, logger.Named("RedisStoryLocker"))

	publisher, err := messaging.NewRabbitMQTaskPublisher(conn, cfg.TaskQueueName)
	if err != nil {
		log.Fatalf("Не удалось создать publisher: %v", err)
	}

	bibleService := service.NewBibleService(aiClient, logger.Named("BibleService"))
	chapterService := service.NewChapterService(aiClient, logger.Named("ChapterService"))
	moderationService := service.NewModerationService(aiClient, logger.Named("ModerationService"))
	mediaService := service.NewMediaService(nodeRepo, cfg, logger.Named("MediaService"))

	storyService := service.NewStoryService(
		storyRepo, nodeRepo, bibleRepo, queueRepo,
		bibleService, chapterService, mediaService,
		publisher, logger.Named("StoryService"),
	)

	expansionHandler := worker.NewExpansionHandler(
		cfg, storyRepo, nodeRepo, bibleRepo, queueRepo, locker,
		chapterService, moderationService, mediaService,
	)

	// Возврат задач, брошенных упавшими воркерами.
	requeueStaleTasks(queueRepo, publisher)

	// --- HTTP API (Gin) ---
	storyHandler := handler.NewStoryHandler(storyService, logger)
	router := handler.NewRouter(storyHandler, cfg.AllowedOrigins)
	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Printf("Запуск HTTP API сервера на порту %s...", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ошибка запуска HTTP API сервера: %v", err)
		}
	}()

	// --- Consumer ---
	msgs, err := ch.Consume(cfg.TaskQueueName, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("Не удалось зарегистрировать консьюмера: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf(" [*] Ожидание сообщений (%d воркеров) и API запросов. Для выхода нажмите CTRL+C", cfg.ConsumerPoolSize)

	var wg sync.WaitGroup
	for i := 0; i < cfg.ConsumerPoolSize; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			consumeLoop(workerNum, msgs, expansionHandler)
		}(i + 1)
	}

	<-rootCtx.Done()
	log.Println("Получен сигнал завершения. Завершение работы...")

	// Закрытие канала останавливает доставку; воркеры дорабатывают текущие задачи.
	if err := ch.Close(); err != nil {
		log.Printf("Ошибка закрытия канала: %v", err)
	}
	wg.Wait()

	log.Println("Остановка HTTP API сервера...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ошибка при остановке HTTP сервера: %v", err)
	}

	// Медиа-горутины созданных историй дорабатывают до конца.
	log.Println("Ожидание фоновых медиа-задач...")
	storyService.Shutdown()

	log.Println("Сервис генерации ветвящихся историй остановлен.")
}

// consumeLoop обрабатывает сообщения очереди до закрытия канала доставки.
// Начатая задача доводится до конца даже при получении сигнала завершения:
// повторная доставка недоделанной задачи безопасна, но дороже.
func consumeLoop(workerNum int, msgs <-chan amqp.Delivery, h *worker.ExpansionHandler) {
	ctx := context.Background()
	for msg := range msgs {
		var payload messaging.StoryExpansionTaskPayload
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			log.Printf("[Воркер %d] Ошибка десериализации JSON: %v. Отклоняем сообщение (nack, no requeue).", workerNum, err)
			msg.Nack(false, false)
			continue
		}

		if err := h.Handle(ctx, payload); err != nil {
			// Requeue=false: сообщение уйдет в DLQ через настроенный DLX.
			log.Printf("[Воркер %d][TaskID: %s] Ошибка обработки задачи: %v. Отклоняем сообщение (nack, no requeue).", workerNum, payload.TaskID, err)
			msg.Nack(false, false)
		} else {
			msg.Ack(false)
		}
	}
	log.Printf("[Воркер %d] Канал сообщений закрыт, горутина обработки завершается.", workerNum)
}

// requeueStaleTasks возвращает брошенные задачи в pending и публикует их заново.
func requeueStaleTasks(queueRepo repository.QueueRepository, publisher messaging.TaskPublisher) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := queueRepo.RequeueStale(ctx, staleTaskMaxAge)
	if err != nil {
		log.Printf("Не удалось вернуть зависшие задачи: %v", err)
		return
	}
	for _, entry := range entries {
		payload := messaging.StoryExpansionTaskPayload{
			TaskID:       uuid.New(),
			StoryID:      entry.StoryID,
			UserID:       entry.UserID,
			QueueEntryID: entry.ID,
		}
		if err := publisher.PublishExpansionTask(ctx, payload); err != nil {
			log.Printf("Не удалось переопубликовать задачу для истории %s: %v", entry.StoryID, err)
			continue
		}
		log.Printf("Зависшая задача для истории %s возвращена в очередь.", entry.StoryID)
	}
	if len(entries) > 0 {
		log.Printf("Возвращено зависших задач: %d", len(entries))
	}
}

// startMetricsServer запускает HTTP-сервер для эндпоинта /metrics.
func startMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	})

	log.Printf("Запуск HTTP-сервера для метрик Prometheus и health на :%s...", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("Ошибка запуска HTTP-сервера для метрик: %v", err)
	}
}

// setupDatabase инициализирует пул соединений с БД с повторными попытками.
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	var dbPool *pgxpool.Pool
	var err error
	maxRetries := 10
	retryDelay := 3 * time.Second

	poolConfig, parseErr := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if parseErr != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", parseErr)
	}

	for i := 0; i < maxRetries; i++ {
		attempt := i + 1
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		dbPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = dbPool.Ping(ctx)
			if err == nil {
				cancel()
				return dbPool, nil
			}
			dbPool.Close()
		}
		cancel()

		log.Printf("[Попытка %d/%d] Не удалось подключиться к PostgreSQL: %v", attempt, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("не удалось подключиться к БД после %d попыток: %w", maxRetries, err)
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 5
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Printf("Не удалось подключиться к RabbitMQ (попытка %d/%d): %v. Повтор через %v...", i+1, maxRetries, err, retryDelay)
		time.Sleep(retryDelay)
	}
	return nil, err
}

