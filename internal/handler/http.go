package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/models"
	"fable-server/internal/service"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
}

// StoryHandler обрабатывает HTTP запросы к историям.
type StoryHandler struct {
	service service.StoryService
	logger  *zap.Logger
}

// NewStoryHandler создает новый StoryHandler.
func NewStoryHandler(s service.StoryService, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{
		service: s,
		logger:  logger.Named("StoryHandler"),
	}
}

// NewRouter собирает gin.Engine со всеми middleware и маршрутами.
func NewRouter(h *StoryHandler, allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-User-Id"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	h.RegisterRoutes(router)

	return router
}

// RegisterRoutes регистрирует маршруты историй.
func (h *StoryHandler) RegisterRoutes(router *gin.Engine) {
	storiesGroup := router.Group("/api/stories", userIDMiddleware(h.logger))
	{
		storiesGroup.POST("", h.createStory)
		storiesGroup.GET("/:id/status", h.getGenerationStatus)
		storiesGroup.GET("/:id/nodes/:nodeKey", h.getNode)
	}
}

const userIDContextKey = "userID"

// userIDMiddleware извлекает идентификатор пользователя из заголовка X-User-Id.
// Аутентификацию выполняет вышестоящий шлюз; сюда заголовок приходит уже проверенным.
func userIDMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-Id")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Missing X-User-Id header"})
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			logger.Warn("Invalid X-User-Id header", zap.String("value", raw), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Invalid X-User-Id header"})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

func getUserIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	return userID, ok
}

func handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var apiErr APIError

	switch {
	case errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrBadRequest):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrStoryNotFound) || errors.Is(err, models.ErrNodeNotFound) || errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: "Resource not found or access denied"}
	case errors.Is(err, models.ErrStoryLocked):
		statusCode = http.StatusConflict
		apiErr = APIError{Message: err.Error()}
	default:
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: "Internal server error"}
	}
	c.JSON(statusCode, apiErr)
}

// createStory принимает затравку истории, синхронно генерирует корневую главу
// и ставит задачу фонового расширения дерева.
func (h *StoryHandler) createStory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, APIError{Message: "Unauthorized"})
		return
	}

	var req service.CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
		return
	}

	h.logger.Info("Received story creation request",
		zap.String("userID", userID.String()),
		zap.String("audience", string(req.Audience)),
	)

	story, err := h.service.CreateStory(c.Request.Context(), userID, req)
	if err != nil {
		if !service.IsUserFacingError(err) {
			h.logger.Error("Error creating story", zap.String("userID", userID.String()), zap.Error(err))
		}
		handleServiceError(c, err)
		return
	}

	// 202: корень готов, остальное дерево достраивается в фоне.
	c.JSON(http.StatusAccepted, story)
}

// getGenerationStatus возвращает статус и прогресс фоновой генерации.
func (h *StoryHandler) getGenerationStatus(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, APIError{Message: "Unauthorized"})
		return
	}

	idStr := c.Param("id")
	storyID, err := uuid.Parse(idStr)
	if err != nil {
		h.logger.Warn("Invalid story ID format in getGenerationStatus", zap.String("id", idStr), zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "Invalid story ID format"})
		return
	}

	status, err := h.service.GetGenerationStatus(c.Request.Context(), userID, storyID)
	if err != nil {
		if !service.IsUserFacingError(err) {
			h.logger.Error("Error getting generation status",
				zap.String("userID", userID.String()), zap.String("storyID", storyID.String()), zap.Error(err))
		}
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// getNode возвращает узел истории с его выборами по ключу узла.
func (h *StoryHandler) getNode(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, APIError{Message: "Unauthorized"})
		return
	}

	idStr := c.Param("id")
	storyID, err := uuid.Parse(idStr)
	if err != nil {
		h.logger.Warn("Invalid story ID format in getNode", zap.String("id", idStr), zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "Invalid story ID format"})
		return
	}

	nodeKey := c.Param("nodeKey")
	if nodeKey == "" {
		c.JSON(http.StatusBadRequest, APIError{Message: "Missing node key"})
		return
	}

	view, err := h.service.GetNode(c.Request.Context(), userID, storyID, nodeKey)
	if err != nil {
		if !service.IsUserFacingError(err) {
			h.logger.Error("Error getting story node",
				zap.String("userID", userID.String()),
				zap.String("storyID", storyID.String()),
				zap.String("nodeKey", nodeKey),
				zap.Error(err))
		}
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
