package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fable-server/internal/handler"
	"fable-server/internal/mocks"
	"fable-server/internal/models"
	"fable-server/internal/service"
)

func newTestRouter(t *testing.T) (*mocks.MockStoryService, http.Handler) {
	t.Helper()
	svc := mocks.NewMockStoryService(t)
	h := handler.NewStoryHandler(svc, zap.NewNop())
	return svc, handler.NewRouter(h, nil)
}

func doRequest(router http.Handler, method, path, userID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStoryHandler_CreateStory(t *testing.T) {
	userID := uuid.New()

	t.Run("Accepted with story body", func(t *testing.T) {
		svc, router := newTestRouter(t)
		story := &models.Story{ID: uuid.New(), UserID: userID, Status: models.StatusPending}

		svc.On("CreateStory", mock.Anything, userID, mock.MatchedBy(func(req service.CreateStoryRequest) bool {
			return req.Premise == "Говорящий компас" && req.Audience == models.AudienceChild
		})).Return(story, nil).Once()

		body, _ := json.Marshal(map[string]any{
			"premise":  "Говорящий компас",
			"audience": "child",
		})
		rec := doRequest(router, http.MethodPost, "/api/stories", userID.String(), body)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var got models.Story
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, story.ID, got.ID)
	})

	t.Run("Missing user header is unauthorized", func(t *testing.T) {
		_, router := newTestRouter(t)
		rec := doRequest(router, http.MethodPost, "/api/stories", "", []byte(`{}`))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Malformed body is a bad request", func(t *testing.T) {
		_, router := newTestRouter(t)
		rec := doRequest(router, http.MethodPost, "/api/stories", uuid.NewString(), []byte(`{"premise":`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Service validation error maps to 400", func(t *testing.T) {
		svc, router := newTestRouter(t)
		svc.On("CreateStory", mock.Anything, userID, mock.Anything).
			Return(nil, models.ErrInvalidInput).Once()

		body, _ := json.Marshal(map[string]any{"premise": "x", "audience": "child"})
		rec := doRequest(router, http.MethodPost, "/api/stories", userID.String(), body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStoryHandler_GetGenerationStatus(t *testing.T) {
	userID := uuid.New()
	storyID := uuid.New()

	t.Run("Returns status payload", func(t *testing.T) {
		svc, router := newTestRouter(t)
		svc.On("GetGenerationStatus", mock.Anything, userID, storyID).
			Return(&models.GenerationStatusInfo{
				Status:            models.StatusGeneratingFullStory,
				Progress:          45,
				NodesGenerated:    5,
				TotalNodesPlanned: 11,
			}, nil).Once()

		rec := doRequest(router, http.MethodGet, "/api/stories/"+storyID.String()+"/status", userID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.GenerationStatusInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, models.StatusGeneratingFullStory, got.Status)
		assert.Equal(t, 45, got.Progress)
	})

	t.Run("Unknown story maps to 404", func(t *testing.T) {
		svc, router := newTestRouter(t)
		svc.On("GetGenerationStatus", mock.Anything, userID, storyID).
			Return(nil, models.ErrStoryNotFound).Once()

		rec := doRequest(router, http.MethodGet, "/api/stories/"+storyID.String()+"/status", userID.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Invalid story ID maps to 400", func(t *testing.T) {
		_, router := newTestRouter(t)
		rec := doRequest(router, http.MethodGet, "/api/stories/not-a-uuid/status", userID.String(), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStoryHandler_GetNode(t *testing.T) {
	userID := uuid.New()
	storyID := uuid.New()

	t.Run("Returns node view", func(t *testing.T) {
		svc, router := newTestRouter(t)
		view := &service.NodeView{
			Node: &models.StoryNode{ID: uuid.New(), StoryID: storyID, NodeKey: models.RootNodeKey, Content: "Глава."},
			Choices: []*models.StoryChoice{
				{Text: "Налево", ChoiceOrder: 0},
				{Text: "Направо", ChoiceOrder: 1},
			},
		}
		svc.On("GetNode", mock.Anything, userID, storyID, models.RootNodeKey).Return(view, nil).Once()

		rec := doRequest(router, http.MethodGet, "/api/stories/"+storyID.String()+"/nodes/root", userID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got service.NodeView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.NotNil(t, got.Node)
		assert.Equal(t, "Глава.", got.Node.Content)
		assert.Len(t, got.Choices, 2)
	})

	t.Run("Missing node maps to 404", func(t *testing.T) {
		svc, router := newTestRouter(t)
		svc.On("GetNode", mock.Anything, userID, storyID, "d2-c1-deadbeef").
			Return(nil, models.ErrNodeNotFound).Once()

		rec := doRequest(router, http.MethodGet, "/api/stories/"+storyID.String()+"/nodes/d2-c1-deadbeef", userID.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
