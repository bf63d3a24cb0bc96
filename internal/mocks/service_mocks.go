package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"fable-server/internal/messaging"
	"fable-server/internal/models"
	"fable-server/internal/schemas"
	"fable-server/internal/service"
)

// MockChapterService is a mock type for the ChapterService type
type MockChapterService struct {
	mock.Mock
}

func (_m *MockChapterService) Generate(ctx context.Context, req service.ChapterRequest) (*schemas.Chapter, service.UsageInfo, error) {
	ret := _m.Called(ctx, req)

	var r0 *schemas.Chapter
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*schemas.Chapter)
	}
	var r1 service.UsageInfo
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(service.UsageInfo)
	}
	return r0, r1, ret.Error(2)
}

func NewMockChapterService(t interface {
	mock.TestingT
	Helper()
}) *MockChapterService {
	m := &MockChapterService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.ChapterService = (*MockChapterService)(nil)

// MockBibleService is a mock type for the BibleService type
type MockBibleService struct {
	mock.Mock
}

func (_m *MockBibleService) Generate(ctx context.Context, story *models.Story) (*models.ConsistencyBible, service.UsageInfo, error) {
	ret := _m.Called(ctx, story)

	var r0 *models.ConsistencyBible
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.ConsistencyBible)
	}
	var r1 service.UsageInfo
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(service.UsageInfo)
	}
	return r0, r1, ret.Error(2)
}

func NewMockBibleService(t interface {
	mock.TestingT
	Helper()
}) *MockBibleService {
	m := &MockBibleService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.BibleService = (*MockBibleService)(nil)

// MockModerationService is a mock type for the ModerationService type
type MockModerationService struct {
	mock.Mock
}

func (_m *MockModerationService) Applies(story *models.Story) bool {
	ret := _m.Called(story)
	return ret.Get(0).(bool)
}

func (_m *MockModerationService) Review(ctx context.Context, content string) bool {
	ret := _m.Called(ctx, content)
	return ret.Get(0).(bool)
}

func NewMockModerationService(t interface {
	mock.TestingT
	Helper()
}) *MockModerationService {
	m := &MockModerationService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.ModerationService = (*MockModerationService)(nil)

// MockMediaService is a mock type for the MediaService type
type MockMediaService struct {
	mock.Mock
}

func (_m *MockMediaService) GenerateForNode(ctx context.Context, story *models.Story, node *models.StoryNode, stylePrefix string) {
	_m.Called(ctx, story, node, stylePrefix)
}

func NewMockMediaService(t interface {
	mock.TestingT
	Helper()
}) *MockMediaService {
	m := &MockMediaService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.MediaService = (*MockMediaService)(nil)

// MockTaskPublisher is a mock type for the TaskPublisher type
type MockTaskPublisher struct {
	mock.Mock
}

func (_m *MockTaskPublisher) PublishExpansionTask(ctx context.Context, payload messaging.StoryExpansionTaskPayload) error {
	ret := _m.Called(ctx, payload)
	return ret.Error(0)
}

func NewMockTaskPublisher(t interface {
	mock.TestingT
	Helper()
}) *MockTaskPublisher {
	m := &MockTaskPublisher{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ messaging.TaskPublisher = (*MockTaskPublisher)(nil)

// MockStoryService is a mock type for the StoryService type
type MockStoryService struct {
	mock.Mock
}

func (_m *MockStoryService) CreateStory(ctx context.Context, userID uuid.UUID, req service.CreateStoryRequest) (*models.Story, error) {
	ret := _m.Called(ctx, userID, req)

	var r0 *models.Story
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Story)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryService) GetGenerationStatus(ctx context.Context, userID, storyID uuid.UUID) (*models.GenerationStatusInfo, error) {
	ret := _m.Called(ctx, userID, storyID)

	var r0 *models.GenerationStatusInfo
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.GenerationStatusInfo)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryService) GetNode(ctx context.Context, userID, storyID uuid.UUID, nodeKey string) (*service.NodeView, error) {
	ret := _m.Called(ctx, userID, storyID, nodeKey)

	var r0 *service.NodeView
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*service.NodeView)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryService) Shutdown() {
	_m.Called()
}

func NewMockStoryService(t interface {
	mock.TestingT
	Helper()
}) *MockStoryService {
	m := &MockStoryService{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ service.StoryService = (*MockStoryService)(nil)
