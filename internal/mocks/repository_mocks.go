package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"fable-server/internal/models"
	"fable-server/internal/repository"
)

// MockStoryRepository is a mock type for the StoryRepository type
type MockStoryRepository struct {
	mock.Mock
}

func (_m *MockStoryRepository) Create(ctx context.Context, story *models.Story) error {
	ret := _m.Called(ctx, story)
	return ret.Error(0)
}

func (_m *MockStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	ret := _m.Called(ctx, id)

	var r0 *models.Story
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Story)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryRepository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Story, error) {
	ret := _m.Called(ctx, id, userID)

	var r0 *models.Story
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Story)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error {
	ret := _m.Called(ctx, id, status, errorDetails)
	return ret.Error(0)
}

func (_m *MockStoryRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	ret := _m.Called(ctx, id, progress)
	return ret.Error(0)
}

func (_m *MockStoryRepository) SetTotalNodesPlanned(ctx context.Context, id uuid.UUID, total int) error {
	ret := _m.Called(ctx, id, total)
	return ret.Error(0)
}

func NewMockStoryRepository(t interface {
	mock.TestingT
	Helper()
}) *MockStoryRepository {
	m := &MockStoryRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.StoryRepository = (*MockStoryRepository)(nil)

// MockStoryNodeRepository is a mock type for the StoryNodeRepository type
type MockStoryNodeRepository struct {
	mock.Mock
}

func (_m *MockStoryNodeRepository) Create(ctx context.Context, node *models.StoryNode) error {
	ret := _m.Called(ctx, node)
	return ret.Error(0)
}

func (_m *MockStoryNodeRepository) CreatePlaceholderWithChoice(ctx context.Context, node *models.StoryNode, choice *models.StoryChoice) error {
	ret := _m.Called(ctx, node, choice)
	return ret.Error(0)
}

func (_m *MockStoryNodeRepository) Fill(ctx context.Context, nodeID uuid.UUID, content, summary string, isEnding bool, endingType *models.EndingType) error {
	ret := _m.Called(ctx, nodeID, content, summary, isEnding, endingType)
	return ret.Error(0)
}

func (_m *MockStoryNodeRepository) MarkFailed(ctx context.Context, nodeID uuid.UUID) error {
	ret := _m.Called(ctx, nodeID)
	return ret.Error(0)
}

func (_m *MockStoryNodeRepository) GetByID(ctx context.Context, nodeID uuid.UUID) (*models.StoryNode, error) {
	ret := _m.Called(ctx, nodeID)

	var r0 *models.StoryNode
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.StoryNode)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) GetByKey(ctx context.Context, storyID uuid.UUID, nodeKey string) (*models.StoryNode, error) {
	ret := _m.Called(ctx, storyID, nodeKey)

	var r0 *models.StoryNode
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.StoryNode)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) GetRoot(ctx context.Context, storyID uuid.UUID) (*models.StoryNode, error) {
	ret := _m.Called(ctx, storyID)

	var r0 *models.StoryNode
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.StoryNode)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) ListUnfilled(ctx context.Context, storyID uuid.UUID) ([]*models.StoryNode, error) {
	ret := _m.Called(ctx, storyID)

	var r0 []*models.StoryNode
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.StoryNode)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) ListChoices(ctx context.Context, fromNodeID uuid.UUID) ([]*models.StoryChoice, error) {
	ret := _m.Called(ctx, fromNodeID)

	var r0 []*models.StoryChoice
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.StoryChoice)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) GetParentChoice(ctx context.Context, toNodeID uuid.UUID) (*models.StoryChoice, *models.StoryNode, error) {
	ret := _m.Called(ctx, toNodeID)

	var r0 *models.StoryChoice
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.StoryChoice)
	}
	var r1 *models.StoryNode
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(*models.StoryNode)
	}
	return r0, r1, ret.Error(2)
}

func (_m *MockStoryNodeRepository) PathToRoot(ctx context.Context, nodeID uuid.UUID) ([]*models.StoryNode, error) {
	ret := _m.Called(ctx, nodeID)

	var r0 []*models.StoryNode
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.StoryNode)
	}
	return r0, ret.Error(1)
}

func (_m *MockStoryNodeRepository) UpdateMediaURL(ctx context.Context, nodeID uuid.UUID, kind models.MediaKind, url string) error {
	ret := _m.Called(ctx, nodeID, kind, url)
	return ret.Error(0)
}

func (_m *MockStoryNodeRepository) CountGenerated(ctx context.Context, storyID uuid.UUID) (int, error) {
	ret := _m.Called(ctx, storyID)
	return ret.Get(0).(int), ret.Error(1)
}

func NewMockStoryNodeRepository(t interface {
	mock.TestingT
	Helper()
}) *MockStoryNodeRepository {
	m := &MockStoryNodeRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.StoryNodeRepository = (*MockStoryNodeRepository)(nil)

// MockBibleRepository is a mock type for the BibleRepository type
type MockBibleRepository struct {
	mock.Mock
}

func (_m *MockBibleRepository) Create(ctx context.Context, bible *models.ConsistencyBible) error {
	ret := _m.Called(ctx, bible)
	return ret.Error(0)
}

func (_m *MockBibleRepository) GetByStoryID(ctx context.Context, storyID uuid.UUID) (*models.ConsistencyBible, error) {
	ret := _m.Called(ctx, storyID)

	var r0 *models.ConsistencyBible
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.ConsistencyBible)
	}
	return r0, ret.Error(1)
}

func NewMockBibleRepository(t interface {
	mock.TestingT
	Helper()
}) *MockBibleRepository {
	m := &MockBibleRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.BibleRepository = (*MockBibleRepository)(nil)

// MockQueueRepository is a mock type for the QueueRepository type
type MockQueueRepository struct {
	mock.Mock
}

func (_m *MockQueueRepository) Enqueue(ctx context.Context, entry *models.GenerationQueueEntry) error {
	ret := _m.Called(ctx, entry)
	return ret.Error(0)
}

func (_m *MockQueueRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.QueueStatus) error {
	ret := _m.Called(ctx, id, status)
	return ret.Error(0)
}

func (_m *MockQueueRepository) RequeueStale(ctx context.Context, maxAge time.Duration) ([]*models.GenerationQueueEntry, error) {
	ret := _m.Called(ctx, maxAge)

	var r0 []*models.GenerationQueueEntry
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.GenerationQueueEntry)
	}
	return r0, ret.Error(1)
}

func (_m *MockQueueRepository) GetPendingByStoryID(ctx context.Context, storyID uuid.UUID) (*models.GenerationQueueEntry, error) {
	ret := _m.Called(ctx, storyID)

	var r0 *models.GenerationQueueEntry
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.GenerationQueueEntry)
	}
	return r0, ret.Error(1)
}

func NewMockQueueRepository(t interface {
	mock.TestingT
	Helper()
}) *MockQueueRepository {
	m := &MockQueueRepository{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.QueueRepository = (*MockQueueRepository)(nil)

// MockStoryLocker is a mock type for the StoryLocker type
type MockStoryLocker struct {
	mock.Mock
}

func (_m *MockStoryLocker) Acquire(ctx context.Context, storyID uuid.UUID) error {
	ret := _m.Called(ctx, storyID)
	return ret.Error(0)
}

func (_m *MockStoryLocker) Release(ctx context.Context, storyID uuid.UUID) error {
	ret := _m.Called(ctx, storyID)
	return ret.Error(0)
}

func NewMockStoryLocker(t interface {
	mock.TestingT
	Helper()
}) *MockStoryLocker {
	m := &MockStoryLocker{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ repository.StoryLocker = (*MockStoryLocker)(nil)
