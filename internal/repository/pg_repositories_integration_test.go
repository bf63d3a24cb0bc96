//go:build integration

package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"fable-server/internal/models"
	"fable-server/internal/repository"
	"fable-server/pkg/migration"
)

// RepositoryTestSuite поднимает Postgres в контейнере и гоняет репозитории
// против реальной схемы.
type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *postgres.PostgresContainer
	dbPool      *pgxpool.Pool

	storyRepo repository.StoryRepository
	nodeRepo  repository.StoryNodeRepository
	bibleRepo repository.BibleRepository
	queueRepo repository.QueueRepository
}

func (s *RepositoryTestSuite) SetupSuite() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	s.dbPool, err = pgxpool.New(ctx, connStr)
	require.NoError(s.T(), err)

	migrator := migration.NewMigrator(repository.MigrationsFS, "migrations", s.dbPool)
	require.NoError(s.T(), migrator.Up(ctx))

	logger := zap.NewNop()
	s.storyRepo = repository.NewPgStoryRepository(s.dbPool, logger)
	s.nodeRepo = repository.NewPgStoryNodeRepository(s.dbPool, logger)
	s.bibleRepo = repository.NewPgBibleRepository(s.dbPool, logger)
	s.queueRepo = repository.NewPgQueueRepository(s.dbPool, logger)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	if s.dbPool != nil {
		s.dbPool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(context.Background())
	}
}

func (s *RepositoryTestSuite) createStory(audience models.AudienceTier) *models.Story {
	story := &models.Story{
		UserID:   uuid.New(),
		Premise:  "Тестовая затравка",
		Audience: audience,
	}
	require.NoError(s.T(), s.storyRepo.Create(context.Background(), story))
	return story
}

func (s *RepositoryTestSuite) createFilledRoot(storyID uuid.UUID) *models.StoryNode {
	root := &models.StoryNode{
		ID:      uuid.New(),
		StoryID: storyID,
		NodeKey: models.RootNodeKey,
		Content: "Корневая глава.",
		Summary: "Начало.",
		Depth:   1,
	}
	require.NoError(s.T(), s.nodeRepo.Create(context.Background(), root))
	return root
}

func (s *RepositoryTestSuite) createPlaceholder(storyID uuid.UUID, parent *models.StoryNode, order int) *models.StoryNode {
	child := &models.StoryNode{
		StoryID:       storyID,
		NodeKey:       models.NewNodeKey(parent.Depth+1, order),
		Depth:         parent.Depth + 1,
		IsPlaceholder: true,
	}
	choice := &models.StoryChoice{
		StoryID:     storyID,
		FromNodeID:  parent.ID,
		Text:        "Выбор",
		ChoiceOrder: order,
	}
	require.NoError(s.T(), s.nodeRepo.CreatePlaceholderWithChoice(context.Background(), child, choice))
	return child
}

func (s *RepositoryTestSuite) TestStoryLifecycle() {
	ctx := context.Background()
	story := s.createStory(models.AudienceChild)

	loaded, err := s.storyRepo.GetByID(ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, loaded.Status)
	s.Equal(0, loaded.Progress)

	s.Require().NoError(s.storyRepo.UpdateStatus(ctx, story.ID, models.StatusGeneratingBackground, nil))
	s.Require().NoError(s.storyRepo.UpdateProgress(ctx, story.ID, 40))
	s.Require().NoError(s.storyRepo.SetTotalNodesPlanned(ctx, story.ID, 15))

	loaded, err = s.storyRepo.GetByID(ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusGeneratingBackground, loaded.Status)
	s.Equal(40, loaded.Progress)
	s.Equal(15, loaded.TotalNodesPlanned)

	// Чужой пользователь историю не видит.
	_, err = s.storyRepo.GetByIDForUser(ctx, story.ID, uuid.New())
	s.ErrorIs(err, models.ErrStoryNotFound)

	_, err = s.storyRepo.GetByID(ctx, uuid.New())
	s.ErrorIs(err, models.ErrStoryNotFound)
}

func (s *RepositoryTestSuite) TestFillIsIdempotent() {
	ctx := context.Background()
	story := s.createStory(models.AudienceAdult)
	root := s.createFilledRoot(story.ID)
	child := s.createPlaceholder(story.ID, root, 0)

	s.Require().NoError(s.nodeRepo.Fill(ctx, child.ID, "Глава.", "Резюме.", false, nil))

	// Повторное заполнение отклоняется.
	err := s.nodeRepo.Fill(ctx, child.ID, "Другая глава.", "Другое резюме.", false, nil)
	s.ErrorIs(err, models.ErrAlreadyFilled)

	// Счетчик сгенерированных инкрементирован один раз.
	loaded, err := s.storyRepo.GetByID(ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(1, loaded.NodesGenerated)

	count, err := s.nodeRepo.CountGenerated(ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(2, count) // корень + заполненный ребенок
}

func (s *RepositoryTestSuite) TestListUnfilledIsBreadthFirst() {
	ctx := context.Background()
	story := s.createStory(models.AudienceAdult)
	root := s.createFilledRoot(story.ID)

	childB := s.createPlaceholder(story.ID, root, 1)
	childA := s.createPlaceholder(story.ID, root, 0)

	// Внук глубже обоих детей.
	s.Require().NoError(s.nodeRepo.Fill(ctx, childA.ID, "Глава A.", "A.", false, nil))
	grandchild := s.createPlaceholder(story.ID, childA, 0)

	unfilled, err := s.nodeRepo.ListUnfilled(ctx, story.ID)
	s.Require().NoError(err)
	s.Require().Len(unfilled, 2)
	s.Equal(childB.ID, unfilled[0].ID)     // глубина 2 раньше глубины 3
	s.Equal(grandchild.ID, unfilled[1].ID) // внук последним
}

func (s *RepositoryTestSuite) TestPathToRootAndParentChoice() {
	ctx := context.Background()
	story := s.createStory(models.AudienceAdult)
	root := s.createFilledRoot(story.ID)
	child := s.createPlaceholder(story.ID, root, 0)
	s.Require().NoError(s.nodeRepo.Fill(ctx, child.ID, "Глава 2.", "Вторая.", false, nil))
	grandchild := s.createPlaceholder(story.ID, child, 0)

	path, err := s.nodeRepo.PathToRoot(ctx, grandchild.ID)
	s.Require().NoError(err)
	s.Require().Len(path, 3)
	s.Equal(root.ID, path[0].ID)
	s.Equal(child.ID, path[1].ID)
	s.Equal(grandchild.ID, path[2].ID)

	choice, parent, err := s.nodeRepo.GetParentChoice(ctx, grandchild.ID)
	s.Require().NoError(err)
	s.Equal(child.ID, parent.ID)
	s.Equal("Выбор", choice.Text)

	// У корня нет родительского выбора.
	_, _, err = s.nodeRepo.GetParentChoice(ctx, root.ID)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *RepositoryTestSuite) TestMediaURLFirstWriteWins() {
	ctx := context.Background()
	story := s.createStory(models.AudienceAdult)
	root := s.createFilledRoot(story.ID)

	s.Require().NoError(s.nodeRepo.UpdateMediaURL(ctx, root.ID, models.MediaImage, "https://cdn/first.png"))
	// Второй вызов не перезаписывает существующий URL.
	s.Require().NoError(s.nodeRepo.UpdateMediaURL(ctx, root.ID, models.MediaImage, "https://cdn/second.png"))

	loaded, err := s.nodeRepo.GetByID(ctx, root.ID)
	s.Require().NoError(err)
	s.Require().NotNil(loaded.ImageURL)
	s.Equal("https://cdn/first.png", *loaded.ImageURL)
}

func (s *RepositoryTestSuite) TestBibleRoundTrip() {
	ctx := context.Background()
	story := s.createStory(models.AudienceChild)

	bible := &models.ConsistencyBible{
		StoryID: story.ID,
		Content: json.RawMessage(`{"chars":[{"n":"Мира","r":"герой","ap":"рыжая"}],"set":"город","sp":"акварель"}`),
	}
	s.Require().NoError(s.bibleRepo.Create(ctx, bible))

	loaded, err := s.bibleRepo.GetByStoryID(ctx, story.ID)
	s.Require().NoError(err)

	content, err := loaded.Parse()
	s.Require().NoError(err)
	s.Equal("акварель", content.StylePrefix)
}

func (s *RepositoryTestSuite) TestQueueSingleActiveEntryPerStory() {
	ctx := context.Background()
	story := s.createStory(models.AudienceAdult)

	first := &models.GenerationQueueEntry{StoryID: story.ID, UserID: story.UserID}
	s.Require().NoError(s.queueRepo.Enqueue(ctx, first))

	// Повторная постановка при активной записи — no-op.
	second := &models.GenerationQueueEntry{StoryID: story.ID, UserID: story.UserID}
	s.Require().NoError(s.queueRepo.Enqueue(ctx, second))

	pending, err := s.queueRepo.GetPendingByStoryID(ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(first.ID, pending.ID)

	// После завершения запись можно поставить снова.
	s.Require().NoError(s.queueRepo.SetStatus(ctx, first.ID, models.QueueDone))
	third := &models.GenerationQueueEntry{StoryID: story.ID, UserID: story.UserID}
	s.Require().NoError(s.queueRepo.Enqueue(ctx, third))
	s.NotEqual(first.ID, third.ID)
}

func TestRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(RepositoryTestSuite))
}
