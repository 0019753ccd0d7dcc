package borrower

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"lending-engine/internal/event"
	"lending-engine/internal/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockBorrowerRepository struct {
	mock.Mock
}

func (m *MockBorrowerRepository) Save(ctx context.Context, b *Borrower) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockBorrowerRepository) FindByID(ctx context.Context, borrowerID int64) (*Borrower, error) {
	args := m.Called(ctx, borrowerID)
	if b, ok := args.Get(0).(*Borrower); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBorrowerRepository) SetActiveStatus(ctx context.Context, borrowerID int64, active bool) error {
	args := m.Called(ctx, borrowerID, active)
	return args.Error(0)
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishLoanCreated(ctx context.Context, evt event.LoanCreatedEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishRepaymentReceived(ctx context.Context, evt event.RepaymentReceivedEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishLoanRepaid(ctx context.Context, evt event.LoanRepaidEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishBorrowerCreated(ctx context.Context, evt event.BorrowerCreatedEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func TestNewBorrowerStartsActive(t *testing.T) {
	b := NewBorrower("Jane Tan", "jane@example.com")
	assert.True(t, b.Active)

	b.Deactivate()
	assert.False(t, b.Active)

	b.Reactivate()
	assert.True(t, b.Active)
}

func TestCreateBorrowerSuccess(t *testing.T) {
	repo := new(MockBorrowerRepository)
	publisher := new(MockEventPublisher)
	svc := NewBorrowerService(repo, publisher, logger)
	ctx := context.Background()

	repo.On("Save", ctx, mock.AnythingOfType("*borrower.Borrower")).
		Run(func(args mock.Arguments) {
			args.Get(1).(*Borrower).ID = 42
		}).
		Return(nil)
	publisher.On("PublishBorrowerCreated", ctx, mock.AnythingOfType("event.BorrowerCreatedEvent")).Return(nil)

	b, err := svc.CreateBorrower(ctx, "  Jane Tan ", "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.ID)
	assert.Equal(t, "Jane Tan", b.Name)
	assert.True(t, b.Active)
	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestCreateBorrowerValidation(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	t.Run("empty name", func(t *testing.T) {
		_, err := svc.CreateBorrower(ctx, "   ", "jane@example.com")
		var vErr *apperrors.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "name", vErr.Field)
	})

	t.Run("invalid email", func(t *testing.T) {
		_, err := svc.CreateBorrower(ctx, "Jane Tan", "not-an-email")
		var vErr *apperrors.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "email", vErr.Field)
	})

	repo.AssertNotCalled(t, "Save", ctx, mock.Anything)
}

func TestCreateBorrowerPublishFailureIsNotFatal(t *testing.T) {
	repo := new(MockBorrowerRepository)
	publisher := new(MockEventPublisher)
	svc := NewBorrowerService(repo, publisher, logger)
	ctx := context.Background()

	repo.On("Save", ctx, mock.AnythingOfType("*borrower.Borrower")).Return(nil)
	publisher.On("PublishBorrowerCreated", ctx, mock.AnythingOfType("event.BorrowerCreatedEvent")).
		Return(errors.New("broker unavailable"))

	_, err := svc.CreateBorrower(ctx, "Jane Tan", "jane@example.com")
	assert.NoError(t, err)
}

func TestCreateBorrowerSaveFailure(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	repo.On("Save", ctx, mock.AnythingOfType("*borrower.Borrower")).Return(apperrors.ErrAlreadyExists)

	_, err := svc.CreateBorrower(ctx, "Jane Tan", "jane@example.com")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestGetBorrowerSuccess(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	repo.On("FindByID", ctx, int64(1)).Return(&Borrower{ID: 1, Name: "Jane Tan", Active: true}, nil)

	b, err := svc.GetBorrower(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ID)
}

func TestGetBorrowerNotFound(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	repo.On("FindByID", ctx, int64(404)).Return(nil, apperrors.ErrNotFound)

	_, err := svc.GetBorrower(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeactivateAndReactivateBorrower(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	repo.On("SetActiveStatus", ctx, int64(1), false).Return(nil)
	repo.On("SetActiveStatus", ctx, int64(1), true).Return(nil)

	assert.NoError(t, svc.DeactivateBorrower(ctx, 1))
	assert.NoError(t, svc.ReactivateBorrower(ctx, 1))
	repo.AssertExpectations(t)
}

func TestDeactivateBorrowerNotFound(t *testing.T) {
	repo := new(MockBorrowerRepository)
	svc := NewBorrowerService(repo, nil, logger)
	ctx := context.Background()

	repo.On("SetActiveStatus", ctx, int64(404), false).Return(apperrors.ErrNotFound)

	err := svc.DeactivateBorrower(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestNewBorrowerServicePanicsOnNilRepo(t *testing.T) {
	assert.Panics(t, func() {
		NewBorrowerService(nil, nil, logger)
	})
}
