package loan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"lending-engine/internal/domain/borrower"
	"lending-engine/internal/event"
	"lending-engine/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockRepository struct {
	mock.Mock
}

type TxMock struct {
	pgx.Tx
}

var tx pgx.Tx = &TxMock{}

func (m *MockRepository) CreateLoan(ctx context.Context, newLoan *Loan, schedule []ScheduledRepayment) (*Loan, error) {
	args := m.Called(ctx, newLoan, schedule)
	if l, ok := args.Get(0).(*Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetLoanByID(ctx context.Context, loanID int64) (*Loan, error) {
	args := m.Called(ctx, loanID)
	if l, ok := args.Get(0).(*Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetLoanByIDForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*Loan, error) {
	args := m.Called(ctx, tx, loanID)
	if l, ok := args.Get(0).(*Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetScheduleByLoanID(ctx context.Context, loanID int64) ([]ScheduledRepayment, error) {
	args := m.Called(ctx, loanID)
	if schedule, ok := args.Get(0).([]ScheduledRepayment); ok {
		return schedule, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetOpenSchedulesForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) ([]ScheduledRepayment, error) {
	args := m.Called(ctx, tx, loanID)
	if schedule, ok := args.Get(0).([]ScheduledRepayment); ok {
		return schedule, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) InsertReceivedRepaymentInTx(ctx context.Context, tx pgx.Tx, receipt *ReceivedRepayment) error {
	args := m.Called(ctx, tx, receipt)
	return args.Error(0)
}

func (m *MockRepository) UpdateScheduleEntryInTx(ctx context.Context, tx pgx.Tx, entry *ScheduledRepayment) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *MockRepository) UpdateLoanInTx(ctx context.Context, tx pgx.Tx, l *Loan) error {
	args := m.Called(ctx, tx, l)
	return args.Error(0)
}

func (m *MockRepository) GetTotalOutstandingAmount(ctx context.Context, loanID int64) (Money, error) {
	args := m.Called(ctx, loanID)
	if outstanding, ok := args.Get(0).(Money); ok {
		return outstanding, args.Error(1)
	}
	return 0, args.Error(1)
}

func (m *MockRepository) ListReceivedRepayments(ctx context.Context, loanID int64) ([]ReceivedRepayment, error) {
	args := m.Called(ctx, loanID)
	if receipts, ok := args.Get(0).([]ReceivedRepayment); ok {
		return receipts, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetOpenLoanIDs(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if tx, ok := args.Get(0).(pgx.Tx); ok {
		return tx, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) CommitTx(ctx context.Context, tx pgx.Tx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockRepository) RollbackTx(ctx context.Context, tx pgx.Tx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

type MockBorrowerService struct {
	mock.Mock
}

func (m *MockBorrowerService) CreateBorrower(ctx context.Context, name, email string) (*borrower.Borrower, error) {
	args := m.Called(ctx, name, email)
	if b, ok := args.Get(0).(*borrower.Borrower); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBorrowerService) GetBorrower(ctx context.Context, borrowerID int64) (*borrower.Borrower, error) {
	args := m.Called(ctx, borrowerID)
	if b, ok := args.Get(0).(*borrower.Borrower); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBorrowerService) DeactivateBorrower(ctx context.Context, borrowerID int64) error {
	args := m.Called(ctx, borrowerID)
	return args.Error(0)
}

func (m *MockBorrowerService) ReactivateBorrower(ctx context.Context, borrowerID int64) error {
	args := m.Called(ctx, borrowerID)
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

func activeBorrower(id int64) *borrower.Borrower {
	return &borrower.Borrower{ID: id, Name: "Jane Tan", Email: "jane@example.com", Active: true}
}

func dueLoan(id int64, outstanding Money) *Loan {
	return &Loan{
		ID:                id,
		BorrowerID:        1,
		Amount:            500000,
		OutstandingAmount: outstanding,
		CurrencyCode:      CurrencySGD,
		Terms:             3,
		Status:            StatusDue,
		ProcessedAt:       date(2025, time.January, 15),
	}
}

func TestCreateLoanSuccess(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	publisher := new(MockEventPublisher)
	svc := NewLoanService(repo, borrowers, publisher, logger)
	ctx := context.Background()

	borrowers.On("GetBorrower", ctx, int64(1)).Return(activeBorrower(1), nil)
	created := dueLoan(7, 500000)
	repo.On("CreateLoan", ctx, mock.AnythingOfType("*loan.Loan"), mock.AnythingOfType("[]loan.ScheduledRepayment")).
		Run(func(args mock.Arguments) {
			schedule := args.Get(2).([]ScheduledRepayment)
			assert.Len(t, schedule, 3)
			assert.Equal(t, Money(166668), schedule[2].Amount)
		}).
		Return(created, nil)
	publisher.On("PublishLoanCreated", ctx, mock.AnythingOfType("event.LoanCreatedEvent")).Return(nil)

	l, err := svc.CreateLoan(ctx, 1, 500000, CurrencySGD, 3, date(2025, time.January, 15))
	require.NoError(t, err)
	assert.Equal(t, int64(7), l.ID)
	repo.AssertExpectations(t)
	borrowers.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestCreateLoanRejectsInactiveBorrower(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	inactive := activeBorrower(1)
	inactive.Active = false
	borrowers.On("GetBorrower", ctx, int64(1)).Return(inactive, nil)

	_, err := svc.CreateLoan(ctx, 1, 500000, CurrencySGD, 3, date(2025, time.January, 15))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	repo.AssertNotCalled(t, "CreateLoan")
}

func TestCreateLoanRejectsUnknownBorrower(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	borrowers.On("GetBorrower", ctx, int64(99)).Return(nil, apperrors.ErrNotFound)

	_, err := svc.CreateLoan(ctx, 99, 500000, CurrencySGD, 3, date(2025, time.January, 15))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	repo.AssertNotCalled(t, "CreateLoan")
}

func TestCreateLoanRejectsInvalidPrincipal(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	borrowers.On("GetBorrower", ctx, int64(1)).Return(activeBorrower(1), nil)

	_, err := svc.CreateLoan(ctx, 1, 0, CurrencySGD, 3, date(2025, time.January, 15))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestRepayLoanFullInstallment(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	publisher := new(MockEventPublisher)
	svc := NewLoanService(repo, borrowers, publisher, logger)
	ctx := context.Background()

	open := []ScheduledRepayment{
		{ID: 10, LoanID: 1, Amount: 166666, OutstandingAmount: 166666, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
		{ID: 11, LoanID: 1, Amount: 166666, OutstandingAmount: 166666, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
		{ID: 12, LoanID: 1, Amount: 166668, OutstandingAmount: 166668, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
	}

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(dueLoan(1, 500000), nil)
	repo.On("InsertReceivedRepaymentInTx", ctx, tx, mock.AnythingOfType("*loan.ReceivedRepayment")).
		Run(func(args mock.Arguments) {
			receipt := args.Get(2).(*ReceivedRepayment)
			assert.Equal(t, Money(166666), receipt.Amount)
			assert.NotEmpty(t, receipt.Reference)
		}).
		Return(nil)
	repo.On("GetOpenSchedulesForUpdate", ctx, tx, int64(1)).Return(open, nil)
	repo.On("UpdateScheduleEntryInTx", ctx, tx, mock.AnythingOfType("*loan.ScheduledRepayment")).Return(nil).Once()
	repo.On("UpdateLoanInTx", ctx, tx, mock.AnythingOfType("*loan.Loan")).Return(nil)
	repo.On("CommitTx", ctx, tx).Return(nil)
	publisher.On("PublishRepaymentReceived", ctx, mock.AnythingOfType("event.RepaymentReceivedEvent")).Return(nil)

	l, err := svc.RepayLoan(ctx, 1, 166666, CurrencySGD, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Money(333334), l.OutstandingAmount)
	assert.Equal(t, StatusDue, l.Status)
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "RollbackTx", ctx, tx)
}

func TestRepayLoanClosesLoan(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	publisher := new(MockEventPublisher)
	svc := NewLoanService(repo, borrowers, publisher, logger)
	ctx := context.Background()

	open := []ScheduledRepayment{
		{ID: 12, LoanID: 1, Amount: 166668, OutstandingAmount: 166668, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
	}

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(dueLoan(1, 166668), nil)
	repo.On("InsertReceivedRepaymentInTx", ctx, tx, mock.AnythingOfType("*loan.ReceivedRepayment")).Return(nil)
	repo.On("GetOpenSchedulesForUpdate", ctx, tx, int64(1)).Return(open, nil)
	repo.On("UpdateScheduleEntryInTx", ctx, tx, mock.AnythingOfType("*loan.ScheduledRepayment")).Return(nil)
	repo.On("UpdateLoanInTx", ctx, tx, mock.MatchedBy(func(l *Loan) bool {
		return l.OutstandingAmount == 0 && l.Status == StatusRepaid
	})).Return(nil)
	repo.On("CommitTx", ctx, tx).Return(nil)
	publisher.On("PublishRepaymentReceived", ctx, mock.AnythingOfType("event.RepaymentReceivedEvent")).Return(nil)
	publisher.On("PublishLoanRepaid", ctx, mock.AnythingOfType("event.LoanRepaidEvent")).Return(nil)

	l, err := svc.RepayLoan(ctx, 1, 166668, CurrencySGD, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusRepaid, l.Status)
	publisher.AssertExpectations(t)
}

func TestRepayLoanSurplusStillRecordsFullReceipt(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	open := []ScheduledRepayment{
		{ID: 12, LoanID: 1, Amount: 100000, OutstandingAmount: 100000, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
	}

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(dueLoan(1, 100000), nil)
	repo.On("InsertReceivedRepaymentInTx", ctx, tx, mock.MatchedBy(func(receipt *ReceivedRepayment) bool {
		return receipt.Amount == 150000
	})).Return(nil)
	repo.On("GetOpenSchedulesForUpdate", ctx, tx, int64(1)).Return(open, nil)
	repo.On("UpdateScheduleEntryInTx", ctx, tx, mock.AnythingOfType("*loan.ScheduledRepayment")).Return(nil)
	repo.On("UpdateLoanInTx", ctx, tx, mock.AnythingOfType("*loan.Loan")).Return(nil)
	repo.On("CommitTx", ctx, tx).Return(nil)

	l, err := svc.RepayLoan(ctx, 1, 150000, CurrencySGD, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Money(0), l.OutstandingAmount)
	repo.AssertExpectations(t)
}

func TestRepayLoanOnFullyRepaidLoanRecordsReceiptOnly(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repaid := dueLoan(1, 0)
	repaid.Status = StatusRepaid

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(repaid, nil)
	repo.On("InsertReceivedRepaymentInTx", ctx, tx, mock.AnythingOfType("*loan.ReceivedRepayment")).Return(nil)
	repo.On("GetOpenSchedulesForUpdate", ctx, tx, int64(1)).Return([]ScheduledRepayment{}, nil)
	repo.On("UpdateLoanInTx", ctx, tx, mock.AnythingOfType("*loan.Loan")).Return(nil)
	repo.On("CommitTx", ctx, tx).Return(nil)

	l, err := svc.RepayLoan(ctx, 1, 50000, CurrencySGD, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Money(0), l.OutstandingAmount)
	repo.AssertNotCalled(t, "UpdateScheduleEntryInTx", ctx, tx, mock.Anything)
}

func TestRepayLoanCurrencyMismatchRollsBack(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(dueLoan(1, 500000), nil)
	repo.On("RollbackTx", ctx, tx).Return(nil)

	_, err := svc.RepayLoan(ctx, 1, 100000, CurrencyVND, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	repo.AssertCalled(t, "RollbackTx", ctx, tx)
	repo.AssertNotCalled(t, "InsertReceivedRepaymentInTx", ctx, tx, mock.Anything)
}

func TestRepayLoanNotFoundRollsBack(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(404)).Return(nil, apperrors.ErrNotFound)
	repo.On("RollbackTx", ctx, tx).Return(nil)

	_, err := svc.RepayLoan(ctx, 404, 100000, CurrencySGD, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	repo.AssertCalled(t, "RollbackTx", ctx, tx)
}

func TestRepayLoanRejectsNonPositiveAmount(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	_, err := svc.RepayLoan(ctx, 1, 0, CurrencySGD, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	repo.AssertNotCalled(t, "BeginTx", ctx)
}

func TestRepayLoanRejectsUnsupportedCurrency(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	_, err := svc.RepayLoan(ctx, 1, 100000, Currency("USD"), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedCurrency)
	repo.AssertNotCalled(t, "BeginTx", ctx)
}

func TestRepayLoanCommitFailureSurfacesError(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	open := []ScheduledRepayment{
		{ID: 12, LoanID: 1, Amount: 100000, OutstandingAmount: 100000, CurrencyCode: CurrencySGD, Status: RepaymentStatusDue},
	}

	repo.On("BeginTx", ctx).Return(tx, nil)
	repo.On("GetLoanByIDForUpdate", ctx, tx, int64(1)).Return(dueLoan(1, 100000), nil)
	repo.On("InsertReceivedRepaymentInTx", ctx, tx, mock.AnythingOfType("*loan.ReceivedRepayment")).Return(nil)
	repo.On("GetOpenSchedulesForUpdate", ctx, tx, int64(1)).Return(open, nil)
	repo.On("UpdateScheduleEntryInTx", ctx, tx, mock.AnythingOfType("*loan.ScheduledRepayment")).Return(nil)
	repo.On("UpdateLoanInTx", ctx, tx, mock.AnythingOfType("*loan.Loan")).Return(nil)
	repo.On("CommitTx", ctx, tx).Return(errors.New("commit failed"))
	repo.On("RollbackTx", ctx, tx).Return(nil)

	_, err := svc.RepayLoan(ctx, 1, 100000, CurrencySGD, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrInternalServer)
}

func TestGetLoanAttachesSchedule(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	schedule := []ScheduledRepayment{{ID: 10, LoanID: 1, Amount: 500000, OutstandingAmount: 500000}}
	repo.On("GetLoanByID", ctx, int64(1)).Return(dueLoan(1, 500000), nil)
	repo.On("GetScheduleByLoanID", ctx, int64(1)).Return(schedule, nil)

	l, err := svc.GetLoan(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, l.Schedule, 1)
}

func TestGetLoanNotFound(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("GetLoanByID", ctx, int64(404)).Return(nil, apperrors.ErrNotFound)

	_, err := svc.GetLoan(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetScheduleEmptyForUnknownLoan(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("GetScheduleByLoanID", ctx, int64(404)).Return([]ScheduledRepayment{}, nil)
	repo.On("GetLoanByID", ctx, int64(404)).Return(nil, apperrors.ErrNotFound)

	_, err := svc.GetSchedule(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetScheduleEmptySurfacesLoanLookupError(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("GetScheduleByLoanID", ctx, int64(1)).Return([]ScheduledRepayment{}, nil)
	repo.On("GetLoanByID", ctx, int64(1)).Return(nil, errors.New("connection reset"))

	_, err := svc.GetSchedule(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrInternalServer)
}

func TestGetOutstanding(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("GetLoanByID", ctx, int64(1)).Return(dueLoan(1, 333334), nil)
	repo.On("GetTotalOutstandingAmount", ctx, int64(1)).Return(Money(333334), nil)

	outstanding, err := svc.GetOutstanding(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Money(333334), outstanding)
}

func TestListReceiptsNotFound(t *testing.T) {
	repo := new(MockRepository)
	borrowers := new(MockBorrowerService)
	svc := NewLoanService(repo, borrowers, nil, logger)
	ctx := context.Background()

	repo.On("GetLoanByID", ctx, int64(404)).Return(nil, apperrors.ErrNotFound)

	_, err := svc.ListReceipts(ctx, 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	repo.AssertNotCalled(t, "ListReceivedRepayments", ctx, int64(404))
}
