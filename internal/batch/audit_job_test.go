package batch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"lending-engine/internal/batch"
	"lending-engine/internal/domain/loan"
	"lending-engine/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockLoanRepository struct {
	mock.Mock
}

type TxMock struct {
	pgx.Tx
}

func (m *MockLoanRepository) CreateLoan(ctx context.Context, newLoan *loan.Loan, schedule []loan.ScheduledRepayment) (*loan.Loan, error) {
	args := m.Called(ctx, newLoan, schedule)
	if l, ok := args.Get(0).(*loan.Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) GetLoanByID(ctx context.Context, loanID int64) (*loan.Loan, error) {
	args := m.Called(ctx, loanID)
	if l, ok := args.Get(0).(*loan.Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) GetLoanByIDForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) (*loan.Loan, error) {
	args := m.Called(ctx, tx, loanID)
	if l, ok := args.Get(0).(*loan.Loan); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) GetScheduleByLoanID(ctx context.Context, loanID int64) ([]loan.ScheduledRepayment, error) {
	args := m.Called(ctx, loanID)
	if schedule, ok := args.Get(0).([]loan.ScheduledRepayment); ok {
		return schedule, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) GetOpenSchedulesForUpdate(ctx context.Context, tx pgx.Tx, loanID int64) ([]loan.ScheduledRepayment, error) {
	args := m.Called(ctx, tx, loanID)
	if schedule, ok := args.Get(0).([]loan.ScheduledRepayment); ok {
		return schedule, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) InsertReceivedRepaymentInTx(ctx context.Context, tx pgx.Tx, receipt *loan.ReceivedRepayment) error {
	args := m.Called(ctx, tx, receipt)
	return args.Error(0)
}

func (m *MockLoanRepository) UpdateScheduleEntryInTx(ctx context.Context, tx pgx.Tx, entry *loan.ScheduledRepayment) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *MockLoanRepository) UpdateLoanInTx(ctx context.Context, tx pgx.Tx, l *loan.Loan) error {
	args := m.Called(ctx, tx, l)
	return args.Error(0)
}

func (m *MockLoanRepository) GetTotalOutstandingAmount(ctx context.Context, loanID int64) (loan.Money, error) {
	args := m.Called(ctx, loanID)
	if outstanding, ok := args.Get(0).(loan.Money); ok {
		return outstanding, args.Error(1)
	}
	return 0, args.Error(1)
}

func (m *MockLoanRepository) ListReceivedRepayments(ctx context.Context, loanID int64) ([]loan.ReceivedRepayment, error) {
	args := m.Called(ctx, loanID)
	if receipts, ok := args.Get(0).([]loan.ReceivedRepayment); ok {
		return receipts, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) GetOpenLoanIDs(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).([]int64); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if tx, ok := args.Get(0).(pgx.Tx); ok {
		return tx, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLoanRepository) CommitTx(ctx context.Context, tx pgx.Tx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockLoanRepository) RollbackTx(ctx context.Context, tx pgx.Tx) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openLoan(id int64, outstanding loan.Money) *loan.Loan {
	return &loan.Loan{
		ID:                id,
		BorrowerID:        1,
		Amount:            500000,
		OutstandingAmount: outstanding,
		CurrencyCode:      loan.CurrencySGD,
		Terms:             3,
		Status:            loan.StatusDue,
		ProcessedAt:       time.Now(),
	}
}

func TestLedgerAuditJobRunCleanLedger(t *testing.T) {
	repo := new(MockLoanRepository)
	job := batch.NewLedgerAuditJob(repo, testLogger)
	ctx := context.Background()

	repo.On("GetOpenLoanIDs", ctx).Return([]int64{1, 2}, nil)
	repo.On("GetLoanByID", ctx, int64(1)).Return(openLoan(1, 333400), nil)
	repo.On("GetLoanByID", ctx, int64(2)).Return(openLoan(2, 500000), nil)
	repo.On("GetTotalOutstandingAmount", ctx, int64(1)).Return(loan.Money(333400), nil)
	repo.On("GetTotalOutstandingAmount", ctx, int64(2)).Return(loan.Money(500000), nil)

	err := job.Run(ctx)
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestLedgerAuditJobRunDetectsDrift(t *testing.T) {
	repo := new(MockLoanRepository)
	job := batch.NewLedgerAuditJob(repo, testLogger)
	ctx := context.Background()

	repo.On("GetOpenLoanIDs", ctx).Return([]int64{1}, nil)
	repo.On("GetLoanByID", ctx, int64(1)).Return(openLoan(1, 333400), nil)
	repo.On("GetTotalOutstandingAmount", ctx, int64(1)).Return(loan.Money(300000), nil)

	// Drift is reported, not treated as a job error.
	err := job.Run(ctx)
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestLedgerAuditJobRunNoOpenLoans(t *testing.T) {
	repo := new(MockLoanRepository)
	job := batch.NewLedgerAuditJob(repo, testLogger)
	ctx := context.Background()

	repo.On("GetOpenLoanIDs", ctx).Return([]int64{}, nil)

	err := job.Run(ctx)
	assert.NoError(t, err)
	repo.AssertNotCalled(t, "GetLoanByID")
}

func TestLedgerAuditJobRunAbortsWhenListingFails(t *testing.T) {
	repo := new(MockLoanRepository)
	job := batch.NewLedgerAuditJob(repo, testLogger)
	ctx := context.Background()

	repo.On("GetOpenLoanIDs", ctx).Return(nil, errors.New("db down"))

	err := job.Run(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get open loans")
}

func TestLedgerAuditJobRunCountsErrors(t *testing.T) {
	repo := new(MockLoanRepository)
	job := batch.NewLedgerAuditJob(repo, testLogger)
	ctx := context.Background()

	repo.On("GetOpenLoanIDs", ctx).Return([]int64{1, 2}, nil)
	repo.On("GetLoanByID", ctx, int64(1)).Return(nil, apperrors.ErrNotFound)
	repo.On("GetLoanByID", ctx, int64(2)).Return(nil, errors.New("scan failure"))

	err := job.Run(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors")
	repo.AssertExpectations(t)
}
