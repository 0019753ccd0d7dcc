package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lending-engine/internal/domain/loan"
	"lending-engine/internal/infrastructure/monitoring"
	"lending-engine/internal/pkg/apperrors"
)

// LedgerAuditJob re-checks the ledger invariant across all open loans: a
// loan's stored outstanding amount must equal the sum of its installment
// outstanding balances. Drift means a repayment transaction went wrong and
// needs investigation; the job reports, it does not repair.
type LedgerAuditJob struct {
	loanRepo loan.Repository
	logger   *slog.Logger
}

func NewLedgerAuditJob(loanRepo loan.Repository, logger *slog.Logger) *LedgerAuditJob {
	if loanRepo == nil || logger == nil {
		panic("LedgerAuditJob dependencies cannot be nil")
	}
	return &LedgerAuditJob{
		loanRepo: loanRepo,
		logger:   logger.With("job", "LedgerAudit"),
	}
}

func (j *LedgerAuditJob) Run(ctx context.Context) error {
	startTime := time.Now()
	j.logger.InfoContext(ctx, "Starting ledger audit job.")

	openLoanIDs, err := j.loanRepo.GetOpenLoanIDs(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to get open loan IDs, aborting job.", slog.Any("error", err))
		return fmt.Errorf("cannot run job, failed to get open loans: %w", err)
	}
	j.logger.InfoContext(ctx, "Fetched open loan IDs.", slog.Int("count", len(openLoanIDs)))

	if len(openLoanIDs) == 0 {
		j.logger.InfoContext(ctx, "No open loans found to audit.")
		j.logger.InfoContext(ctx, "Ledger audit job finished.", slog.Duration("duration", time.Since(startTime)))
		return nil
	}

	var wg sync.WaitGroup
	var auditedCount, driftCount, errorCount int32

	for _, loanID := range openLoanIDs {
		wg.Add(1)
		go func(currentLoanID int64) {
			defer wg.Done()

			logCtx := j.logger.With(slog.Int64("loanID", currentLoanID))

			l, loadErr := j.loanRepo.GetLoanByID(ctx, currentLoanID)
			if loadErr != nil {
				if errors.Is(loadErr, apperrors.ErrNotFound) {
					logCtx.WarnContext(ctx, "Loan disappeared during audit", slog.Any("error", loadErr))
				} else {
					logCtx.ErrorContext(ctx, "Failed to load loan for audit", slog.Any("error", loadErr))
					atomic.AddInt32(&errorCount, 1)
				}
				return
			}

			installmentSum, sumErr := j.loanRepo.GetTotalOutstandingAmount(ctx, currentLoanID)
			if sumErr != nil {
				logCtx.ErrorContext(ctx, "Failed to sum installment outstanding balances", slog.Any("error", sumErr))
				atomic.AddInt32(&errorCount, 1)
				return
			}

			if l.OutstandingAmount != installmentSum {
				logCtx.ErrorContext(ctx, "Ledger drift detected: stored outstanding disagrees with installment sum",
					slog.Int64("stored_outstanding", l.OutstandingAmount),
					slog.Int64("installment_sum", installmentSum))
				monitoring.RecordLedgerDrift()
				atomic.AddInt32(&driftCount, 1)
			}
			atomic.AddInt32(&auditedCount, 1)

		}(loanID)
	}

	wg.Wait()
	duration := time.Since(startTime)
	summaryLog := j.logger.With(
		slog.Duration("duration", duration),
		slog.Int("total_open_loans", len(openLoanIDs)),
		slog.Int("loans_audited", int(auditedCount)),
		slog.Int("drift_detected", int(driftCount)),
		slog.Int("errors_encountered", int(errorCount)),
	)
	if errorCount > 0 || driftCount > 0 {
		summaryLog.WarnContext(ctx, "Ledger audit job finished with findings.")
	} else {
		summaryLog.InfoContext(ctx, "Ledger audit job finished successfully.")
	}

	if errorCount > 0 {
		return fmt.Errorf("job completed with %d errors", errorCount)
	}
	return nil
}
