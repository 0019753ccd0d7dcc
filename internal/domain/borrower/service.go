package borrower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lending-engine/internal/event"
	"lending-engine/internal/pkg/apperrors"
)

type BorrowerService interface {
	CreateBorrower(ctx context.Context, name, email string) (*Borrower, error)
	GetBorrower(ctx context.Context, borrowerID int64) (*Borrower, error)
	DeactivateBorrower(ctx context.Context, borrowerID int64) error
	ReactivateBorrower(ctx context.Context, borrowerID int64) error
}

var _ BorrowerService = (*borrowerService)(nil)

type borrowerService struct {
	repo   BorrowerRepository
	pub    event.EventPublisher
	logger *slog.Logger
}

func NewBorrowerService(repo BorrowerRepository, pub event.EventPublisher, logger *slog.Logger) BorrowerService {
	if repo == nil {
		panic("borrower repository cannot be nil")
	}
	return &borrowerService{
		repo:   repo,
		pub:    pub,
		logger: logger.With(slog.String("component", "BorrowerService")),
	}
}

func (s *borrowerService) CreateBorrower(ctx context.Context, name, email string) (*Borrower, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return nil, apperrors.NewValidationError("name", "name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.NewValidationError("email", "a valid email address is required")
	}

	b := NewBorrower(name, email)
	if err := s.repo.Save(ctx, b); err != nil {
		s.logger.ErrorContext(ctx, "Failed to save borrower", "error", err)
		return nil, fmt.Errorf("failed to save borrower: %w", err)
	}
	s.logger.InfoContext(ctx, "Borrower created", "borrowerID", b.ID)

	if s.pub != nil {
		evt := event.BorrowerCreatedEvent{
			BorrowerID: b.ID,
			Name:       b.Name,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.pub.PublishBorrowerCreated(ctx, evt); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish borrower created event", "borrowerID", b.ID, "error", err)
		}
	}
	return b, nil
}

func (s *borrowerService) GetBorrower(ctx context.Context, borrowerID int64) (*Borrower, error) {
	b, err := s.repo.FindByID(ctx, borrowerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "Borrower not found", "borrowerID", borrowerID)
			return nil, fmt.Errorf("%w: borrower with ID %d not found", apperrors.ErrNotFound, borrowerID)
		}
		return nil, fmt.Errorf("failed to find borrower %d: %w", borrowerID, err)
	}
	return b, nil
}

func (s *borrowerService) DeactivateBorrower(ctx context.Context, borrowerID int64) error {
	return s.setActive(ctx, borrowerID, false)
}

func (s *borrowerService) ReactivateBorrower(ctx context.Context, borrowerID int64) error {
	return s.setActive(ctx, borrowerID, true)
}

func (s *borrowerService) setActive(ctx context.Context, borrowerID int64, active bool) error {
	if err := s.repo.SetActiveStatus(ctx, borrowerID, active); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: borrower with ID %d not found", apperrors.ErrNotFound, borrowerID)
		}
		s.logger.ErrorContext(ctx, "Failed to update borrower active status", "borrowerID", borrowerID, "error", err)
		return fmt.Errorf("failed to update borrower %d: %w", borrowerID, err)
	}
	s.logger.InfoContext(ctx, "Borrower active status updated", "borrowerID", borrowerID, "active", active)
	return nil
}
