// Package payment records walk payments on the same offline-first sync path
// as walks. Gateway integration is not handled here.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/walk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusCaptured Status = "captured"
	StatusRefunded Status = "refunded"
)

type Record struct {
	ID        string    `json:"id"`
	WalkID    string    `json:"walk_id"`
	OwnerID   string    `json:"owner_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Status    Status    `json:"status"`
	IsSynced  bool      `json:"is_synced"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) RecordID() string           { return r.ID }
func (r Record) RecordUpdatedAt() time.Time { return r.UpdatedAt }

func (r Record) WithSynced(synced bool) Record {
	r.IsSynced = synced
	return r
}

// Store persists payment records; *syncengine.Engine[Record] satisfies it.
type Store interface {
	Save(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
}

// namespace for payment ids derived from walk ids.
var namespace = uuid.MustParse("6f1c2a7e-4b8d-5e3f-9a10-2c4d6e8f0a1b")

// IDForWalk returns the payment id of a walk. The same walk always maps to
// the same payment.
func IDForWalk(walkID string) string {
	return uuid.NewSHA1(namespace, []byte(walkID)).String()
}

type Service struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, now: time.Now, log: log}
}

// CreateForWalk records a pending payment for a completed walk. Calling it
// again for the same walk returns the existing payment.
func (s *Service) CreateForWalk(ctx context.Context, w walk.Record) (Record, error) {
	if w.Status != walk.StatusCompleted {
		return Record{}, fmt.Errorf("%w: walk %s is %s", apperr.ErrInvalidTransition, w.ID, w.Status)
	}
	id := IDForWalk(w.ID)
	existing, err := s.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return Record{}, err
	}

	rec := Record{
		ID:        id,
		WalkID:    w.ID,
		OwnerID:   w.OwnerID,
		Amount:    w.Price,
		Currency:  w.Currency,
		Status:    StatusPending,
		UpdatedAt: s.now(),
	}
	saved, err := s.store.Save(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.log.Info("payment recorded", zap.String("payment_id", id), zap.String("walk_id", w.ID), zap.Float64("amount", w.Price))
	return saved, nil
}

func (s *Service) Capture(ctx context.Context, id string) (Record, error) {
	return s.move(ctx, id, StatusPending, StatusCaptured)
}

func (s *Service) Refund(ctx context.Context, id string) (Record, error) {
	return s.move(ctx, id, StatusCaptured, StatusRefunded)
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) move(ctx context.Context, id string, from, to Status) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != from {
		return Record{}, fmt.Errorf("%w: payment %s is %s", apperr.ErrInvalidTransition, id, rec.Status)
	}
	rec.Status = to
	rec.UpdatedAt = s.now()
	return s.store.Save(ctx, rec)
}
