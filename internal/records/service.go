// Package records is the server side of record sync: a generic store of
// client-identified JSON documents per resource, updated last-writer-wins.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"
)

const defaultListLimit = 100

// Broadcaster fans record writes out to live watchers.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

type header struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service struct {
	db      db.Querier
	hub     Broadcaster
	schemas map[string]*jsonschema.Schema
	log     *zap.Logger
}

func NewService(q db.Querier, hub Broadcaster, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return &Service{db: q, hub: hub, schemas: schemas, log: log}, nil
}

// Resources lists the resource names the service accepts.
func (s *Service) Resources() []string {
	out := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create stores payload unless a record with the same id exists, in which case
// the stored copy is returned with created=false.
func (s *Service) Create(ctx context.Context, resource string, payload []byte) (stored json.RawMessage, created bool, err error) {
	h, err := s.validate(resource, payload)
	if err != nil {
		return nil, false, err
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO records (resource, id, payload, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (resource, id) DO NOTHING
	`, resource, h.ID, payload, h.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert %s %s: %w", resource, h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, resource, h.ID)
		return existing, false, err
	}
	s.publish(h.ID, payload)
	s.log.Info("record created", zap.String("resource", resource), zap.String("id", h.ID))
	return payload, true, nil
}

func (s *Service) Get(ctx context.Context, resource, id string) (json.RawMessage, error) {
	if _, ok := s.schemas[resource]; !ok {
		return nil, fmt.Errorf("resource %q: %w", resource, apperr.ErrNotFound)
	}
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT payload FROM records WHERE resource=$1 AND id=$2
	`, resource, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", resource, id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s %s: %w", resource, id, err)
	}
	return payload, nil
}

// Update replaces the stored record when payload is at least as new. A stale
// write returns the stored copy together with apperr.ErrConflict.
func (s *Service) Update(ctx context.Context, resource, id string, payload []byte) (json.RawMessage, error) {
	h, err := s.validate(resource, payload)
	if err != nil {
		return nil, err
	}
	if h.ID != id {
		return nil, fmt.Errorf("%w: body id %q does not match %q", apperr.ErrValidationFailed, h.ID, id)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE records SET payload=$3, updated_at=$4
		WHERE resource=$1 AND id=$2 AND updated_at <= $4
	`, resource, id, payload, h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := s.Get(ctx, resource, id)
		if err != nil {
			return nil, err
		}
		s.log.Info("stale write rejected", zap.String("resource", resource), zap.String("id", id), zap.Time("updated_at", h.UpdatedAt))
		return stored, fmt.Errorf("%s %s: %w", resource, id, apperr.ErrConflict)
	}
	s.publish(id, payload)
	return payload, nil
}

// List returns records of resource changed after since, oldest first.
func (s *Service) List(ctx context.Context, resource string, since time.Time, limit int) ([]json.RawMessage, error) {
	if _, ok := s.schemas[resource]; !ok {
		return nil, fmt.Errorf("resource %q: %w", resource, apperr.ErrNotFound)
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT payload FROM records
		WHERE resource=$1 AND updated_at > $2
		ORDER BY updated_at
		LIMIT $3
	`, resource, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resource, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (s *Service) validate(resource string, payload []byte) (header, error) {
	schema, ok := s.schemas[resource]
	if !ok {
		return header{}, fmt.Errorf("resource %q: %w", resource, apperr.ErrNotFound)
	}
	if result := schema.ValidateJSON(payload); !result.IsValid() {
		return header{}, fmt.Errorf("%w: %v", apperr.ErrValidationFailed, result.Errors)
	}
	var h header
	if err := json.Unmarshal(payload, &h); err != nil {
		return header{}, fmt.Errorf("%w: %v", apperr.ErrValidationFailed, err)
	}
	return h, nil
}

func (s *Service) publish(id string, payload []byte) {
	if s.hub != nil {
		s.hub.Broadcast(id, payload)
	}
}
