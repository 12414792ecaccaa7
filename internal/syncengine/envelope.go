package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/gowebpki/jcs"
)

// State is the sync lifecycle position of one stored record.
type State string

const (
	StateLocalOnly   State = "local_only"
	StatePendingPush State = "pending_push"
	StateSynced      State = "synced"
	StateConflict    State = "conflict"
)

// Record is the constraint for types managed by an Engine. WithSynced
// returns a copy carrying the given sync flag.
type Record[T any] interface {
	RecordID() string
	RecordUpdatedAt() time.Time
	WithSynced(bool) T
}

// StoredEnvelope is the durable, type-erased form of an Envelope.
type StoredEnvelope struct {
	Kind      string
	ID        string
	Payload   []byte
	Revision  time.Time
	IsSynced  bool
	State     State
	Attempts  int
	LastError string
	Checksum  string
	StoredAt  time.Time
}

// Envelope wraps a record with its local sync bookkeeping.
type Envelope[T any] struct {
	Record    T         `json:"record"`
	Revision  time.Time `json:"revision"`
	IsSynced  bool      `json:"is_synced"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Checksum  string    `json:"checksum"`
}

var ErrUnsyncedPurge = errors.New("refusing to purge unsynced record")

// LocalStore is the durable device-side store. Get returns an error wrapping
// apperr.ErrNotFound for unknown ids; Delete must refuse unsynced rows with
// ErrUnsyncedPurge.
type LocalStore interface {
	Upsert(ctx context.Context, env StoredEnvelope) error
	Get(ctx context.Context, kind, id string) (StoredEnvelope, error)
	List(ctx context.Context, kind string) ([]StoredEnvelope, error)
	ListUnsynced(ctx context.Context, kind string) ([]StoredEnvelope, error)
	Delete(ctx context.Context, kind, id string) error
}

// Remote is the source-of-truth API. Fetch returns apperr.ErrNotFound for
// unknown ids; Update returns apperr.ErrConflict when the server holds a
// newer revision. Transport failures wrap apperr.ErrRemoteUnavailable.
type Remote[T any] interface {
	Create(ctx context.Context, rec T) (T, error)
	Fetch(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, id string, rec T) (T, error)
}

// Checksum is the sha256 of the RFC 8785 canonical JSON of v.
func Checksum(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
