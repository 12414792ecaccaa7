package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/syncengine"

	"github.com/stretchr/testify/require"
)

type item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i item) RecordID() string           { return i.ID }
func (i item) RecordUpdatedAt() time.Time { return i.UpdatedAt }
func (i item) WithSynced(bool) item       { return i }

var _ syncengine.Remote[item] = (*Client[item])(nil)

type fakeAPI struct {
	mu      sync.Mutex
	items   map[string]item
	headers []http.Header
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, r.Header.Clone())
	w.Header().Set("Content-Type", "application/json")

	id := strings.TrimPrefix(r.URL.Path, "/items/")
	switch r.Method {
	case http.MethodPost:
		var in item
		_ = json.NewDecoder(r.Body).Decode(&in)
		if existing, ok := f.items[in.ID]; ok {
			_ = json.NewEncoder(w).Encode(existing)
			return
		}
		f.items[in.ID] = in
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	case http.MethodGet:
		it, ok := f.items[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(it)
	case http.MethodPut:
		var in item
		_ = json.NewDecoder(r.Body).Decode(&in)
		if existing, ok := f.items[id]; ok && existing.UpdatedAt.After(in.UpdatedAt) {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(existing)
			return
		}
		f.items[id] = in
		_ = json.NewEncoder(w).Encode(in)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client[item] {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient[item](srv.URL, "items", "tok", 2*time.Second, nil)
}

func TestCreateFetchUpdate(t *testing.T) {
	api := &fakeAPI{items: map[string]item{}}
	c := newTestClient(t, api)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	_, err := c.Fetch(ctx, "i1")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	created, err := c.Create(ctx, item{ID: "i1", Name: "rex", UpdatedAt: at})
	require.NoError(t, err)
	require.Equal(t, "rex", created.Name)

	again, err := c.Create(ctx, item{ID: "i1", Name: "other", UpdatedAt: at})
	require.NoError(t, err)
	require.Equal(t, "rex", again.Name)

	updated, err := c.Update(ctx, "i1", item{ID: "i1", Name: "max", UpdatedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, "max", updated.Name)

	got, err := c.Fetch(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, "max", got.Name)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, "Bearer tok", api.headers[0].Get("Authorization"))
	require.Len(t, api.headers[1].Get("Idempotency-Key"), 64)
}

func TestUpdateStaleReturnsConflictWithStoredCopy(t *testing.T) {
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	api := &fakeAPI{items: map[string]item{"i1": {ID: "i1", Name: "server", UpdatedAt: at.Add(time.Hour)}}}
	c := newTestClient(t, api)

	stored, err := c.Update(context.Background(), "i1", item{ID: "i1", Name: "local", UpdatedAt: at})
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Equal(t, "server", stored.Name)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Fetch(context.Background(), "i1")
	require.ErrorIs(t, err, apperr.ErrRemoteUnavailable)
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, "http_502", apperr.CodeOf(err))
}

func TestClientErrorsArePermanent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"payload does not match schema"}`))
	}))

	_, err := c.Create(context.Background(), item{ID: "i1"})
	require.Error(t, err)
	require.False(t, apperr.IsRetryable(err))
	require.Equal(t, apperr.CategoryNetworkPermanent, apperr.CategoryOf(err))
	require.Contains(t, err.Error(), "payload does not match schema")
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient[item](url, "items", "", time.Second, nil)
	_, err := c.Fetch(context.Background(), "i1")
	require.ErrorIs(t, err, apperr.ErrRemoteUnavailable)
	require.True(t, apperr.IsRetryable(err))
	require.Equal(t, "transport", apperr.CodeOf(err))
}
