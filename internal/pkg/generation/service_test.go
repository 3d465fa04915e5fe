package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/storage"
	"github.com/ManuelReschke/PetFox/internal/pkg/testutil"
	"github.com/ManuelReschke/PetFox/internal/pkg/usage"
)

// fakeGenerator fails for every source ref listed in fail.
type fakeGenerator struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeGenerator) Generate(_ context.Context, theme, sourceRef string) (*Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sourceRef)
	if f.fail[sourceRef] {
		return nil, errors.New("provider timeout")
	}
	return &Output{Data: []byte(theme + ":" + sourceRef), ContentType: "image/png"}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	db    *gorm.DB
	svc   *Service
	gen   *fakeGenerator
	store *storage.MemoryStore
	acct  *models.Account
}

func newHarness(t *testing.T, balance int, opts ...Option) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	now := time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)
	l := ledger.New(db, zap.NewNop(), ledger.WithClock(func() time.Time { return now }))
	gate := usage.NewGate(db, l, entitlements.DefaultCatalog(), zap.NewNop())
	gen := &fakeGenerator{fail: map[string]bool{}}
	store := storage.NewMemoryStore()

	a := &models.Account{NormalizedEmail: "bidu@example.com", CreditBalance: balance, PlanTier: models.PlanTierEssential, LastResetAt: &now}
	require.NoError(t, db.Create(a).Error)

	return &harness{
		db:    db,
		svc:   NewService(db, gate, l, gen, store, zap.NewNop(), opts...),
		gen:   gen,
		store: store,
		acct:  a,
	}
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	var a models.Account
	require.NoError(t, h.db.First(&a, h.acct.ID).Error)
	return a.CreditBalance
}

func TestRunProducesOneGenerationPerSource(t *testing.T) {
	h := newHarness(t, 5)
	res, err := h.svc.Run(context.Background(), h.acct.ID, Request{
		Theme:      "astronaut",
		SourceRefs: []string{"https://img.test/a.jpg", "https://img.test/b.jpg"},
	})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 2, res.Succeeded())
	assert.Zero(t, res.Refunded)
	assert.Equal(t, 2, h.store.Len())
	assert.True(t, strings.HasPrefix(res.Units[0].ResultRef, "memory://generations/2025/05/"))

	list, err := h.svc.List(context.Background(), h.acct.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "astronaut", list[0].Theme)
}

func TestRunDeniedCarriesRemaining(t *testing.T) {
	h := newHarness(t, 1)
	res, err := h.svc.Run(context.Background(), h.acct.ID, Request{
		Theme:      "pirate",
		SourceRefs: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, 1, res.Remaining)
	assert.Zero(t, h.gen.callCount(), "provider is never called without a debit")
}

func TestRunRefundsTotalFailure(t *testing.T) {
	h := newHarness(t, 4)
	h.gen.fail["a"] = true
	h.gen.fail["b"] = true

	res, err := h.svc.Run(context.Background(), h.acct.ID, Request{Theme: "chef", SourceRefs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded())
	assert.Equal(t, 2, res.Refunded)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, 4, h.balance(t))
}

func TestRunPartialFailurePolicy(t *testing.T) {
	t.Run("kept by default", func(t *testing.T) {
		h := newHarness(t, 4)
		h.gen.fail["b"] = true
		res, err := h.svc.Run(context.Background(), h.acct.ID, Request{Theme: "chef", SourceRefs: []string{"a", "b", "c"}})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Succeeded())
		assert.Zero(t, res.Refunded)
		assert.Equal(t, 1, h.balance(t))
		assert.Equal(t, "generation_failed", res.Units[1].Error)
	})

	t.Run("refunded when enabled", func(t *testing.T) {
		h := newHarness(t, 4, WithPartialRefunds(true))
		h.gen.fail["b"] = true
		res, err := h.svc.Run(context.Background(), h.acct.ID, Request{Theme: "chef", SourceRefs: []string{"a", "b", "c"}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Refunded)
		assert.Equal(t, 2, h.balance(t))
	})
}

func TestRunReplayOnlyProducesMissingUnits(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	req := Request{Theme: "viking", SourceRefs: []string{"a", "b", "c"}, IdempotencyKey: "upload-7"}
	h.gen.fail["c"] = true

	first, err := h.svc.Run(ctx, h.acct.ID, req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded())
	assert.Equal(t, 2, h.balance(t))
	assert.Equal(t, 3, h.gen.callCount())

	h.gen.fail["c"] = false
	second, err := h.svc.Run(ctx, h.acct.ID, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Equal(t, 3, second.Succeeded())
	assert.Equal(t, 4, h.gen.callCount(), "only the missing unit is generated again")
	assert.Equal(t, 2, h.balance(t), "no second debit")
	assert.Equal(t, first.Units[0].GenerationID, second.Units[0].GenerationID)
}

func TestRunReplayAfterRefundDoesNotRegenerate(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	req := Request{Theme: "viking", SourceRefs: []string{"a"}, IdempotencyKey: "upload-8"}
	h.gen.fail["a"] = true

	_, err := h.svc.Run(ctx, h.acct.ID, req)
	require.NoError(t, err)
	assert.Equal(t, 3, h.balance(t))

	h.gen.fail["a"] = false
	res, err := h.svc.Run(ctx, h.acct.ID, req)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded())
	assert.Equal(t, "refunded", res.Units[0].Error)
	assert.Equal(t, 1, h.gen.callCount())
}

func TestRunValidation(t *testing.T) {
	h := newHarness(t, 50)
	ctx := context.Background()

	_, err := h.svc.Run(ctx, h.acct.ID, Request{SourceRefs: []string{"a"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.svc.Run(ctx, h.acct.ID, Request{Theme: "x"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.svc.Run(ctx, h.acct.ID, Request{Theme: "x", SourceRefs: make([]string, 11)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.svc.Run(ctx, h.acct.ID, Request{Theme: "x", SourceRefs: []string{"a"}, IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = h.svc.Run(ctx, h.acct.ID, Request{Theme: "x", SourceRefs: []string{"a", "b"}, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "key reused for a different batch size")
}

func TestHTTPGenerator(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/inline":
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"image_base64":"` + base64.StdEncoding.EncodeToString(png) + `"}`))
		case "/linked":
			_, _ = w.Write([]byte(`{"url":"` + srv.URL + `/file"}`))
		case "/file":
			w.Header().Set("Content-Type", "image/webp")
			_, _ = w.Write(png)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	out, err := NewHTTPGenerator(srv.URL+"/inline", "key", time.Second).Generate(ctx, "chef", "https://img.test/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, png, out.Data)
	assert.Equal(t, "image/png", out.ContentType)

	out, err = NewHTTPGenerator(srv.URL+"/linked", "", time.Second).Generate(ctx, "chef", "a")
	require.NoError(t, err)
	assert.Equal(t, png, out.Data)
	assert.Equal(t, "image/webp", out.ContentType)

	_, err = NewHTTPGenerator(srv.URL+"/broken", "", time.Second).Generate(ctx, "chef", "a")
	assert.Error(t, err)

	_, err = NewHTTPGenerator("", "", time.Second).Generate(ctx, "chef", "a")
	assert.Error(t, err)
}
