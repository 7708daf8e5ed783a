package contact

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "contact.db")))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, first, last string
	}{
		{"Awa Diop", "Awa", "Diop"},
		{"  Awa   Marie Diop ", "Awa", "Marie Diop"},
		{"Awa", "Awa", DefaultLastName},
		{"", DefaultFirstName, DefaultLastName},
	}
	for _, tt := range tests {
		first, last := SplitName(tt.in)
		if first != tt.first || last != tt.last {
			t.Errorf("SplitName(%q) = %q, %q; want %q, %q", tt.in, first, last, tt.first, tt.last)
		}
	}
}

func TestResolve_CreatesThenFinds(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := NewResolver(s)

	m, err := r.Resolve(ctx, "+221 77 123 45 67", "Awa Diop")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m == nil || m.Phone != "221771234567" || m.FirstName != "Awa" || m.LastName != "Diop" {
		t.Fatalf("unexpected member: %+v", m)
	}

	again, err := r.Resolve(ctx, "221771234567", "Someone Else")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if again.ID != m.ID || again.FirstName != "Awa" {
		t.Errorf("expected existing member to be returned, got %+v", again)
	}
}

func TestResolve_AutoCreateDisabled(t *testing.T) {
	s := newStore(t)
	r := NewResolver(s, WithAutoCreate(false))
	m, err := r.Resolve(context.Background(), "221771234567", "Awa")
	if err != nil || m != nil {
		t.Fatalf("expected nil member without error, got %+v, %v", m, err)
	}
	members, _ := s.ListMembers(context.Background())
	if len(members) != 0 {
		t.Errorf("expected no member created, got %d", len(members))
	}
}

func TestResolve_InvalidPhone(t *testing.T) {
	r := NewResolver(newStore(t))
	if _, err := r.Resolve(context.Background(), "unknown", ""); !errors.Is(err, models.ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestResolve_ConcurrentSamePhoneCreatesOneMember(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const workers = 16
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate resolvers behave like separate processes sharing the store.
			r := NewResolver(s)
			m, err := r.Resolve(ctx, "221771234567", "Awa Diop")
			errs[i] = err
			if m != nil {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got member %d, want %d", i, ids[i], ids[0])
		}
	}
	members, err := s.ListMembers(ctx)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected exactly one member, got %d", len(members))
	}
}

// racingStore simulates another process inserting the member between our
// lookup and our insert.
type racingStore struct {
	winner  *models.Member
	lookups atomic.Int32
}

func (s *racingStore) GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error) {
	if s.lookups.Add(1) == 1 {
		return nil, nil
	}
	return s.winner, nil
}

func (s *racingStore) CreateMember(ctx context.Context, in models.MemberInput) (*models.Member, error) {
	return nil, models.ErrConflict
}

func TestResolve_ConflictRereads(t *testing.T) {
	rs := &racingStore{winner: &models.Member{ID: 7, FirstName: "Awa", LastName: "Diop", Phone: "221771234567"}}
	m, err := NewResolver(rs).Resolve(context.Background(), "221771234567", "Awa")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.ID != 7 {
		t.Errorf("expected winner's member, got %+v", m)
	}
	if rs.lookups.Load() != 2 {
		t.Errorf("expected a re-read after conflict, got %d lookups", rs.lookups.Load())
	}
}

// blockingStore holds every lookup until release is closed. A lookup whose
// context ends first fails with the context error.
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	member  *models.Member
}

func (s *blockingStore) GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return s.member, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *blockingStore) CreateMember(ctx context.Context, in models.MemberInput) (*models.Member, error) {
	return nil, errors.New("unexpected create")
}

func TestResolve_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	bs := &blockingStore{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		member:  &models.Member{ID: 3, FirstName: "Awa", LastName: "Diop", Phone: "221771234567"},
	}
	r := NewResolver(bs)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, "221771234567", "Awa")
		firstErr <- err
	}()
	<-bs.entered

	type result struct {
		m   *models.Member
		err error
	}
	second := make(chan result, 1)
	go func() {
		m, err := r.Resolve(context.Background(), "221771234567", "Awa")
		second <- result{m, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller should see its own context error, got %v", err)
	}
	close(bs.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("waiter failed because another caller was cancelled: %v", res.err)
	}
	if res.m == nil || res.m.ID != 3 {
		t.Errorf("unexpected member %+v", res.m)
	}
}
