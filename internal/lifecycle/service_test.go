package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/systmms/keylife/internal/audit"
	"github.com/systmms/keylife/internal/keystore"
	"github.com/systmms/keylife/internal/logging"
)

// seqGen hands out ref-1, ref-2, ... and is safe for concurrent use.
type seqGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqGen) Generate(ctx context.Context, keyID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("ref-%d", g.n), nil
}

// errGen always fails.
type errGen struct{ err error }

func (g *errGen) Generate(ctx context.Context, keyID string) (string, error) {
	return "", g.err
}

// gateGen signals when generation starts and blocks until released, so
// tests can hold a rotation open in its generation phase.
type gateGen struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
	ref       string
}

func newGateGen(ref string) *gateGen {
	return &gateGen{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ref:     ref,
	}
}

func (g *gateGen) Generate(ctx context.Context, keyID string) (string, error) {
	g.startOnce.Do(func() { close(g.started) })
	<-g.release
	return g.ref, nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// commitFailStore lets a fixed number of commits through, then fails the
// rest with a storage error.
type commitFailStore struct {
	keystore.Store
	mu    sync.Mutex
	allow int
}

func (s *commitFailStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate keystore.Mutator) (keystore.KeyRecord, error) {
	s.mu.Lock()
	ok := s.allow > 0
	if ok {
		s.allow--
	}
	s.mu.Unlock()
	if !ok {
		return keystore.KeyRecord{}, errors.New("write rejected: disk full")
	}
	return s.Store.Commit(ctx, id, expectedVersion, mutate)
}

// commitSkipStore fails specific commits (counted from 1) with a storage
// error and passes the rest through.
type commitSkipStore struct {
	keystore.Store
	mu   sync.Mutex
	n    int
	fail map[int]bool
}

func (s *commitSkipStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate keystore.Mutator) (keystore.KeyRecord, error) {
	s.mu.Lock()
	s.n++
	fail := s.fail[s.n]
	s.mu.Unlock()
	if fail {
		return keystore.KeyRecord{}, errors.New("write rejected: disk full")
	}
	return s.Store.Commit(ctx, id, expectedVersion, mutate)
}

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(gen RefGenerator, opts ...Option) (*Service, keystore.Store) {
	store := keystore.NewMemoryStore()
	logger := logging.New(false, true)
	opts = append([]Option{WithClock(func() time.Time { return testBase })}, opts...)
	return NewService(store, gen, logger, opts...), store
}

func testSpec(id string) CreateSpec {
	return CreateSpec{
		ID:          id,
		SystemName:  "Redis",
		SystemType:  "cache",
		Env:         "prod",
		DisplayName: "Session cache",
	}
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService(&seqGen{})
	ctx := context.Background()

	rec, err := svc.Create(ctx, testSpec("k1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.ID != "k1" || rec.Version != 1 || rec.State != keystore.StateActive {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.CurrentRef != "ref-1" {
		t.Errorf("expected generated initial ref, got %q", rec.CurrentRef)
	}

	// Without an explicit id the service assigns one.
	anon, err := svc.Create(ctx, testSpec(""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if anon.ID == "" || anon.ID == "k1" {
		t.Errorf("expected a fresh assigned id, got %q", anon.ID)
	}

	// An explicit ref skips generation.
	spec := testSpec("k2")
	spec.Ref = "ref-byo"
	withRef, err := svc.Create(ctx, spec)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if withRef.CurrentRef != "ref-byo" {
		t.Errorf("expected caller-supplied ref, got %q", withRef.CurrentRef)
	}

	if _, err := svc.Create(ctx, testSpec("k1")); !errors.Is(err, keystore.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	bad := testSpec("k3")
	bad.SystemName = ""
	if _, err := svc.Create(ctx, bad); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestCreateGenerationFailure(t *testing.T) {
	svc, store := newTestService(&errGen{err: errors.New("provider unavailable")})
	ctx := context.Background()

	if _, err := svc.Create(ctx, testSpec("k1")); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if _, err := store.Get(ctx, "k1"); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("failed create must not leave a record behind, got %v", err)
	}
}

// TestLifecycleVersionSequence walks create, rotate, revoke and checks the
// version lands on 1, 3, 4: rotation commits twice, revocation once.
func TestLifecycleVersionSequence(t *testing.T) {
	svc, _ := newTestService(&seqGen{})
	ctx := context.Background()

	rec, err := svc.Create(ctx, testSpec("k1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1 after create, got %d", rec.Version)
	}

	rotated, err := svc.Rotate(ctx, "k1", 60*time.Second)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if rotated.Version != 3 {
		t.Errorf("expected version 3 after rotate, got %d", rotated.Version)
	}
	if rotated.State != keystore.StateActive {
		t.Errorf("expected active after rotate, got %s", rotated.State)
	}

	revoked, err := svc.Revoke(ctx, "k1")
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if revoked.Version != 4 {
		t.Errorf("expected version 4 after revoke, got %d", revoked.Version)
	}
}

func TestRotateGraceWindow(t *testing.T) {
	clock := &fakeClock{t: testBase}
	store := keystore.NewMemoryStore()
	svc := NewService(store, &seqGen{}, logging.New(false, true), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := svc.Create(ctx, testSpec("k1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rotated, err := svc.Rotate(ctx, "k1", 60*time.Second)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if rotated.PreviousRef != "ref-1" || rotated.CurrentRef != "ref-2" {
		t.Errorf("unexpected refs after rotate: %+v", rotated)
	}
	if rotated.GraceExpiresAt == nil || !rotated.GraceExpiresAt.Equal(testBase.Add(60*time.Second)) {
		t.Errorf("unexpected grace expiry: %v", rotated.GraceExpiresAt)
	}
	if !rotated.RefValidDuringGrace("ref-1", clock.Now()) {
		t.Error("previous ref must stay valid inside the grace window")
	}

	// Once the window closes the previous ref disappears from views.
	clock.Advance(61 * time.Second)
	got, err := svc.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.PreviousRef != "" || got.GraceExpiresAt != nil {
		t.Errorf("expired previous ref still visible: %+v", got)
	}
}

func TestRotateZeroGrace(t *testing.T) {
	svc, _ := newTestService(&seqGen{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, testSpec("k1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rotated, err := svc.Rotate(ctx, "k1", 0)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if rotated.PreviousRef != "" || rotated.GraceExpiresAt != nil {
		t.Errorf("zero grace must void the old ref immediately: %+v", rotated)
	}
}

// TestRotateGenerationFailureCompensates checks the compensating
// transition: a failed generation returns the record to Active with its
// references untouched, and the failure bumps the version twice (begin
// plus rollback) without ever losing the working reference.
func TestRotateGenerationFailureCompensates(t *testing.T) {
	trail := audit.NewLog(0)
	svc, store := newTestService(&errGen{err: errors.New("provider unavailable")}, WithAuditLog(trail))
	ctx := context.Background()

	spec := testSpec("k1")
	spec.Ref = "ref-keep"
	if _, err := svc.Create(ctx, spec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := svc.Rotate(ctx, "k1", 0)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}

	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateActive || rec.CurrentRef != "ref-keep" || rec.PreviousRef != "" {
		t.Errorf("compensation must restore the pre-rotation record: %+v", rec)
	}
	if rec.Version != 3 {
		t.Errorf("expected version 3 (begin + rollback), got %d", rec.Version)
	}

	var actions []string
	for _, e := range trail.Recent(0) {
		actions = append(actions, e.Action)
	}
	want := []string{"create_key", "begin_rotate", "compensate_rotate"}
	if len(actions) != len(want) {
		t.Fatalf("unexpected audit trail: %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("audit entry %d: expected %s, got %s", i, want[i], actions[i])
		}
	}
}

func TestRotateRejectsReusedRef(t *testing.T) {
	svc, store := newTestService(&seqGen{})
	ctx := context.Background()

	spec := testSpec("k1")
	spec.Ref = "ref-1" // collides with the generator's next output
	if _, err := svc.Create(ctx, spec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.Rotate(ctx, "k1", 0); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed for a reused ref, got %v", err)
	}

	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateActive || rec.CurrentRef != "ref-1" {
		t.Errorf("record must be compensated back to active: %+v", rec)
	}
}

// TestConcurrentRotateSingleWinner holds one rotation open in its
// generation phase and verifies a second rotation observes Rotating and
// fails fast instead of queueing.
func TestConcurrentRotateSingleWinner(t *testing.T) {
	gen := newGateGen("ref-next")
	svc, _ := newTestService(gen)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateSpec{
		ID: "k1", SystemName: "Redis", SystemType: "cache",
		Env: "prod", DisplayName: "Session cache", Ref: "ref-initial",
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := make(chan error, 1)
	var winner keystore.KeyRecord
	go func() {
		var err error
		winner, err = svc.Rotate(ctx, "k1", 0)
		done <- err
	}()

	<-gen.started // winner holds the Rotating state now

	if _, err := svc.Rotate(ctx, "k1", 0); !errors.Is(err, ErrRotationInProgress) {
		t.Errorf("expected ErrRotationInProgress for the loser, got %v", err)
	}

	close(gen.release)
	if err := <-done; err != nil {
		t.Fatalf("winning rotation failed: %v", err)
	}
	if winner.CurrentRef != "ref-next" || winner.Version != 3 {
		t.Errorf("unexpected winning record: %+v", winner)
	}
}

// TestRevokeDuringRotation revokes a key while its rotation is still
// generating; the rotation must observe the terminal state and fail
// without clobbering the revocation.
func TestRevokeDuringRotation(t *testing.T) {
	gen := newGateGen("ref-next")
	svc, store := newTestService(gen)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateSpec{
		ID: "k1", SystemName: "Redis", SystemType: "cache",
		Env: "prod", DisplayName: "Session cache", Ref: "ref-initial",
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Rotate(ctx, "k1", 0)
		done <- err
	}()

	<-gen.started

	if _, err := svc.Revoke(ctx, "k1"); err != nil {
		t.Fatalf("revoke during rotation failed: %v", err)
	}

	close(gen.release)
	if err := <-done; !errors.Is(err, ErrRotationFailed) {
		t.Errorf("expected ErrRotationFailed for the abandoned rotation, got %v", err)
	}

	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateRevoked {
		t.Errorf("revocation must stand: %+v", rec)
	}
}

func TestRotationIncomplete(t *testing.T) {
	base := &commitFailStore{Store: keystore.NewMemoryStore(), allow: 2}
	svc := NewService(base, &errGen{err: errors.New("provider unavailable")},
		logging.New(false, true), WithClock(func() time.Time { return testBase }))
	ctx := context.Background()

	spec := testSpec("k1")
	spec.Ref = "ref-initial"
	if _, err := svc.Create(ctx, spec); err != nil { // consumes nothing: Insert is not a commit
		t.Fatalf("create failed: %v", err)
	}

	base.mu.Lock()
	base.allow = 1 // begin lands, the compensating commit does not
	base.mu.Unlock()

	_, err := svc.Rotate(ctx, "k1", 0)
	if !errors.Is(err, ErrRotationIncomplete) {
		t.Fatalf("expected ErrRotationIncomplete, got %v", err)
	}
	if !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("the incomplete error must carry the original failure, got %v", err)
	}

	rec, err := base.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateRotating {
		t.Errorf("a stranded rotation leaves the record rotating: %+v", rec)
	}
}

// TestCompletionFailureCompensates loses the completion commit to a
// storage error after the new reference was generated; the service must
// roll the record back to Active and report a clean, retryable failure.
func TestCompletionFailureCompensates(t *testing.T) {
	base := &commitSkipStore{Store: keystore.NewMemoryStore(), fail: map[int]bool{2: true}}
	svc := NewService(base, &seqGen{}, logging.New(false, true),
		WithClock(func() time.Time { return testBase }))
	ctx := context.Background()

	spec := testSpec("k1")
	spec.Ref = "ref-initial"
	if _, err := svc.Create(ctx, spec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Commit 1 is begin, commit 2 is the completion (fails), commit 3 is
	// the compensating transition (lands).
	_, err := svc.Rotate(ctx, "k1", 0)
	if !errors.Is(err, ErrRotationFailed) {
		t.Fatalf("expected ErrRotationFailed, got %v", err)
	}
	if errors.Is(err, ErrRotationIncomplete) {
		t.Errorf("a compensated failure must not report incomplete: %v", err)
	}

	rec, err := base.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateActive || rec.CurrentRef != "ref-initial" {
		t.Errorf("compensation must restore the pre-rotation record: %+v", rec)
	}
	if rec.Version != 3 {
		t.Errorf("expected version 3 (begin + rollback), got %d", rec.Version)
	}
}

// TestCompletionFailureStranded loses both the completion commit and the
// compensating commit; only then does the failure surface as incomplete.
func TestCompletionFailureStranded(t *testing.T) {
	base := &commitSkipStore{Store: keystore.NewMemoryStore(), fail: map[int]bool{2: true, 3: true}}
	svc := NewService(base, &seqGen{}, logging.New(false, true),
		WithClock(func() time.Time { return testBase }))
	ctx := context.Background()

	spec := testSpec("k1")
	spec.Ref = "ref-initial"
	if _, err := svc.Create(ctx, spec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := svc.Rotate(ctx, "k1", 0)
	if !errors.Is(err, ErrRotationIncomplete) {
		t.Fatalf("expected ErrRotationIncomplete, got %v", err)
	}
	if errors.Is(err, ErrGenerationFailed) {
		t.Errorf("a storage failure must not masquerade as a generation failure: %v", err)
	}

	rec, err := base.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != keystore.StateRotating || rec.Version != 2 {
		t.Errorf("a stranded rotation leaves the record rotating: %+v", rec)
	}
	if rec.CurrentRef != "ref-initial" {
		t.Errorf("the stored reference must be untouched: %+v", rec)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	svc, store := newTestService(&seqGen{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, testSpec("k1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, err := svc.Revoke(ctx, "k1")
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	second, err := svc.Revoke(ctx, "k1")
	if err != nil {
		t.Fatalf("repeat revoke failed: %v", err)
	}
	if second.Version != first.Version {
		t.Errorf("repeat revoke must not mutate: versions %d vs %d", first.Version, second.Version)
	}

	// Revoked records expose no references to callers.
	if second.CurrentRef != "" || second.PreviousRef != "" {
		t.Errorf("revoked view must hide refs: %+v", second)
	}
	// While the stored record keeps them for the audit trail.
	stored, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.CurrentRef == "" {
		t.Errorf("stored record must keep refs: %+v", stored)
	}

	if _, err := svc.Rotate(ctx, "k1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition rotating a revoked key, got %v", err)
	}
}

func TestListSanitizes(t *testing.T) {
	svc, _ := newTestService(&seqGen{})
	ctx := context.Background()

	for _, id := range []string{"k1", "k2"} {
		if _, err := svc.Create(ctx, testSpec(id)); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	if _, err := svc.Revoke(ctx, "k1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	recs, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "k1" || recs[1].ID != "k2" {
		t.Fatalf("unexpected listing: %+v", recs)
	}
	if recs[0].CurrentRef != "" {
		t.Errorf("revoked record leaked its ref: %+v", recs[0])
	}
	if recs[1].CurrentRef == "" {
		t.Errorf("active record must keep its ref: %+v", recs[1])
	}
}
