package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/keylife/internal/audit"
	"github.com/systmms/keylife/internal/keystore"
	"github.com/systmms/keylife/internal/logging"
	"github.com/systmms/keylife/internal/metrics"
)

// RefGenerator produces a new credential reference for a key. The
// reference identifies externally held secret material; the service
// never sees the material itself.
type RefGenerator interface {
	Generate(ctx context.Context, keyID string) (string, error)
}

const (
	defaultMaxAttempts     = 3
	defaultGenerateTimeout = 30 * time.Second
)

// Service drives key records through their lifecycle. Every write goes
// through the store's version-guarded commit, so concurrent operations
// on the same key resolve to a single winner per version and losers
// either retry or surface a lifecycle error.
type Service struct {
	store   keystore.Store
	gen     RefGenerator
	logger  *logging.Logger
	trail   *audit.Log
	metrics *metrics.LifecycleMetrics

	now         func() time.Time
	maxAttempts int
	genTimeout  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAuditLog attaches an audit trail that receives one entry per
// lifecycle transition.
func WithAuditLog(trail *audit.Log) Option {
	return func(s *Service) { s.trail = trail }
}

// WithMaxAttempts bounds how many times an operation retries a commit
// lost to a concurrent writer before giving up.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithGenerateTimeout bounds how long a single reference generation may
// take.
func WithGenerateTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.genTimeout = d
		}
	}
}

// NewService creates a lifecycle service over the given store and
// reference generator.
func NewService(store keystore.Store, gen RefGenerator, logger *logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		gen:         gen,
		logger:      logger,
		metrics:     metrics.NewLifecycleMetrics(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		genTimeout:  defaultGenerateTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) audit(action, keyID, detail string) {
	if s.trail == nil {
		return
	}
	s.trail.Record(audit.Entry{
		Timestamp: s.now().UTC(),
		Action:    action,
		KeyID:     keyID,
		Detail:    detail,
	})
}

// sanitize prepares a record for callers: revoked records never expose
// references, and a previous reference whose grace window has closed is
// void even if still physically stored.
func (s *Service) sanitize(rec keystore.KeyRecord) keystore.KeyRecord {
	if rec.State == keystore.StateRevoked {
		rec.CurrentRef = ""
		rec.PreviousRef = ""
		return rec
	}
	if rec.GraceExpiresAt != nil && !s.now().Before(*rec.GraceExpiresAt) {
		rec.PreviousRef = ""
		rec.GraceExpiresAt = nil
	}
	return rec
}

// Create validates the spec, resolves an initial reference, and inserts
// a fresh Active record at version 1.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (keystore.KeyRecord, error) {
	if err := spec.Validate(); err != nil {
		return keystore.KeyRecord{}, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	ref := spec.Ref
	if ref == "" {
		genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
		defer cancel()

		var err error
		ref, err = s.gen.Generate(genCtx, id)
		if err == nil && ref == "" {
			err = errors.New("generator returned an empty reference")
		}
		if err != nil {
			return keystore.KeyRecord{}, &GenerationError{KeyID: id, Err: err}
		}
	}

	rec := newRecord(spec, id, ref, s.now().UTC())
	if err := s.store.Insert(ctx, rec); err != nil {
		return keystore.KeyRecord{}, err
	}

	s.logger.Info("Created key %s for %s (%s/%s)", rec.ID, rec.SystemName, rec.SystemType, rec.Env)
	s.audit("create_key", rec.ID, fmt.Sprintf("%s (%s/%s)", rec.SystemName, rec.SystemType, rec.Env))
	s.metrics.RecordKeyCreated(rec.SystemType, rec.Env)
	return rec, nil
}

// Get returns the record for id, sanitized for external consumption.
func (s *Service) Get(ctx context.Context, id string) (keystore.KeyRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return keystore.KeyRecord{}, err
	}
	return s.sanitize(rec), nil
}

// List returns all records in creation order, sanitized.
func (s *Service) List(ctx context.Context) ([]keystore.KeyRecord, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i] = s.sanitize(recs[i])
	}
	return recs, nil
}

// Rotate runs the two-phase rotation: win the Active to Rotating
// transition, generate a new reference outside any lock, then commit the
// completion. Exactly one of any set of concurrent rotations wins the
// begin transition; the rest observe Rotating and fail fast. If
// generation fails, a compensating transition returns the record to
// Active with its references untouched.
func (s *Service) Rotate(ctx context.Context, id string, grace time.Duration) (keystore.KeyRecord, error) {
	start := s.now()

	rotating, err := s.begin(ctx, id)
	if err != nil {
		return keystore.KeyRecord{}, err
	}
	s.audit("begin_rotate", id, "")
	s.metrics.RecordRotationStarted(rotating.SystemType, rotating.Env)

	newRef, genErr := s.generate(ctx, id, rotating.CurrentRef)
	if genErr != nil {
		gerr := &GenerationError{KeyID: id, Err: genErr}
		if compErr := s.compensate(ctx, id); compErr != nil {
			s.logger.Error("Rotation of key %s stranded in rotating state: %v", id, compErr)
			s.metrics.RecordRotationCompleted(rotating.SystemType, rotating.Env, "incomplete", s.now().Sub(start).Seconds())
			return keystore.KeyRecord{}, &IncompleteError{KeyID: id, Cause: gerr}
		}
		s.logger.Warn("Rotation of key %s rolled back: %v", id, genErr)
		s.metrics.RecordRotationCompleted(rotating.SystemType, rotating.Env, "failure", s.now().Sub(start).Seconds())
		return keystore.KeyRecord{}, gerr
	}

	done, err := s.complete(ctx, id, newRef, grace)
	if err != nil {
		s.metrics.RecordRotationCompleted(rotating.SystemType, rotating.Env, "failure", s.now().Sub(start).Seconds())
		return keystore.KeyRecord{}, err
	}

	s.logger.Info("Rotated key %s to version %d", id, done.Version)
	s.audit("complete_rotate", id, fmt.Sprintf("grace %s", grace))
	s.metrics.RecordRotationCompleted(done.SystemType, done.Env, "success", s.now().Sub(start).Seconds())
	return done, nil
}

// begin wins or loses the Active to Rotating transition. Conflicts from
// unrelated commits are retried; a key already Rotating fails fast.
func (s *Service) begin(ctx context.Context, id string) (keystore.KeyRecord, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return keystore.KeyRecord{}, err
		}

		next, err := beginRotate(cur)
		if err != nil {
			return keystore.KeyRecord{}, err
		}

		committed, err := s.store.Commit(ctx, id, cur.Version, func(keystore.KeyRecord) keystore.KeyRecord {
			return next
		})
		if errors.Is(err, keystore.ErrConflict) {
			s.metrics.RecordCommitConflict()
			if attempt >= s.maxAttempts {
				return keystore.KeyRecord{}, fmt.Errorf("%w: key %s: lost %d commit attempts", ErrRotationFailed, id, attempt)
			}
			continue
		}
		if err != nil {
			return keystore.KeyRecord{}, err
		}
		return committed, nil
	}
}

// generate produces and validates the replacement reference. The
// rotation must install a reference distinct from the one it replaces.
func (s *Service) generate(ctx context.Context, id, currentRef string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()

	ref, err := s.gen.Generate(genCtx, id)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", errors.New("generator returned an empty reference")
	}
	if ref == currentRef {
		return "", errors.New("generator returned the reference already in use")
	}
	return ref, nil
}

func (s *Service) complete(ctx context.Context, id, newRef string, grace time.Duration) (keystore.KeyRecord, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return keystore.KeyRecord{}, s.abandon(ctx, id, err)
		}

		next, err := completeRotate(cur, newRef, grace, s.now().UTC())
		if err != nil {
			// The record left Rotating underneath us; the only legal way
			// is a concurrent revoke, which abandons the rotation.
			return keystore.KeyRecord{}, fmt.Errorf("%w: key %s: %v", ErrRotationFailed, id, err)
		}

		committed, err := s.store.Commit(ctx, id, cur.Version, func(keystore.KeyRecord) keystore.KeyRecord {
			return next
		})
		if errors.Is(err, keystore.ErrConflict) {
			s.metrics.RecordCommitConflict()
			if attempt >= s.maxAttempts {
				return keystore.KeyRecord{}, fmt.Errorf("%w: key %s: lost %d commit attempts", ErrRotationFailed, id, attempt)
			}
			continue
		}
		if err != nil {
			return keystore.KeyRecord{}, s.abandon(ctx, id, err)
		}
		return committed, nil
	}
}

// abandon rolls a completion that lost its store back to Active. If the
// compensating transition lands, the rotation failed cleanly and a retry
// is safe; if it does not, the record is stranded in Rotating.
func (s *Service) abandon(ctx context.Context, id string, cause error) error {
	if compErr := s.compensate(ctx, id); compErr != nil {
		s.logger.Error("Rotation of key %s stranded in rotating state: %v", id, compErr)
		return &IncompleteError{KeyID: id, Cause: cause}
	}
	s.logger.Warn("Rotation of key %s rolled back: %v", id, cause)
	return fmt.Errorf("%w: key %s: %v", ErrRotationFailed, id, cause)
}

// compensate rolls a failed rotation back to Active. Returns nil if the
// record is no longer Rotating, which means either our rollback landed
// or a concurrent revoke made it moot.
func (s *Service) compensate(ctx context.Context, id string) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}

		next, err := compensateRotate(cur)
		if err != nil {
			return nil
		}

		if _, err := s.store.Commit(ctx, id, cur.Version, func(keystore.KeyRecord) keystore.KeyRecord {
			return next
		}); err != nil {
			if errors.Is(err, keystore.ErrConflict) {
				s.metrics.RecordCommitConflict()
				continue
			}
			return err
		}

		s.audit("compensate_rotate", id, "")
		s.metrics.RecordRotationCompensated(next.SystemType, next.Env)
		return nil
	}
	return fmt.Errorf("compensation lost every commit attempt: %w", keystore.ErrConflict)
}

// Revoke moves a record to the terminal Revoked state. Revoking an
// already revoked key succeeds without mutating the record.
func (s *Service) Revoke(ctx context.Context, id string) (keystore.KeyRecord, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return keystore.KeyRecord{}, err
		}

		if cur.State == keystore.StateRevoked {
			return s.sanitize(cur), nil
		}

		next, err := revoke(cur)
		if err != nil {
			return keystore.KeyRecord{}, err
		}

		committed, err := s.store.Commit(ctx, id, cur.Version, func(keystore.KeyRecord) keystore.KeyRecord {
			return next
		})
		if errors.Is(err, keystore.ErrConflict) {
			s.metrics.RecordCommitConflict()
			if attempt >= s.maxAttempts {
				return keystore.KeyRecord{}, fmt.Errorf("failed to revoke key %s: %w", id, keystore.ErrConflict)
			}
			continue
		}
		if err != nil {
			return keystore.KeyRecord{}, err
		}

		s.logger.Info("Revoked key %s", id)
		s.audit("revoke_key", id, "")
		s.metrics.RecordRevoked(committed.SystemType, committed.Env)
		return s.sanitize(committed), nil
	}
}
