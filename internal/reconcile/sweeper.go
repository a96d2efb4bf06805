package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/subsync/internal/lock"
	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 200
	DefaultLockTTL  = 30 * time.Second
)

// Result is what happened to one owner during a sweep.
type Result string

const (
	ResultConsistent Result = "consistent"
	ResultReported   Result = "reported"
	ResultRepaired   Result = "repaired"
	ResultDeferred   Result = "deferred"
	ResultConflict   Result = "conflict"
	ResultOrphan     Result = "orphan"
	ResultLocked     Result = "locked"
	// ResultBackoff: a previous repair failed and its backoff has not elapsed.
	ResultBackoff Result = "backoff"
	// ResultExhausted: repairs failed Retry.MaxRetries times; the owner stays
	// failed until a successful sync resets it.
	ResultExhausted Result = "exhausted"
	ResultError      Result = "error"
)

type SweepStats struct {
	Owners  int            `json:"owners"`
	Results map[Result]int `json:"results"`
}

func (s *SweepStats) add(r Result) {
	if s.Results == nil {
		s.Results = map[Result]int{}
	}
	s.Owners++
	s.Results[r]++
}

// Sweeper walks every owner, validates it under the owner's lease and hands
// inconsistent pairs to the repairer. A nil repairer means report-only.
type Sweeper struct {
	subs     repository.SubscriptionsRepository
	statuses repository.StatusRepository
	locker   lock.Locker
	repairer Repairer
	log      *zap.Logger
	now      func() time.Time

	PageSize int
	LockTTL  time.Duration
	// Retry bounds and spaces repeated repairs of the same owner.
	Retry retry.Policy
}

func NewSweeper(
	subs repository.SubscriptionsRepository,
	statuses repository.StatusRepository,
	locker lock.Locker,
	repairer Repairer,
	log *zap.Logger,
) *Sweeper {
	return &Sweeper{
		subs:     subs,
		statuses: statuses,
		locker:   locker,
		repairer: repairer,
		log:      log,
		now:      time.Now,
		PageSize: DefaultPageSize,
		LockTTL:  DefaultLockTTL,
		Retry:    retry.DefaultPolicy(),
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Check validates one owner without locking or repairing.
func (s *Sweeper) Check(ctx context.Context, ownerID string) (Report, error) {
	sub, err := s.subs.GetByOwner(ctx, ownerID)
	if err != nil {
		return Report{}, err
	}
	st, err := s.statuses.Get(ctx, ownerID)
	if err != nil {
		return Report{}, err
	}
	rep := ValidateConsistency(sub, st)
	rep.OwnerID = ownerID
	return rep, nil
}

// Sweep checks every owner with a subscription, then every status row whose
// subscription is gone. It stops between owners when ctx is done.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	start := s.now()

	after := ""
	for {
		ids, err := s.subs.ListOwnerIDs(ctx, after, s.PageSize)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.add(s.ReconcileOwner(ctx, id))
		}
		if len(ids) < s.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	after = ""
	for {
		rows, err := s.statuses.List(ctx, after, s.PageSize)
		if err != nil {
			return stats, err
		}
		for i := range rows {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			sub, err := s.subs.GetByOwner(ctx, rows[i].OwnerID)
			if err != nil {
				return stats, err
			}
			if sub != nil {
				continue
			}
			stats.add(s.ReconcileOwner(ctx, rows[i].OwnerID))
		}
		if len(rows) < s.PageSize {
			break
		}
		after = rows[len(rows)-1].OwnerID
	}

	s.log.Info("reconcile sweep finished",
		zap.Int("owners", stats.Owners),
		zap.Any("results", stats.Results),
		zap.Duration("took", s.now().Sub(start)))
	return stats, nil
}

// ReconcileOwner validates and, when needed, repairs a single owner under its
// lease.
func (s *Sweeper) ReconcileOwner(ctx context.Context, ownerID string) Result {
	res := s.reconcileOwner(ctx, ownerID)
	metrics.ReconcileTotal.WithLabelValues(string(res)).Inc()
	return res
}

func (s *Sweeper) reconcileOwner(ctx context.Context, ownerID string) Result {
	release, err := s.locker.Acquire(ctx, lock.OwnerKey(ownerID), s.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.Debug("owner busy, skipped", zap.String("owner_id", ownerID))
		return ResultLocked
	}
	if err != nil {
		s.log.Error("acquire owner lock failed", zap.String("owner_id", ownerID), zap.Error(err))
		return ResultError
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release owner lock failed", zap.String("owner_id", ownerID), zap.Error(err))
		}
	}()

	rep, err := s.Check(ctx, ownerID)
	if err != nil {
		s.log.Error("consistency check failed", zap.String("owner_id", ownerID), zap.Error(err))
		return ResultError
	}
	if rep.IsConsistent {
		return ResultConsistent
	}
	st, err := s.statuses.Get(ctx, ownerID)
	if err != nil {
		s.log.Error("load status failed", zap.String("owner_id", ownerID), zap.Error(err))
		return ResultError
	}
	prior := 0
	if st != nil {
		prior = st.RetryCount
	}

	log := s.log.With(zap.String("owner_id", ownerID), zap.Strings("issues", rep.Issues))
	if rep.Orphan() {
		if _, err := s.flag(ctx, rep, false, 0, nil); err != nil {
			log.Error("flag orphan status failed", zap.Error(err))
			return ResultError
		}
		log.Warn("orphan enhanced status")
		return ResultOrphan
	}
	if s.repairer == nil {
		log.Warn("inconsistent owner")
		return ResultReported
	}
	if res, wait := s.repairGate(st); wait {
		log.Debug("repair not due", zap.String("result", string(res)), zap.Int("retry_count", prior))
		return res
	}

	applied, err := s.repairer.Repair(ctx, rep)
	if err != nil {
		log.Warn("repair failed", zap.Error(err))
		return s.conflict(ctx, rep, prior, err)
	}
	if !applied {
		log.Info("repair scheduled")
		return ResultDeferred
	}

	after, err := s.Check(ctx, ownerID)
	if err != nil {
		log.Error("re-check after repair failed", zap.Error(err))
		return ResultError
	}
	if !after.IsConsistent {
		log.Warn("owner still inconsistent after repair", zap.Strings("remaining", after.Issues))
		return s.conflict(ctx, after, prior, nil)
	}
	if st != nil && st.Metadata.Map(conflictKey) != nil {
		if _, err := s.statuses.Mutate(ctx, ownerID, func(st *model.EnhancedSubscriptionStatus) error {
			st.MergeMetadata(model.Metadata{conflictKey: nil})
			return nil
		}); err != nil {
			log.Warn("clear reconcile conflict failed", zap.Error(err))
		}
	}
	log.Info("owner repaired")
	return ResultRepaired
}

const conflictKey = "reconcile_conflict"

// repairGate holds back owners whose earlier repairs failed: exhausted ones
// for good, the others until the backoff for their retry count has elapsed.
func (s *Sweeper) repairGate(st *model.EnhancedSubscriptionStatus) (Result, bool) {
	if st == nil || st.RetryCount == 0 {
		return "", false
	}
	conflict := st.Metadata.Map(conflictKey)
	if conflict == nil {
		return "", false
	}
	if st.SyncStatus == model.SyncFailed && st.RetryCount >= s.Retry.MaxRetries {
		return ResultExhausted, true
	}
	if st.SyncStatus != model.SyncRetryNeeded {
		return "", false
	}
	at, err := time.Parse(time.RFC3339, conflict.String("at"))
	if err != nil {
		return "", false
	}
	if s.now().Sub(at) < s.Retry.NextDelay(st.RetryCount-1) {
		return ResultBackoff, true
	}
	return "", false
}

func (s *Sweeper) conflict(ctx context.Context, rep Report, prior int, cause error) Result {
	terminal, err := s.flag(ctx, rep, true, prior, cause)
	if err != nil {
		s.log.Error("record reconcile conflict failed", zap.String("owner_id", rep.OwnerID), zap.Error(err))
		return ResultError
	}
	if terminal {
		s.log.Warn("owner exhausted reconcile retries", zap.String("owner_id", rep.OwnerID))
		return ResultExhausted
	}
	return ResultConflict
}

// flag records the issues under metadata["reconcile_conflict"]. retry also
// counts a failed repair: the owner's RetryCount continues from prior (a
// provider resync may have reset it) and the owner becomes retry_needed, or
// failed once the count reaches Retry.MaxRetries, which is reported as terminal.
func (s *Sweeper) flag(ctx context.Context, rep Report, retry bool, prior int, cause error) (bool, error) {
	entry := map[string]any{
		"issues": toAny(rep.Issues),
		"at":     s.now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		entry["error"] = cause.Error()
	}
	if !retry {
		entry["orphan"] = true
	}
	var terminal bool
	_, err := s.statuses.Mutate(ctx, rep.OwnerID, func(st *model.EnhancedSubscriptionStatus) error {
		terminal = false
		if retry {
			st.RetryCount = max(st.RetryCount, prior) + 1
			entry["attempts"] = st.RetryCount
			if st.RetryCount >= s.Retry.MaxRetries {
				st.MarkFailed()
				entry["terminal"] = true
				terminal = true
			} else {
				st.MarkRetryNeeded()
			}
		}
		st.MergeMetadata(model.Metadata{conflictKey: entry})
		return nil
	})
	return terminal, err
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
