package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// MemoryStore is an in-process implementation of the MySQL repositories with
// the same conditional-update semantics. It backs tests and the local
// "serve --memory" mode.
type MemoryStore struct {
	mu sync.Mutex

	events     map[string]*model.WebhookEvent
	byProvider map[string]string
	statuses   map[string]*model.EnhancedSubscriptionStatus
	subs       map[string]*model.UserSubscription
	outbox     []model.OutboxEvent
	history    []model.WebhookEvent

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     map[string]*model.WebhookEvent{},
		byProvider: map[string]string{},
		statuses:   map[string]*model.EnhancedSubscriptionStatus{},
		subs:       map[string]*model.UserSubscription{},
		now:        time.Now,
	}
}

// SetClock overrides the time source used for rows the store stamps itself.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

var (
	_ EventsRepository        = (*MemoryEvents)(nil)
	_ StatusRepository        = (*MemoryStatuses)(nil)
	_ SubscriptionsRepository = (*MemorySubscriptions)(nil)
	_ OutboxRepository        = (*MemoryOutbox)(nil)
	_ CHEventsRepository      = (*MemoryHistory)(nil)
)

type (
	MemoryEvents        struct{ s *MemoryStore }
	MemoryStatuses      struct{ s *MemoryStore }
	MemorySubscriptions struct{ s *MemoryStore }
	MemoryOutbox        struct{ s *MemoryStore }
	MemoryHistory       struct{ s *MemoryStore }
)

func (s *MemoryStore) Events() *MemoryEvents               { return &MemoryEvents{s} }
func (s *MemoryStore) Statuses() *MemoryStatuses           { return &MemoryStatuses{s} }
func (s *MemoryStore) Subscriptions() *MemorySubscriptions { return &MemorySubscriptions{s} }
func (s *MemoryStore) Outbox() *MemoryOutbox               { return &MemoryOutbox{s} }
func (s *MemoryStore) History() *MemoryHistory             { return &MemoryHistory{s} }

// PutSubscription seeds user_subscriptions, which the service never writes.
func (s *MemoryStore) PutSubscription(sub model.UserSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sub
	s.subs[sub.OwnerID] = &cp
}

func (s *MemoryStore) DeleteSubscription(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, ownerID)
}

// OutboxRows returns a copy of everything written to the outbox.
func (s *MemoryStore) OutboxRows() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OutboxEvent(nil), s.outbox...)
}

func cloneEvent(ev *model.WebhookEvent) *model.WebhookEvent {
	cp := *ev
	cp.Payload = append(model.Payload(nil), ev.Payload...)
	if ev.ErrorDetails != nil {
		d := *ev.ErrorDetails
		cp.ErrorDetails = &d
	}
	if ev.OwnerID != nil {
		o := *ev.OwnerID
		cp.OwnerID = &o
	}
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	if ev.LastAttemptAt != nil {
		t := *ev.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

func (r *MemoryEvents) InsertIfAbsent(ctx context.Context, ev *model.WebhookEvent) (bool, *model.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if id, ok := r.s.byProvider[ev.ProviderEventID]; ok {
		return false, cloneEvent(r.s.events[id]), nil
	}
	row := cloneEvent(ev)
	row.ProcessingStatus = model.ProcessingPending
	row.RetryCount = 0
	row.ProcessedAt = nil
	row.ErrorDetails = nil
	row.LastAttemptAt = nil
	row.UpdatedAt = row.CreatedAt
	r.s.events[row.ID] = row
	r.s.byProvider[row.ProviderEventID] = row.ID
	return true, cloneEvent(row), nil
}

func (r *MemoryEvents) GetByID(ctx context.Context, id string) (*model.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(ev), nil
}

func (r *MemoryEvents) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok || ev.ProcessingStatus.Final() {
		return false, nil
	}
	if upd.Attempt != nil && ev.RetryCount != *upd.Attempt {
		return false, nil
	}
	at := upd.At
	ev.ProcessingStatus = upd.Status
	ev.ErrorDetails = nil
	if upd.Details != nil {
		d := *upd.Details
		ev.ErrorDetails = &d
	}
	if upd.Status.Final() {
		ev.ProcessedAt = &at
	}
	if ev.OwnerID == nil && upd.OwnerID != "" {
		owner := upd.OwnerID
		ev.OwnerID = &owner
	}
	ev.LastAttemptAt = &at
	ev.UpdatedAt = at
	return true, nil
}

func (r *MemoryEvents) IncrementRetry(ctx context.Context, id string, expected int, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[id]
	if !ok || ev.ProcessingStatus.Final() || ev.RetryCount != expected {
		return false, nil
	}
	ev.RetryCount++
	ev.UpdatedAt = at
	return true, nil
}

func (r *MemoryEvents) ListRetryCandidates(ctx context.Context, q RetryQuery) ([]model.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.WebhookEvent
	for _, ev := range r.s.events {
		if ev.RetryCount >= q.MaxRetryCount {
			continue
		}
		last := ev.LastAttempt()
		switch {
		case ev.ProcessingStatus == model.ProcessingFailed && !last.After(q.AttemptedBefore):
		case ev.ProcessingStatus == model.ProcessingPending && q.StalePendingBefore != nil && !last.After(*q.StalePendingBefore):
		default:
			continue
		}
		if c := q.After; c != nil && (last.Before(c.LastAttempt) || (last.Equal(c.LastAttempt) && ev.ID <= c.ID)) {
			continue
		}
		out = append(out, *cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastAttempt(), out[j].LastAttempt()
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryEvents) CountByStatus(ctx context.Context, q StatsQuery) ([]model.StatusCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	acc := map[model.ProcessingStatus]*model.StatusCount{}
	for _, ev := range r.s.events {
		if q.From != nil && ev.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !ev.CreatedAt.Before(*q.To) {
			continue
		}
		c, ok := acc[ev.ProcessingStatus]
		if !ok {
			c = &model.StatusCount{Status: ev.ProcessingStatus}
			acc[ev.ProcessingStatus] = c
		}
		c.Count++
		c.RetrySum += ev.RetryCount
		if ev.Exhausted(q.MaxRetries) {
			c.Exhausted++
		}
	}
	out := make([]model.StatusCount, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (r *MemoryStatuses) Get(ctx context.Context, ownerID string) (*model.EnhancedSubscriptionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.statuses[ownerID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// Mutate holds the store lock for the whole callback, which serializes writers
// the same way SELECT ... FOR UPDATE does.
func (r *MemoryStatuses) Mutate(ctx context.Context, ownerID string, fn func(st *model.EnhancedSubscriptionStatus) error) (*model.EnhancedSubscriptionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	cur, ok := r.s.statuses[ownerID]
	var work *model.EnhancedSubscriptionStatus
	if ok {
		work = cur.Clone()
	} else {
		work = model.NewEnhancedStatus(ownerID, now)
	}

	if err := fn(work); err != nil {
		if errors.Is(err, ErrNoChange) {
			if !ok {
				return nil, nil
			}
			return cur.Clone(), nil
		}
		return nil, err
	}
	work.OwnerID = ownerID
	work.UpdatedAt = now
	r.s.statuses[ownerID] = work
	return work.Clone(), nil
}

func (r *MemoryStatuses) List(ctx context.Context, afterOwnerID string, limit int) ([]model.EnhancedSubscriptionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := make([]string, 0, len(r.s.statuses))
	for id := range r.s.statuses {
		if id > afterOwnerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.EnhancedSubscriptionStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.s.statuses[id].Clone())
	}
	return out, nil
}

func (r *MemorySubscriptions) GetByOwner(ctx context.Context, ownerID string) (*model.UserSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *MemorySubscriptions) FindOwnerByExternalID(ctx context.Context, externalID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subs {
		if sub.ExternalID() == externalID {
			return sub.OwnerID, nil
		}
	}
	return "", nil
}

func (r *MemorySubscriptions) ListOwnerIDs(ctx context.Context, afterOwnerID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]string, 0, len(r.s.subs))
	for id := range r.s.subs {
		if id > afterOwnerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Insert ignores tx; the memory store has no transactions.
func (r *MemoryOutbox) Insert(ctx context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.outbox = append(r.s.outbox, model.OutboxEvent{
		ID:          int64(len(r.s.outbox) + 1),
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   r.s.now(),
	})
	return nil
}

func (r *MemoryHistory) InsertBatch(ctx context.Context, events []model.WebhookEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range events {
		r.s.history = append(r.s.history, *cloneEvent(&events[i]))
	}
	return nil
}

// ListByOwner returns the latest version of each event, newest first.
func (r *MemoryHistory) ListByOwner(ctx context.Context, ownerID string, status model.ProcessingStatus, limit, offset int) ([]model.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	latest := map[string]model.WebhookEvent{}
	for _, ev := range r.s.history {
		if ev.Owner() != ownerID {
			continue
		}
		if prev, ok := latest[ev.ID]; ok && prev.UpdatedAt.After(ev.UpdatedAt) {
			continue
		}
		latest[ev.ID] = ev
	}
	out := make([]model.WebhookEvent, 0, len(latest))
	for _, ev := range latest {
		if status != "" && ev.ProcessingStatus != status {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
