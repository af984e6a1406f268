package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/observability/metrics"
)

// Patch replaces the buckets of an entry, conditioned on its current version.
type Patch struct {
	Version int64                 `json:"version"`
	Buckets allocation.RawBuckets `json:"buckets"`
}

// BatchFailure is a candidate rejected before any write.
type BatchFailure struct {
	Index int
	Err   error
}

// BatchResult reports a batch create.
type BatchResult struct {
	TransactionID string
	Succeeded     []allocation.Entry
	Failed        []BatchFailure
}

// Coordinator applies ledger writes under producer leases and compensates
// partial writes when a call fails.
type Coordinator struct {
	store     allocation.Store
	locker    allocation.Locker
	publisher EntryPublisher
	clock     Clock
	newID     func() string
	log       zerolog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the time source.
func WithClock(clock Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log.With().Str("component", "coordinator").Logger()
	}
}

// WithTransactionIDs overrides transaction id generation.
func WithTransactionIDs(next func() string) CoordinatorOption {
	return func(c *Coordinator) {
		if next != nil {
			c.newID = next
		}
	}
}

// NewCoordinator constructs the coordinator. A nil publisher drops events.
func NewCoordinator(store allocation.Store, locker allocation.Locker, publisher EntryPublisher, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator: nil store")
	}
	if locker == nil {
		return nil, errors.New("coordinator: nil locker")
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	c := &Coordinator{
		store:     store,
		locker:    locker,
		publisher: publisher,
		clock:     SystemClock{},
		newID:     uuid.NewString,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type written struct {
	entry  allocation.Entry
	action string
}

// CreateAllocation persists one candidate of any kind.
func (c *Coordinator) CreateAllocation(ctx context.Context, candidate allocation.Candidate) (allocation.Entry, error) {
	start := time.Now()
	if candidate == nil {
		return allocation.Entry{}, allocation.NewValidationError("kind", "required")
	}
	draft, err := candidate.Draft()
	if err != nil {
		metrics.ObserveLedgerWrite("create", metrics.ResultError, time.Since(start))
		return allocation.Entry{}, err
	}
	out, txnID, err := c.commit(ctx, "create", []allocation.Entry{draft}, nil)
	if err != nil {
		return allocation.Entry{}, err
	}
	c.publish(ctx, txnID, out)
	metrics.ObserveLedgerWrite("create", metrics.ResultSuccess, time.Since(start))
	return out[0].entry, nil
}

// CreateBatch persists many candidates in one transaction. Candidates that
// fail validation are reported by index and skipped. Any failure while writing
// rolls back every write of the batch and is returned as the error.
func (c *Coordinator) CreateBatch(ctx context.Context, candidates []allocation.Candidate) (BatchResult, error) {
	start := time.Now()
	var (
		result BatchResult
		drafts []allocation.Entry
	)
	for i, candidate := range candidates {
		if candidate == nil {
			result.Failed = append(result.Failed, BatchFailure{Index: i, Err: allocation.NewValidationError("kind", "required")})
			continue
		}
		draft, err := candidate.Draft()
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{Index: i, Err: err})
			continue
		}
		drafts = append(drafts, draft)
	}
	if len(drafts) == 0 {
		metrics.ObserveLedgerWrite("batch", metrics.ResultSuccess, time.Since(start))
		return result, nil
	}

	out, txnID, err := c.commit(ctx, "batch", drafts, nil)
	if err != nil {
		return BatchResult{TransactionID: txnID, Failed: result.Failed}, err
	}
	result.TransactionID = txnID
	for _, w := range out {
		result.Succeeded = append(result.Succeeded, w.entry)
	}
	c.publish(ctx, txnID, out)
	metrics.ObserveLedgerWrite("batch", metrics.ResultSuccess, time.Since(start))
	c.log.Info().
		Str("txn", txnID).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("batch committed")
	return result, nil
}

// settleBatch persists the entries of a calculated month together with the
// month's settlement record. Nothing is written when any candidate is invalid.
// The record is put IfAbsent in the same transaction, so of two concurrent
// settlements of one month only one commits.
func (c *Coordinator) settleBatch(ctx context.Context, month allocation.MonthKey, candidates []allocation.Candidate) (BatchResult, error) {
	start := time.Now()
	drafts := make([]allocation.Entry, 0, len(candidates))
	for i, candidate := range candidates {
		var (
			draft allocation.Entry
			err   error
		)
		if candidate == nil {
			err = allocation.NewValidationError(fmt.Sprintf("entries[%d].kind", i), "required")
		} else {
			draft, err = candidate.Draft()
		}
		if err != nil {
			metrics.ObserveLedgerWrite("settle", metrics.ResultError, time.Since(start))
			return BatchResult{}, err
		}
		drafts = append(drafts, draft)
	}

	mark := func(ctx context.Context, txn *Transaction) error {
		body, err := encodeSettlement(settlementRecord{
			Month:         month,
			TransactionID: txn.ID,
			Entries:       len(drafts),
			SettledAt:     c.clock.Now().UTC(),
		})
		if err != nil {
			return allocation.NewStoreError("encode settlement", err)
		}
		key := allocation.SettlementKey(month)
		if _, err := txn.Put(ctx, key, 1, body, allocation.PutOptions{IfAbsent: true}, nil); err != nil {
			return c.writeError(ctx, "settlement#"+month.String(), key, 0, err)
		}
		return nil
	}
	out, txnID, err := c.commit(ctx, "settle", drafts, mark)
	if err != nil {
		return BatchResult{TransactionID: txnID}, err
	}
	result := BatchResult{TransactionID: txnID}
	for _, w := range out {
		result.Succeeded = append(result.Succeeded, w.entry)
	}
	c.publish(ctx, txnID, out)
	metrics.ObserveLedgerWrite("settle", metrics.ResultSuccess, time.Since(start))
	return result, nil
}

// settled loads the settlement record of a month, or nil.
func (c *Coordinator) settled(ctx context.Context, month allocation.MonthKey) (*allocation.Item, error) {
	item, err := c.store.Get(ctx, allocation.SettlementKey(month))
	if err != nil {
		return nil, allocation.NewStoreError("get settlement", err)
	}
	return item, nil
}

// commit writes drafts under leases of their producers. Drafts of one producer
// are written sequentially in order; producers proceed concurrently. A non-nil
// before runs inside the transaction ahead of the entry writes.
func (c *Coordinator) commit(ctx context.Context, op string, drafts []allocation.Entry, before func(context.Context, *Transaction) error) ([]written, string, error) {
	start := time.Now()
	txn := newTransaction(c.newID(), c.store, c.clock.Now)

	groups := make(map[string][]int)
	var producers []string
	for i, d := range drafts {
		if _, ok := groups[d.ProducerID]; !ok {
			producers = append(producers, d.ProducerID)
		}
		groups[d.ProducerID] = append(groups[d.ProducerID], i)
	}

	release, err := c.acquire(ctx, producers)
	if err != nil {
		metrics.ObserveLedgerWrite(op, metrics.ResultError, time.Since(start))
		return nil, txn.ID, err
	}
	defer release()

	if before != nil {
		if err := before(ctx, txn); err != nil {
			c.rollback(ctx, txn, err)
			metrics.ObserveLedgerWrite(op, metrics.ResultError, time.Since(start))
			return nil, txn.ID, err
		}
	}

	out := make([]written, len(drafts))
	g, gctx := errgroup.WithContext(ctx)
	for _, producer := range producers {
		idx := groups[producer]
		g.Go(func() error {
			for _, i := range idx {
				w, err := c.apply(gctx, txn, drafts[i])
				if err != nil {
					return err
				}
				out[i] = w
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.rollback(ctx, txn, err)
		metrics.ObserveLedgerWrite(op, metrics.ResultError, time.Since(start))
		return nil, txn.ID, err
	}
	return out, txn.ID, nil
}

// apply writes one draft. Allocation and lapse entries must not exist yet.
// Banking entries are additive and move the producer's resting balance.
func (c *Coordinator) apply(ctx context.Context, txn *Transaction, draft allocation.Entry) (written, error) {
	key := draft.Key()
	prior, err := c.store.Get(ctx, key)
	if err != nil {
		return written{}, allocation.NewStoreError("get entry", err)
	}
	now := c.clock.Now().UTC()
	entry := draft
	entry.TransactionID = txn.ID
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Version = 1
	opts := allocation.PutOptions{IfAbsent: true}
	action := ActionCreated

	if prior != nil {
		if draft.Kind != allocation.KindBanking {
			return written{}, &allocation.VersionConflictError{ID: draft.ID, Expected: 0, Actual: prior.Version}
		}
		existing, err := decodeEntry(prior)
		if err != nil {
			return written{}, err
		}
		entry.Buckets = existing.Buckets.Add(draft.Buckets)
		entry.CreatedAt = existing.CreatedAt
		entry.Version = prior.Version + 1
		opts = allocation.PutOptions{IfVersion: prior.Version}
		action = ActionUpdated
	}

	var balancePrior *allocation.Item
	var balance allocation.BankingBalance
	if draft.Kind == allocation.KindBanking {
		balancePrior, err = c.store.Get(ctx, allocation.BalanceKey(draft.ProducerID))
		if err != nil {
			return written{}, allocation.NewStoreError("get balance", err)
		}
		balance, err = decodeBalance(balancePrior)
		if err != nil {
			return written{}, err
		}
		balance.ProducerID = draft.ProducerID
		balance.Balance = balance.Balance.Add(draft.Buckets)
		if balance.Balance.HasNegative() {
			return written{}, allocation.NewValidationError("credited", fmt.Sprintf("debit exceeds resting balance of %s", draft.ProducerID))
		}
		entry.Balance = balance.Balance
		entry.CumulativeTotal = balance.Balance.Total()
	}

	body, err := encodeEntry(entry)
	if err != nil {
		return written{}, allocation.NewStoreError("encode entry", err)
	}
	if _, err := txn.Put(ctx, key, entry.Version, body, opts, prior); err != nil {
		return written{}, c.writeError(ctx, draft.ID, key, entry.Version-1, err)
	}

	if draft.Kind == allocation.KindBanking {
		balanceBody, err := encodeBalance(balance)
		if err != nil {
			return written{}, allocation.NewStoreError("encode balance", err)
		}
		version := int64(1)
		balanceOpts := allocation.PutOptions{IfAbsent: true}
		if balancePrior != nil {
			version = balancePrior.Version + 1
			balanceOpts = allocation.PutOptions{IfVersion: balancePrior.Version}
		}
		balanceKey := allocation.BalanceKey(draft.ProducerID)
		if _, err := txn.Put(ctx, balanceKey, version, balanceBody, balanceOpts, balancePrior); err != nil {
			return written{}, c.writeError(ctx, "balance#"+draft.ProducerID, balanceKey, version-1, err)
		}
	}
	return written{entry: entry, action: action}, nil
}

// writeError maps a rejected conditional put to a version conflict carrying
// the version currently stored.
func (c *Coordinator) writeError(ctx context.Context, id string, key allocation.Key, expected int64, err error) error {
	if !errors.Is(err, allocation.ErrConditionFailed) {
		return allocation.NewStoreError("put", err)
	}
	conflict := &allocation.VersionConflictError{ID: id, Expected: expected}
	if current, getErr := c.store.Get(ctx, key); getErr == nil && current != nil {
		conflict.Actual = current.Version
	}
	return conflict
}

// UpdateAllocation replaces the buckets of an entry when patch.Version matches
// the stored version. Other entities are not touched.
func (c *Coordinator) UpdateAllocation(ctx context.Context, id string, patch Patch) (allocation.Entry, error) {
	start := time.Now()
	entry, txnID, err := c.update(ctx, id, patch)
	if err != nil {
		metrics.ObserveLedgerWrite("update", metrics.ResultError, time.Since(start))
		return allocation.Entry{}, err
	}
	c.publish(ctx, txnID, []written{{entry: entry, action: ActionUpdated}})
	metrics.ObserveLedgerWrite("update", metrics.ResultSuccess, time.Since(start))
	return entry, nil
}

func (c *Coordinator) update(ctx context.Context, id string, patch Patch) (allocation.Entry, string, error) {
	ref, err := allocation.ParseEntryID(id)
	if err != nil {
		return allocation.Entry{}, "", err
	}
	if patch.Version <= 0 {
		return allocation.Entry{}, "", allocation.NewValidationError("version", "must be positive")
	}
	signed := ref.Kind == allocation.KindBanking
	if err := allocation.ValidateRaw("buckets", patch.Buckets, signed); err != nil {
		return allocation.Entry{}, "", err
	}
	buckets := allocation.NormalizeNonNegative(patch.Buckets)
	if signed {
		buckets = allocation.NormalizeSigned(patch.Buckets)
	}
	if buckets.IsZero() {
		return allocation.Entry{}, "", allocation.NewValidationError("buckets", "entry must carry units")
	}

	txn := newTransaction(c.newID(), c.store, c.clock.Now)
	release, err := c.acquire(ctx, []string{ref.ProducerID})
	if err != nil {
		return allocation.Entry{}, txn.ID, err
	}
	defer release()

	key := ref.Key()
	prior, err := c.store.Get(ctx, key)
	if err != nil {
		return allocation.Entry{}, txn.ID, allocation.NewStoreError("get entry", err)
	}
	if prior == nil {
		return allocation.Entry{}, txn.ID, allocation.NotFoundError(ref.ID())
	}
	if prior.Version != patch.Version {
		return allocation.Entry{}, txn.ID, &allocation.VersionConflictError{ID: ref.ID(), Expected: patch.Version, Actual: prior.Version}
	}
	entry, err := decodeEntry(prior)
	if err != nil {
		return allocation.Entry{}, txn.ID, err
	}
	entry.Buckets = buckets
	entry.Version = prior.Version + 1
	entry.TransactionID = txn.ID
	entry.UpdatedAt = c.clock.Now().UTC()
	body, err := encodeEntry(entry)
	if err != nil {
		return allocation.Entry{}, txn.ID, allocation.NewStoreError("encode entry", err)
	}
	if _, err := txn.Put(ctx, key, entry.Version, body, allocation.PutOptions{IfVersion: prior.Version}, prior); err != nil {
		err = c.writeError(ctx, ref.ID(), key, prior.Version, err)
		c.rollback(ctx, txn, err)
		return allocation.Entry{}, txn.ID, err
	}
	return entry, txn.ID, nil
}

// DeleteAllocation removes an entry. Nothing else is removed with it.
func (c *Coordinator) DeleteAllocation(ctx context.Context, id string) error {
	start := time.Now()
	ref, err := allocation.ParseEntryID(id)
	if err != nil {
		return err
	}
	txn := newTransaction(c.newID(), c.store, c.clock.Now)
	release, err := c.acquire(ctx, []string{ref.ProducerID})
	if err != nil {
		metrics.ObserveLedgerWrite("delete", metrics.ResultError, time.Since(start))
		return err
	}
	defer release()

	prior, err := c.store.Get(ctx, ref.Key())
	if err != nil {
		metrics.ObserveLedgerWrite("delete", metrics.ResultError, time.Since(start))
		return allocation.NewStoreError("get entry", err)
	}
	if prior == nil {
		metrics.ObserveLedgerWrite("delete", metrics.ResultError, time.Since(start))
		return allocation.NotFoundError(ref.ID())
	}
	entry, err := decodeEntry(prior)
	if err != nil {
		metrics.ObserveLedgerWrite("delete", metrics.ResultError, time.Since(start))
		return err
	}
	if err := txn.Delete(ctx, ref.Key(), prior); err != nil {
		err = allocation.NewStoreError("delete", err)
		c.rollback(ctx, txn, err)
		metrics.ObserveLedgerWrite("delete", metrics.ResultError, time.Since(start))
		return err
	}
	c.publish(ctx, txn.ID, []written{{entry: entry, action: ActionDeleted}})
	metrics.ObserveLedgerWrite("delete", metrics.ResultSuccess, time.Since(start))
	return nil
}

// Get loads one entry by id.
func (c *Coordinator) Get(ctx context.Context, id string) (allocation.Entry, error) {
	ref, err := allocation.ParseEntryID(id)
	if err != nil {
		return allocation.Entry{}, err
	}
	item, err := c.store.Get(ctx, ref.Key())
	if err != nil {
		return allocation.Entry{}, allocation.NewStoreError("get entry", err)
	}
	if item == nil {
		return allocation.Entry{}, allocation.NotFoundError(ref.ID())
	}
	return decodeEntry(item)
}

// ListMonth returns the entries of a month ordered by key. An empty kind lists every kind.
func (c *Coordinator) ListMonth(ctx context.Context, month string, kind allocation.EntryKind) ([]allocation.Entry, error) {
	key, err := allocation.ParseMonthKey(month)
	if err != nil {
		return nil, err
	}
	kinds := allocation.Kinds()
	if kind != "" {
		if !kind.Valid() {
			return nil, allocation.NewValidationError("type", fmt.Sprintf("unknown kind %q", kind))
		}
		kinds = []allocation.EntryKind{kind}
	}
	var out []allocation.Entry
	for _, k := range kinds {
		items, err := c.store.QueryByPrefix(ctx, allocation.MonthPartition(k, key), "")
		if err != nil {
			return nil, allocation.NewStoreError("query month", err)
		}
		for i := range items {
			entry, err := decodeEntry(&items[i])
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// Balances returns every resting banking balance ordered by producer.
func (c *Coordinator) Balances(ctx context.Context) ([]allocation.BankingBalance, error) {
	items, err := c.store.QueryByPrefix(ctx, allocation.BalancePartition(), "")
	if err != nil {
		return nil, allocation.NewStoreError("query balances", err)
	}
	out := make([]allocation.BankingBalance, 0, len(items))
	for i := range items {
		b, err := decodeBalance(&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// acquire leases every producer in sorted order and fails fast on the first
// held lease, releasing what it already holds.
func (c *Coordinator) acquire(ctx context.Context, producers []string) (func(), error) {
	sorted := append([]string(nil), producers...)
	sort.Strings(sorted)

	var leases []allocation.Lease
	release := func() {
		releaseCtx := context.WithoutCancel(ctx)
		for i := len(leases) - 1; i >= 0; i-- {
			if err := leases[i].Release(releaseCtx); err != nil {
				c.log.Warn().Err(err).Str("resource", leases[i].Resource()).Msg("lease release failed")
			}
		}
	}
	for _, producer := range sorted {
		lease, err := c.locker.Acquire(ctx, allocation.ProducerResource(producer))
		if err != nil {
			release()
			if !errors.Is(err, allocation.ErrLock) {
				err = allocation.NewStoreError("acquire lease", err)
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	return release, nil
}

func (c *Coordinator) rollback(ctx context.Context, txn *Transaction, cause error) {
	writes := txn.Writes()
	if writes == 0 {
		return
	}
	if err := txn.Rollback(context.WithoutCancel(ctx)); err != nil {
		metrics.IncRollback(metrics.RollbackPartial)
		c.log.Error().Err(err).AnErr("cause", cause).Str("txn", txn.ID).Int("writes", writes).Msg("rollback incomplete")
		return
	}
	metrics.IncRollback(metrics.RollbackComplete)
	c.log.Warn().Err(cause).Str("txn", txn.ID).Int("writes", writes).Msg("transaction rolled back")
}

func (c *Coordinator) publish(ctx context.Context, txnID string, writes []written) {
	for _, w := range writes {
		event := EntryEvent{
			Type:          EventType(w.entry.Kind, w.action),
			TransactionID: txnID,
			Entry:         w.entry,
			OccurredAt:    c.clock.Now().UTC(),
		}
		if err := c.publisher.PublishEntryEvent(ctx, event); err != nil {
			c.log.Warn().Err(err).Str("event", event.Type).Str("id", event.Entry.ID).Msg("event publish failed")
		}
	}
}
