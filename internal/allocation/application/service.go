package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/observability/metrics"
)

// MonthResult is a settled month.
type MonthResult struct {
	TransactionID string              `json:"transaction_id"`
	Month         allocation.MonthKey `json:"month"`
	Entries       []allocation.Entry  `json:"entries"`
	Summary       allocation.Summary  `json:"summary"`
	Unmet         allocation.Buckets  `json:"unmet"`
}

// Preview is a calculation that was not persisted.
type Preview struct {
	Month   allocation.MonthKey `json:"month"`
	Entries []allocation.Entry  `json:"entries"`
	Summary allocation.Summary  `json:"summary"`
	Unmet   allocation.Buckets  `json:"unmet"`
}

// MonthView is the persisted state of a month split by kind.
type MonthView struct {
	Month       allocation.MonthKey `json:"month"`
	Allocations []allocation.Entry  `json:"allocations"`
	Banking     []allocation.Entry  `json:"banking"`
	Lapses      []allocation.Entry  `json:"lapses"`
	Summary     allocation.Summary  `json:"summary"`
}

// Entries returns every entry of the view.
func (v MonthView) Entries() []allocation.Entry {
	out := make([]allocation.Entry, 0, len(v.Allocations)+len(v.Banking)+len(v.Lapses))
	out = append(out, v.Allocations...)
	out = append(out, v.Banking...)
	return append(out, v.Lapses...)
}

// Service settles and queries accounting months.
type Service struct {
	coordinator *Coordinator
	log         zerolog.Logger
}

// NewService constructs the service.
func NewService(coordinator *Coordinator, log zerolog.Logger) (*Service, error) {
	if coordinator == nil {
		return nil, errors.New("allocation service: nil coordinator")
	}
	return &Service{
		coordinator: coordinator,
		log:         log.With().Str("component", "allocation_service").Logger(),
	}, nil
}

// Coordinator exposes the single-entry operations.
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// SettleMonth calculates a month against the stored banking balances and
// persists the outcome in one transaction. A month that already holds entries
// or was settled before is rejected with a version conflict.
func (s *Service) SettleMonth(ctx context.Context, month string, production []allocation.ProductionRecord, consumption []allocation.ConsumptionRecord) (MonthResult, error) {
	start := time.Now()
	result, err := s.settle(ctx, month, production, consumption)
	if err != nil {
		metrics.ObserveSettleMonth(metrics.ResultError, time.Since(start))
		s.log.Warn().Err(err).Str("month", month).Msg("settle month failed")
		return MonthResult{}, err
	}
	metrics.ObserveSettleMonth(metrics.ResultSuccess, time.Since(start))
	s.log.Info().
		Str("month", result.Month.String()).
		Str("txn", result.TransactionID).
		Int("entries", len(result.Entries)).
		Int64("allocated", result.Summary.Regular.Total).
		Int64("lapsed", result.Summary.Lapse.Total).
		Msg("month settled")
	return result, nil
}

func (s *Service) settle(ctx context.Context, month string, production []allocation.ProductionRecord, consumption []allocation.ConsumptionRecord) (MonthResult, error) {
	key, err := allocation.ParseMonthKey(month)
	if err != nil {
		return MonthResult{}, err
	}
	existing, err := s.coordinator.ListMonth(ctx, key.String(), "")
	if err != nil {
		return MonthResult{}, err
	}
	if len(existing) > 0 {
		return MonthResult{}, &allocation.VersionConflictError{ID: key.String(), Expected: 0, Actual: int64(len(existing))}
	}
	marker, err := s.coordinator.settled(ctx, key)
	if err != nil {
		return MonthResult{}, err
	}
	if marker != nil {
		return MonthResult{}, &allocation.VersionConflictError{ID: "settlement#" + key.String(), Expected: 0, Actual: marker.Version}
	}
	balances, err := s.coordinator.Balances(ctx)
	if err != nil {
		return MonthResult{}, err
	}
	calc, err := Calculate(CalculationInput{
		Month:       key.String(),
		Production:  production,
		Consumption: consumption,
		Balances:    balances,
	})
	if err != nil {
		return MonthResult{}, err
	}

	out := MonthResult{Month: key, Unmet: calc.Unmet}
	candidates := calc.Candidates()
	if len(candidates) == 0 {
		return out, nil
	}
	batch, err := s.coordinator.settleBatch(ctx, key, candidates)
	if err != nil {
		return MonthResult{}, err
	}
	out.TransactionID = batch.TransactionID
	out.Entries = batch.Succeeded
	out.Summary = allocation.Summarize(batch.Succeeded)
	return out, nil
}

// Preview runs the calculation against the stored balances without writing.
func (s *Service) Preview(ctx context.Context, month string, production []allocation.ProductionRecord, consumption []allocation.ConsumptionRecord) (Preview, error) {
	key, err := allocation.ParseMonthKey(month)
	if err != nil {
		return Preview{}, err
	}
	balances, err := s.coordinator.Balances(ctx)
	if err != nil {
		return Preview{}, err
	}
	calc, err := Calculate(CalculationInput{
		Month:       key.String(),
		Production:  production,
		Consumption: consumption,
		Balances:    balances,
	})
	if err != nil {
		return Preview{}, err
	}
	entries := calc.Entries()
	return Preview{
		Month:   key,
		Entries: entries,
		Summary: allocation.Summarize(entries),
		Unmet:   calc.Unmet,
	}, nil
}

// Query loads the persisted entries of a month. An empty kind returns all kinds.
func (s *Service) Query(ctx context.Context, month string, kind allocation.EntryKind) (MonthView, error) {
	key, err := allocation.ParseMonthKey(month)
	if err != nil {
		return MonthView{}, err
	}
	entries, err := s.coordinator.ListMonth(ctx, key.String(), kind)
	if err != nil {
		return MonthView{}, err
	}
	view := MonthView{
		Month:       key,
		Allocations: []allocation.Entry{},
		Banking:     []allocation.Entry{},
		Lapses:      []allocation.Entry{},
		Summary:     allocation.Summarize(entries),
	}
	for _, e := range entries {
		switch e.Kind {
		case allocation.KindAllocation:
			view.Allocations = append(view.Allocations, e)
		case allocation.KindBanking:
			view.Banking = append(view.Banking, e)
		case allocation.KindLapse:
			view.Lapses = append(view.Lapses, e)
		}
	}
	return view, nil
}

// Balances lists resting banking balances.
func (s *Service) Balances(ctx context.Context) ([]allocation.BankingBalance, error) {
	return s.coordinator.Balances(ctx)
}
