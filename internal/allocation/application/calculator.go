package application

import (
	"fmt"
	"math"
	"sort"
	"strings"

	allocation "energy-allocation/internal/allocation/domain"
)

// CalculationInput is everything the calculator needs for one month.
// Record order matters: it is the processing order of producers and the
// final tie-break between consumers.
type CalculationInput struct {
	Month       string
	Production  []allocation.ProductionRecord
	Consumption []allocation.ConsumptionRecord
	Balances    []allocation.BankingBalance
}

// Allocation is a computed allocation entry. Drawn holds the same units as
// Allocated but keyed by the period they were taken from, which differs when
// peak units were borrowed for non-peak demand.
type Allocation struct {
	allocation.AllocationEntry
	Drawn allocation.Buckets
}

// CalculationResult is the proposed outcome of a month.
type CalculationResult struct {
	Month       allocation.MonthKey
	Allocations []Allocation
	Banking     []allocation.BankingEntry
	Lapses      []allocation.LapseEntry
	// Available is the normalized production of the month.
	Available allocation.Buckets
	// Unmet is the demand left after every source was exhausted.
	Unmet allocation.Buckets
}

// Entries converts the result to draft ledger entries.
func (r CalculationResult) Entries() []allocation.Entry {
	out := make([]allocation.Entry, 0, len(r.Allocations)+len(r.Banking)+len(r.Lapses))
	for _, a := range r.Allocations {
		out = append(out, allocation.Entry{
			ID:         allocation.EntryID(allocation.KindAllocation, a.ProducerID, r.Month, a.ConsumerID),
			Kind:       allocation.KindAllocation,
			ProducerID: a.ProducerID,
			ConsumerID: a.ConsumerID,
			Month:      r.Month,
			Source:     a.Source,
			Buckets:    a.Allocated,
		})
	}
	for _, b := range r.Banking {
		out = append(out, allocation.Entry{
			ID:              allocation.EntryID(allocation.KindBanking, b.ProducerID, r.Month, ""),
			Kind:            allocation.KindBanking,
			ProducerID:      b.ProducerID,
			Month:           r.Month,
			Buckets:         b.Credited,
			Balance:         b.Balance(),
			CumulativeTotal: b.Balance().Total(),
		})
	}
	for _, l := range r.Lapses {
		out = append(out, allocation.Entry{
			ID:         allocation.EntryID(allocation.KindLapse, l.ProducerID, r.Month, ""),
			Kind:       allocation.KindLapse,
			ProducerID: l.ProducerID,
			Month:      r.Month,
			Buckets:    l.Lapsed,
		})
	}
	return out
}

// Candidates converts the result to ledger write candidates.
func (r CalculationResult) Candidates() []allocation.Candidate {
	month := r.Month.String()
	out := make([]allocation.Candidate, 0, len(r.Allocations)+len(r.Banking)+len(r.Lapses))
	for _, a := range r.Allocations {
		out = append(out, allocation.AllocationCandidate{
			ProducerID: a.ProducerID,
			ConsumerID: a.ConsumerID,
			Month:      month,
			Source:     a.Source,
			Allocated:  toRaw(a.Allocated),
		})
	}
	for _, b := range r.Banking {
		out = append(out, allocation.BankingCandidate{
			ProducerID: b.ProducerID,
			Month:      month,
			Credited:   toRaw(b.Credited),
		})
	}
	for _, l := range r.Lapses {
		out = append(out, allocation.LapseCandidate{
			ProducerID: l.ProducerID,
			Month:      month,
			Lapsed:     toRaw(l.Lapsed),
		})
	}
	return out
}

// Summary rolls the proposed entries up the same way persisted entries are.
func (r CalculationResult) Summary() allocation.Summary {
	return allocation.Summarize(r.Entries())
}

func toRaw(b allocation.Buckets) allocation.RawBuckets {
	raw := make(allocation.RawBuckets, allocation.PeriodCount)
	for key, v := range b.Sparse() {
		raw[key] = v
	}
	return raw
}

type producer struct {
	record    allocation.ProductionRecord
	available allocation.Buckets
}

type consumer struct {
	id          string
	index       int
	percentage  float64
	outstanding allocation.Buckets
}

func (c *consumer) score() float64 {
	return float64(c.outstanding.Total()) * c.percentage
}

type calculation struct {
	month       allocation.MonthKey
	consumers   []*consumer
	allocations []Allocation
	allocIndex  map[string]int
}

// Calculator is the stateless allocation algorithm.
type Calculator struct{}

// Calculate runs the algorithm for one month.
func (Calculator) Calculate(month string, production []allocation.ProductionRecord, consumption []allocation.ConsumptionRecord, balances []allocation.BankingBalance) (CalculationResult, error) {
	return Calculate(CalculationInput{Month: month, Production: production, Consumption: consumption, Balances: balances})
}

// Calculate runs the allocation algorithm. It performs no I/O and returns
// only validation errors.
func Calculate(in CalculationInput) (CalculationResult, error) {
	month, err := allocation.ParseMonthKey(in.Month)
	if err != nil {
		return CalculationResult{}, err
	}
	producers, err := loadProducers(month, in.Production)
	if err != nil {
		return CalculationResult{}, err
	}
	consumers, err := loadConsumers(month, in.Consumption)
	if err != nil {
		return CalculationResult{}, err
	}
	if err := checkDisjoint(producers, consumers); err != nil {
		return CalculationResult{}, err
	}
	balances, err := loadBalances(in.Balances)
	if err != nil {
		return CalculationResult{}, err
	}

	c := &calculation{month: month, consumers: consumers, allocIndex: make(map[string]int)}
	result := CalculationResult{Month: month}
	for _, p := range producers {
		result.Available = result.Available.Add(p.available)
	}

	// Solar first; solar never banks.
	for _, p := range producers {
		if p.record.Category != allocation.CategorySolar || p.available.IsZero() {
			continue
		}
		if lapse := c.matchOrLapse(p); lapse != nil {
			result.Lapses = append(result.Lapses, *lapse)
		}
	}

	// Banking-eligible wind is banked whole and only matched against leftover demand below.
	opening := make(map[string]allocation.Buckets, len(balances))
	for _, b := range balances {
		opening[b.ProducerID] = b.Balance
	}
	for _, p := range producers {
		if !p.record.CanBank() || p.available.IsZero() {
			continue
		}
		result.Banking = append(result.Banking, allocation.BankingEntry{
			ProducerID: p.record.SiteID,
			Month:      month,
			Credited:   p.available,
			Opening:    opening[p.record.SiteID],
		})
	}

	for _, p := range producers {
		if p.record.Category != allocation.CategoryWind || p.record.CanBank() || p.available.IsZero() {
			continue
		}
		if lapse := c.matchOrLapse(p); lapse != nil {
			result.Lapses = append(result.Lapses, *lapse)
		}
	}

	result.Banking = c.drawFromBanking(result.Banking, balances, opening)
	result.Allocations = c.allocations
	for _, cs := range c.consumers {
		result.Unmet = result.Unmet.Add(cs.outstanding)
	}
	return result, nil
}

func (c *calculation) matchOrLapse(p producer) *allocation.LapseEntry {
	available := p.available
	c.distribute(p.record.SiteID, &available, allocation.SourceProduction)
	if available.IsZero() {
		return nil
	}
	return &allocation.LapseEntry{ProducerID: p.record.SiteID, Month: c.month, Lapsed: available}
}

// drawFromBanking serves leftover demand from this month's banking credits, in
// creation order, and then from opening balances of producers without a credit.
// Credits that end up fully spent are dropped from the result.
func (c *calculation) drawFromBanking(entries []allocation.BankingEntry, balances []allocation.BankingBalance, opening map[string]allocation.Buckets) []allocation.BankingEntry {
	type source struct {
		producerID string
		credit     allocation.Buckets
		opening    allocation.Buckets
		entry      int
	}
	var sources []source
	credited := make(map[string]bool, len(entries))
	for i, e := range entries {
		credited[e.ProducerID] = true
		sources = append(sources, source{producerID: e.ProducerID, credit: e.Credited, opening: e.Opening, entry: i})
	}
	for _, b := range balances {
		if credited[b.ProducerID] || b.Balance.IsZero() {
			continue
		}
		sources = append(sources, source{producerID: b.ProducerID, opening: opening[b.ProducerID], entry: -1})
	}

	for _, s := range sources {
		if !c.hasOutstanding() {
			break
		}
		pool := s.credit.Add(s.opening)
		before := pool
		c.distribute(s.producerID, &pool, allocation.SourceBanking)
		used := before.Sub(pool)
		if used.IsZero() {
			continue
		}
		if s.entry >= 0 {
			entries[s.entry].Credited = entries[s.entry].Credited.Sub(used)
			continue
		}
		entries = append(entries, allocation.BankingEntry{
			ProducerID: s.producerID,
			Month:      c.month,
			Credited:   used.Negate(),
			Opening:    s.opening,
		})
	}

	kept := entries[:0]
	for _, e := range entries {
		if !e.Credited.IsZero() {
			kept = append(kept, e)
		}
	}
	return kept
}

// distribute matches available units against consumers in priority order.
func (c *calculation) distribute(producerID string, available *allocation.Buckets, src allocation.Source) {
	for _, cs := range c.ordered() {
		if available.IsZero() {
			return
		}
		// A site never supplies itself, including from its own banked balance.
		if cs.outstanding.IsZero() || cs.id == producerID {
			continue
		}
		before := *available
		got := Match(available, &cs.outstanding)
		if got.Total() == 0 {
			continue
		}
		c.addAllocation(producerID, cs.id, src, got, before.Sub(*available))
	}
}

func (c *calculation) addAllocation(producerID, consumerID string, src allocation.Source, allocated, drawn allocation.Buckets) {
	key := producerID + "#" + consumerID
	if i, ok := c.allocIndex[key]; ok {
		c.allocations[i].Allocated = c.allocations[i].Allocated.Add(allocated)
		c.allocations[i].Drawn = c.allocations[i].Drawn.Add(drawn)
		return
	}
	c.allocIndex[key] = len(c.allocations)
	c.allocations = append(c.allocations, Allocation{
		AllocationEntry: allocation.AllocationEntry{
			ProducerID: producerID,
			ConsumerID: consumerID,
			Month:      c.month,
			Source:     src,
			Allocated:  allocated,
		},
		Drawn: drawn,
	})
}

func (c *calculation) hasOutstanding() bool {
	for _, cs := range c.consumers {
		if !cs.outstanding.IsZero() {
			return true
		}
	}
	return false
}

// ordered sorts consumers by outstanding total times percentage, descending.
// Ties go to consumers that still need units, then to the higher percentage,
// then to input order.
func (c *calculation) ordered() []*consumer {
	out := append([]*consumer(nil), c.consumers...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if sa, sb := a.score(), b.score(); sa != sb {
			return sa > sb
		}
		if na, nb := !a.outstanding.IsZero(), !b.outstanding.IsZero(); na != nb {
			return na
		}
		if a.percentage != b.percentage {
			return a.percentage > b.percentage
		}
		return a.index < b.index
	})
	return out
}

// Match moves units from available to demand and returns what was allocated,
// keyed by the demand period. Peak demand is served from the same peak period
// only. Non-peak demand is served from the same period first and then by
// borrowing leftover peak units in canonical order. Non-peak units never serve
// another period.
func Match(available, demand *allocation.Buckets) allocation.Buckets {
	var out allocation.Buckets
	for _, p := range allocation.PeakPeriods() {
		n := min(available[p], demand[p])
		if n <= 0 {
			continue
		}
		out[p] += n
		available[p] -= n
		demand[p] -= n
	}
	for _, p := range allocation.NonPeakPeriods() {
		if demand[p] <= 0 {
			continue
		}
		if n := min(available[p], demand[p]); n > 0 {
			out[p] += n
			available[p] -= n
			demand[p] -= n
		}
		for _, peak := range allocation.PeakPeriods() {
			if demand[p] == 0 {
				break
			}
			n := min(available[peak], demand[p])
			if n <= 0 {
				continue
			}
			out[p] += n
			available[peak] -= n
			demand[p] -= n
		}
	}
	return out
}

func loadProducers(month allocation.MonthKey, records []allocation.ProductionRecord) ([]producer, error) {
	seen := make(map[string]bool, len(records))
	out := make([]producer, 0, len(records))
	for i, r := range records {
		field := fmt.Sprintf("production[%d]", i)
		if err := checkSiteID(field, r.SiteID); err != nil {
			return nil, err
		}
		if seen[r.SiteID] {
			return nil, allocation.NewValidationError(field+".site_id", fmt.Sprintf("duplicate site %q", r.SiteID))
		}
		seen[r.SiteID] = true
		if r.Category != allocation.CategorySolar && r.Category != allocation.CategoryWind {
			return nil, allocation.NewValidationError(field+".category", fmt.Sprintf("unknown category %q", r.Category))
		}
		if err := checkMonth(field, month, r.Month); err != nil {
			return nil, err
		}
		if err := allocation.ValidateRaw(field+".units", r.Units, true); err != nil {
			return nil, err
		}
		out = append(out, producer{record: r, available: allocation.NormalizeNonNegative(r.Units)})
	}
	return out, nil
}

func loadConsumers(month allocation.MonthKey, records []allocation.ConsumptionRecord) ([]*consumer, error) {
	seen := make(map[string]bool, len(records))
	out := make([]*consumer, 0, len(records))
	for i, r := range records {
		field := fmt.Sprintf("consumption[%d]", i)
		if err := checkSiteID(field, r.SiteID); err != nil {
			return nil, err
		}
		if seen[r.SiteID] {
			return nil, allocation.NewValidationError(field+".site_id", fmt.Sprintf("duplicate site %q", r.SiteID))
		}
		seen[r.SiteID] = true
		if err := checkMonth(field, month, r.Month); err != nil {
			return nil, err
		}
		pct := r.Percentage()
		if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
			return nil, allocation.NewValidationError(field+".allocation_percentage", "must be a non-negative number")
		}
		if err := allocation.ValidateRaw(field+".demand", r.Demand, false); err != nil {
			return nil, err
		}
		out = append(out, &consumer{
			id:          r.SiteID,
			index:       i,
			percentage:  pct,
			outstanding: allocation.NormalizeNonNegative(r.Demand),
		})
	}
	return out, nil
}

// checkDisjoint rejects a site listed both as producer and consumer of the month.
func checkDisjoint(producers []producer, consumers []*consumer) error {
	ids := make(map[string]bool, len(producers))
	for _, p := range producers {
		ids[p.record.SiteID] = true
	}
	for _, cs := range consumers {
		if ids[cs.id] {
			return allocation.NewValidationError(fmt.Sprintf("consumption[%d].site_id", cs.index), fmt.Sprintf("site %q is also listed as a producer", cs.id))
		}
	}
	return nil
}

func loadBalances(balances []allocation.BankingBalance) ([]allocation.BankingBalance, error) {
	seen := make(map[string]bool, len(balances))
	for i, b := range balances {
		field := fmt.Sprintf("balances[%d]", i)
		if err := checkSiteID(field, b.ProducerID); err != nil {
			return nil, err
		}
		if seen[b.ProducerID] {
			return nil, allocation.NewValidationError(field+".producer_id", fmt.Sprintf("duplicate producer %q", b.ProducerID))
		}
		seen[b.ProducerID] = true
		if b.Balance.HasNegative() {
			return nil, allocation.NewValidationError(field+".balance", "resting balance cannot be negative")
		}
	}
	return balances, nil
}

func checkSiteID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return allocation.NewValidationError(field+".site_id", "required")
	}
	if strings.Contains(id, "#") {
		return allocation.NewValidationError(field+".site_id", `must not contain "#"`)
	}
	return nil
}

func checkMonth(field string, month allocation.MonthKey, value string) error {
	if value == "" {
		return nil
	}
	got, err := allocation.ParseMonthKey(value)
	if err != nil {
		return allocation.NewValidationError(field+".month", err.Error())
	}
	if got != month {
		return allocation.NewValidationError(field+".month", fmt.Sprintf("record month %s differs from %s", got, month))
	}
	return nil
}
