package allocation

// KindSummary counts entries of one kind and sums their units.
type KindSummary struct {
	Count int   `json:"count"`
	Total int64 `json:"total"`
}

// Summary is the derived roll-up of a month's entries.
type Summary struct {
	Total   int64       `json:"total"`
	Peak    int64       `json:"peak"`
	NonPeak int64       `json:"nonPeak"`
	Regular KindSummary `json:"regular"`
	Banking KindSummary `json:"banking"`
	Lapse   KindSummary `json:"lapse"`
}

// Summarize sums the normalized buckets of each entry.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		b := e.Buckets
		s.Total += b.Total()
		s.Peak += b.PeakTotal()
		s.NonPeak += b.NonPeakTotal()
		switch e.Kind {
		case KindAllocation:
			s.Regular.Count++
			s.Regular.Total += b.Total()
		case KindBanking:
			s.Banking.Count++
			s.Banking.Total += b.Total()
		case KindLapse:
			s.Lapse.Count++
			s.Lapse.Total += b.Total()
		}
	}
	return s
}
