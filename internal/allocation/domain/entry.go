package allocation

import (
	"fmt"
	"strings"
	"time"
)

// EntryKind discriminates persisted ledger entries and candidates.
type EntryKind string

const (
	KindAllocation EntryKind = "allocation"
	KindBanking    EntryKind = "banking"
	KindLapse      EntryKind = "lapse"
)

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindAllocation, KindBanking, KindLapse:
		return true
	default:
		return false
	}
}

// Kinds returns all entry kinds.
func Kinds() []EntryKind {
	return []EntryKind{KindAllocation, KindBanking, KindLapse}
}

// Source tells where allocated units came from.
type Source string

const (
	SourceProduction Source = "production"
	SourceBanking    Source = "banking"
)

// AllocationEntry links one producer to one consumer for one month.
type AllocationEntry struct {
	ProducerID string
	ConsumerID string
	Month      MonthKey
	Source     Source
	Allocated  Buckets
}

// BankingEntry is the banking delta of a producer for one month. Credited is
// positive for banked production and negative for units drawn from the opening balance.
type BankingEntry struct {
	ProducerID string
	Month      MonthKey
	Credited   Buckets
	Opening    Buckets
}

// Balance returns the resting balance after the entry.
func (e BankingEntry) Balance() Buckets {
	return e.Opening.Add(e.Credited)
}

// LapseEntry is the forfeited remainder of a producer for one month.
type LapseEntry struct {
	ProducerID string
	Month      MonthKey
	Lapsed     Buckets
}

// Entry is the persisted form of an allocation, banking or lapse entry.
type Entry struct {
	ID              string    `json:"id"`
	Kind            EntryKind `json:"kind"`
	ProducerID      string    `json:"producer_id"`
	ConsumerID      string    `json:"consumer_id,omitempty"`
	Month           MonthKey  `json:"month"`
	Source          Source    `json:"source,omitempty"`
	Buckets         Buckets   `json:"buckets"`
	Balance         Buckets   `json:"balance"`
	CumulativeTotal int64     `json:"cumulative_total"`
	Version         int64     `json:"version"`
	TransactionID   string    `json:"transaction_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Key returns the ledger key of the entry.
func (e Entry) Key() Key {
	return EntryKey(e.Kind, e.ProducerID, e.Month, e.ConsumerID)
}

// Key addresses an item in the ledger store.
type Key struct {
	Partition string
	Sort      string
}

// String renders the key for logs and lock names.
func (k Key) String() string { return k.Partition + "|" + k.Sort }

const (
	balancePartition    = "balance"
	settlementPartition = "settlement"
)

// EntryKey builds the ledger key: partition {kind}#{month}, sort {producer}#{month}[#{consumer}].
func EntryKey(kind EntryKind, producerID string, month MonthKey, consumerID string) Key {
	sort := producerID + "#" + string(month)
	if consumerID != "" {
		sort += "#" + consumerID
	}
	return Key{Partition: MonthPartition(kind, month), Sort: sort}
}

// MonthPartition returns the partition holding entries of a kind for a month.
func MonthPartition(kind EntryKind, month MonthKey) string {
	return string(kind) + "#" + string(month)
}

// BalanceKey addresses the resting banking balance of a producer.
func BalanceKey(producerID string) Key {
	return Key{Partition: balancePartition, Sort: producerID}
}

// SettlementKey addresses the record marking a month as settled.
func SettlementKey(month MonthKey) Key {
	return Key{Partition: settlementPartition, Sort: string(month)}
}

// BalancePartition returns the partition holding banking balances.
func BalancePartition() string { return balancePartition }

// EntryID builds the public identifier {kind}#{producer}#{month}[#{consumer}].
func EntryID(kind EntryKind, producerID string, month MonthKey, consumerID string) string {
	id := string(kind) + "#" + producerID + "#" + string(month)
	if consumerID != "" {
		id += "#" + consumerID
	}
	return id
}

// EntryRef is a parsed entry identifier.
type EntryRef struct {
	Kind       EntryKind
	ProducerID string
	Month      MonthKey
	ConsumerID string
}

// Key returns the ledger key of the reference.
func (r EntryRef) Key() Key {
	return EntryKey(r.Kind, r.ProducerID, r.Month, r.ConsumerID)
}

// ID returns the public identifier of the reference.
func (r EntryRef) ID() string {
	return EntryID(r.Kind, r.ProducerID, r.Month, r.ConsumerID)
}

// ParseEntryID parses an identifier built by EntryID. The month part may use either accepted form.
func ParseEntryID(id string) (EntryRef, error) {
	parts := strings.Split(id, "#")
	if len(parts) < 3 || len(parts) > 4 {
		return EntryRef{}, NewValidationError("id", fmt.Sprintf("malformed entry id %q", id))
	}
	kind := EntryKind(parts[0])
	if !kind.Valid() {
		return EntryRef{}, NewValidationError("id", fmt.Sprintf("unknown kind %q", parts[0]))
	}
	if parts[1] == "" {
		return EntryRef{}, NewValidationError("id", "empty producer id")
	}
	month, err := ParseMonthKey(parts[2])
	if err != nil {
		return EntryRef{}, err
	}
	ref := EntryRef{Kind: kind, ProducerID: parts[1], Month: month}
	if len(parts) == 4 {
		ref.ConsumerID = parts[3]
	}
	if kind == KindAllocation && ref.ConsumerID == "" {
		return EntryRef{}, NewValidationError("id", "allocation id requires a consumer")
	}
	if kind != KindAllocation && ref.ConsumerID != "" {
		return EntryRef{}, NewValidationError("id", fmt.Sprintf("%s id takes no consumer", kind))
	}
	return ref, nil
}
