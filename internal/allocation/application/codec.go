package application

import (
	"encoding/json"
	"fmt"
	"time"

	allocation "energy-allocation/internal/allocation/domain"
)

func encodeEntry(e allocation.Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(item *allocation.Item) (allocation.Entry, error) {
	var e allocation.Entry
	if err := json.Unmarshal(item.Body, &e); err != nil {
		return allocation.Entry{}, allocation.NewStoreError("decode entry", fmt.Errorf("%s: %w", item.Key, err))
	}
	e.Version = item.Version
	e.TransactionID = item.TransactionID
	return e, nil
}

func decodeBalance(item *allocation.Item) (allocation.BankingBalance, error) {
	var b allocation.BankingBalance
	if item == nil {
		return b, nil
	}
	if err := json.Unmarshal(item.Body, &b); err != nil {
		return allocation.BankingBalance{}, allocation.NewStoreError("decode balance", fmt.Errorf("%s: %w", item.Key, err))
	}
	return b, nil
}

func encodeBalance(b allocation.BankingBalance) ([]byte, error) {
	return json.Marshal(b)
}

// settlementRecord marks a month as settled.
type settlementRecord struct {
	Month         allocation.MonthKey `json:"month"`
	TransactionID string              `json:"transaction_id"`
	Entries       int                 `json:"entries"`
	SettledAt     time.Time           `json:"settled_at"`
}

func encodeSettlement(r settlementRecord) ([]byte, error) {
	return json.Marshal(r)
}
