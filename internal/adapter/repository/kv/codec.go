package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Collection roots of the ledger tree
const (
	AccountsPath      = "accounts"
	OrdersPath        = "orders"
	TransferQueuePath = "transferQueue"
	RatingQueuePath   = "ratingQueue"
	TransactionsPath  = "transactions"
	AlertsPath        = "alerts"
)

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// merge writes the fields of v over the JSON object in raw so that fields
// owned by other writers (front ends) survive an update
func merge(raw json.RawMessage, v any) (json.RawMessage, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return encoded, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &base); err != nil {
		return encoded, nil
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &overlay); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	for k, val := range overlay {
		base[k] = val
	}
	return json.Marshal(base)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
