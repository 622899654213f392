package client

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memo collapses identical upstream calls issued within a short window. It is not
// the durable cache; entries live for the process only. A nil memo is disabled.
type memo struct {
	lru *expirable.LRU[string, []json.RawMessage]
}

func newMemo(size int, ttl time.Duration) *memo {
	if size <= 0 {
		return nil
	}
	return &memo{lru: expirable.NewLRU[string, []json.RawMessage](size, nil, ttl)}
}

func (m *memo) get(key string) ([]json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	return m.lru.Get(key)
}

func (m *memo) add(key string, rows []json.RawMessage) {
	if m == nil {
		return
	}
	m.lru.Add(key, rows)
}

func (m *memo) len() int {
	if m == nil {
		return 0
	}
	return m.lru.Len()
}
