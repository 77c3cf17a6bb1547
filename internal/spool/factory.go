package spool

import (
	"context"
	"strings"

	"github.com/ent0n29/geotrack/internal/tracking"
)

// Store is a tracking.Store that can also be purged by operators.
type Store interface {
	tracking.Store
	Purge(ctx context.Context) (int, error)
}

// NewStore opens a bbolt spool when a path is configured, otherwise in-memory.
func NewStore(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return NewMemoryStore(), nil
	}
	return NewBoltStore(path)
}
