package memory

import (
	"context"
	"sync"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
)

// MemoryWidgetEventRepository is a fixed-size ring of widget events.
type MemoryWidgetEventRepository struct {
	mu     sync.RWMutex
	events []*domain.WidgetEvent
	next   int
	full   bool
}

func NewMemoryWidgetEventRepository(capacity int) ports.WidgetEventRepository {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryWidgetEventRepository{
		events: make([]*domain.WidgetEvent, capacity),
	}
}

func (r *MemoryWidgetEventRepository) Append(ctx context.Context, event *domain.WidgetEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *event
	r.events[r.next] = &copied
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

func (r *MemoryWidgetEventRepository) Recent(ctx context.Context, limit int) ([]*domain.WidgetEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	result := make([]*domain.WidgetEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		copied := *r.events[idx]
		result = append(result, &copied)
	}
	return result, nil
}
