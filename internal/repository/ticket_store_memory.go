package repository

import (
	"context"
	"sync"

	"github.com/pu-ac-cn/uac-cas/internal/model"
)

// memoryTicketStore 进程内票据存储，保存票据对象本身
type memoryTicketStore struct {
	mu      sync.RWMutex
	tickets map[string]model.Ticket
}

// NewMemoryTicketStore 创建内存存储，initialCapacity 为预分配容量
func NewMemoryTicketStore(initialCapacity int) TicketStore {
	if initialCapacity < 0 {
		initialCapacity = 0
	}
	return &memoryTicketStore{tickets: make(map[string]model.Ticket, initialCapacity)}
}

func (s *memoryTicketStore) Put(_ context.Context, ticket model.Ticket) error {
	s.mu.Lock()
	s.tickets[ticket.ID()] = ticket
	s.mu.Unlock()
	return nil
}

func (s *memoryTicketStore) Get(_ context.Context, id string) (model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	return t, nil
}

func (s *memoryTicketStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; !ok {
		return false, nil
	}
	delete(s.tickets, id)
	return true, nil
}

func (s *memoryTicketStore) List(_ context.Context) ([]model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out, nil
}

func (s *memoryTicketStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tickets)
	s.tickets = make(map[string]model.Ticket)
	return n, nil
}
