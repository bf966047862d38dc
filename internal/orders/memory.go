package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Order
	byPayment map[string]string
	byIdemKey map[string]string
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      map[string]*Order{},
		byPayment: map[string]string{},
		byIdemKey: map[string]string{},
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPayment[o.PaymentID]; ok && o.PaymentID != "" {
		return ErrDuplicatePayment
	}
	if _, ok := s.byIdemKey[o.IdempotencyKey]; ok && o.IdempotencyKey != "" {
		return ErrDuplicateIdempotencyKey
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	prepare(o, s.now().UTC())

	s.byID[o.ID] = o.clone()
	if o.PaymentID != "" {
		s.byPayment[o.PaymentID] = o.ID
	}
	if o.IdempotencyKey != "" {
		s.byIdemKey[o.IdempotencyKey] = o.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	s.mu.RLock()
	id, ok := s.byPayment[paymentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	s.mu.RLock()
	id, ok := s.byIdemKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Transition(_ context.Context, id string, req TransitionRequest) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return TransitionResult{}, ErrNotFound
	}
	from := o.Status

	d := Decide(from, req.To)
	switch d {
	case DecisionInvalid:
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.To)
	case DecisionNoop:
		return TransitionResult{Order: o.clone(), From: from}, nil
	}

	now := s.now().UTC()
	applied := d == DecisionApply
	o.History = append(o.History, HistoryEntry{
		Seq:     len(o.History) + 1,
		Status:  req.To,
		Note:    req.Note,
		Actor:   req.Actor,
		At:      now,
		Applied: applied,
	})
	if applied {
		o.Status = req.To
		if req.PaymentStatus != "" {
			o.PaymentStatus = req.PaymentStatus
		}
	}
	o.UpdatedAt = now
	return TransitionResult{Order: o.clone(), From: from, Applied: applied}, nil
}
