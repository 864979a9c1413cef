package store

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/execgateway/internal/domain"
)

// memTx buffers the writes of one InOrderTx call until commit.
type memTx struct {
	s     *Memory
	order *domain.Order
	saved bool
	fills []domain.Fill
	added map[string]bool
	dirty map[string]bool
}

var _ OrderTx = (*memTx)(nil)

// InOrderTx implements Store. The row lock is held for the whole of fn.
func (s *Memory) InOrderTx(ctx context.Context, clientOrderID string, fn func(tx OrderTx) error) error {
	l := s.rowLock(clientOrderID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		s.mu.RUnlock()
		return domain.ErrOrderNotFound
	}
	tx := &memTx{
		s:     s,
		order: o.Clone(),
		fills: append([]domain.Fill(nil), s.fills[clientOrderID]...),
		added: make(map[string]bool),
		dirty: make(map[string]bool),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// commit publishes the buffered writes of tx atomically.
func (s *Memory) commit(tx *memTx) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.order.ClientOrderID
	for fillID := range tx.added {
		s.fillOwner[fillID] = id
	}
	s.fills[id] = tx.fills

	if tx.saved {
		cur := s.orders[id]
		next := cur.Clone()
		copyMutable(next, tx.order)
		next.Version = cur.Version + 1
		s.orders[id] = next
		s.index(cur, next)
	}

	now := time.Now().UTC()
	for symbol := range tx.dirty {
		computed := domain.ComputePosition(symbol, s.fillsBySymbolLocked(symbol, ""))
		cur, exists := s.positions[symbol]
		if exists && cur.SameHoldings(computed) {
			continue
		}
		computed.Version = cur.Version + 1
		computed.UpdatedAt = now
		s.positions[symbol] = computed
	}
}

func (tx *memTx) Order() *domain.Order {
	return tx.order
}

func (tx *memTx) Fills() []domain.Fill {
	return append([]domain.Fill(nil), tx.fills...)
}

func (tx *memTx) InsertFill(f domain.Fill) (bool, error) {
	for _, existing := range tx.fills {
		if existing.FillID == f.FillID {
			return false, nil
		}
	}
	tx.s.mu.RLock()
	_, known := tx.s.fillOwner[f.FillID]
	tx.s.mu.RUnlock()
	if known {
		return false, nil
	}

	f.ClientOrderID = tx.order.ClientOrderID
	tx.fills = append(tx.fills, f)
	tx.added[f.FillID] = true
	return true, nil
}

func (tx *memTx) SupersedeFill(fillID string) error {
	for i := range tx.fills {
		if tx.fills[i].FillID == fillID {
			tx.fills[i].Superseded = true
			return nil
		}
	}
	return fmt.Errorf("fill %s not found on order %s", fillID, tx.order.ClientOrderID)
}

func (tx *memTx) SaveOrder(o *domain.Order) error {
	if o.ClientOrderID != tx.order.ClientOrderID {
		return fmt.Errorf("save order %s inside transaction of %s", o.ClientOrderID, tx.order.ClientOrderID)
	}
	if o != tx.order {
		tx.order = o.Clone()
	}
	tx.saved = true
	return nil
}

// RecomputePosition returns the position as it will be after commit. The
// stored row is rewritten at commit time under the position lock.
func (tx *memTx) RecomputePosition(symbol string) (domain.Position, error) {
	tx.dirty[symbol] = true

	tx.s.posMu.Lock()
	defer tx.s.posMu.Unlock()
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	fills := tx.s.fillsBySymbolLocked(symbol, tx.order.ClientOrderID)
	fills = append(fills, tx.fills...)
	p := domain.ComputePosition(symbol, fills)
	cur, exists := tx.s.positions[symbol]
	switch {
	case exists && cur.SameHoldings(p):
		p.Version = cur.Version
	default:
		p.Version = cur.Version + 1
	}
	return p, nil
}
