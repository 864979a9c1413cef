package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/execgateway/internal/domain"
)

// Memory is a thread-safe in-memory Store with a primary index by client
// order id, a secondary index by broker order id and a B-tree of open
// orders.
//
// Lock order: row lock -> posMu -> mu.
type Memory struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Order // client_order_id -> order
	byBrokerID  map[string]string        // broker_order_id -> client_order_id
	fills       map[string][]domain.Fill // client_order_id -> fills (append-only)
	fillOwner   map[string]string        // fill_id -> client_order_id
	open        *openIndex
	records     []*domain.ReconciliationRecord
	orphans     map[string]*domain.Orphan // orphan_id -> orphan
	orphanByKey map[string]string         // side|client|broker -> orphan_id
	rowLocksMu  sync.Mutex
	rowLocks    map[string]*sync.Mutex

	posMu     sync.Mutex
	positions map[string]domain.Position
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:      make(map[string]*domain.Order),
		byBrokerID:  make(map[string]string),
		fills:       make(map[string][]domain.Fill),
		fillOwner:   make(map[string]string),
		open:        newOpenIndex(),
		orphans:     make(map[string]*domain.Orphan),
		orphanByKey: make(map[string]string),
		rowLocks:    make(map[string]*sync.Mutex),
		positions:   make(map[string]domain.Position),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) rowLock(clientOrderID string) *sync.Mutex {
	s.rowLocksMu.Lock()
	defer s.rowLocksMu.Unlock()

	l, ok := s.rowLocks[clientOrderID]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[clientOrderID] = l
	}
	return l
}

// GetOrder retrieves an order by client order id.
func (s *Memory) GetOrder(_ context.Context, clientOrderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// GetOrderByBrokerID retrieves an order by broker order id.
func (s *Memory) GetOrderByBrokerID(_ context.Context, brokerOrderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byBrokerID[brokerOrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

// CreateOrder adds an order to the store and its indexes.
func (s *Memory) CreateOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ClientOrderID]; exists {
		return domain.ErrDuplicateOrder
	}
	c := o.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	o.Version = c.Version
	s.orders[c.ClientOrderID] = c
	s.index(nil, c)
	return nil
}

// index refreshes the secondary indexes after prev (nil on insert) became next.
// Caller holds mu.
func (s *Memory) index(prev, next *domain.Order) {
	if prev != nil && prev.BrokerOrderID != "" && prev.BrokerOrderID != next.BrokerOrderID {
		delete(s.byBrokerID, prev.BrokerOrderID)
	}
	if next.BrokerOrderID != "" {
		s.byBrokerID[next.BrokerOrderID] = next.ClientOrderID
	}
	if next.Status.IsTerminal() {
		s.open.remove(next.ClientOrderID)
		return
	}
	s.open.add(openEntry{
		SubmittedAt:   next.SubmittedAt,
		ClientOrderID: next.ClientOrderID,
		Symbol:        next.Symbol,
	})
}

// CompareAndSetOrder implements Store.
func (s *Memory) CompareAndSetOrder(_ context.Context, o *domain.Order, expectedVersion int64) (*domain.Order, error) {
	l := s.rowLock(o.ClientOrderID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ClientOrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return cur.Clone(), domain.ErrVersionConflict
	}
	if o.Priority < cur.Priority {
		return cur.Clone(), domain.ErrPriorityConflict
	}

	next := cur.Clone()
	copyMutable(next, o)
	next.Version = expectedVersion + 1
	s.orders[next.ClientOrderID] = next
	s.index(cur, next)
	return next.Clone(), nil
}

// copyMutable copies the fields an update may change.
func copyMutable(dst, src *domain.Order) {
	dst.BrokerOrderID = src.BrokerOrderID
	dst.FilledQuantity = src.FilledQuantity
	dst.AveragePrice = src.AveragePrice
	dst.Status = src.Status
	dst.UpdatedAt = src.UpdatedAt
	dst.Priority = src.Priority
}

// ListOpenOrders returns non-terminal orders, oldest submission first.
func (s *Memory) ListOpenOrders(_ context.Context) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0, s.open.len())
	s.open.ascend(func(e openEntry) bool {
		result = append(result, s.orders[e.ClientOrderID].Clone())
		return true
	})
	return result, nil
}

// ListOrders returns orders newest first, filtered by f.
func (s *Memory) ListOrders(_ context.Context, f OrderFilter) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Owner != "" && o.Owner != f.Owner {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.After(result[j].SubmittedAt)
		}
		return result[i].ClientOrderID > result[j].ClientOrderID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// OpenExposure sums the remaining quantity of the symbol's open orders per side.
func (s *Memory) OpenExposure(_ context.Context, symbol string) (domain.OpenExposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total domain.OpenExposure
	s.open.ascend(func(e openEntry) bool {
		if e.Symbol == symbol {
			total.Add(s.orders[e.ClientOrderID])
		}
		return true
	})
	return total, nil
}

// ListFills returns the order's fills in insertion order.
func (s *Memory) ListFills(_ context.Context, clientOrderID string) ([]domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Fill(nil), s.fills[clientOrderID]...), nil
}

// ListFillsBySymbol returns every fill of the symbol, superseded included.
func (s *Memory) ListFillsBySymbol(_ context.Context, symbol string) ([]domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.fillsBySymbolLocked(symbol, ""), nil
}

// fillsBySymbolLocked collects the symbol's fills, skipping the fills of
// excludeOrder. Caller holds mu.
func (s *Memory) fillsBySymbolLocked(symbol, excludeOrder string) []domain.Fill {
	result := make([]domain.Fill, 0)
	for id, fills := range s.fills {
		if id == excludeOrder {
			continue
		}
		for _, f := range fills {
			if f.Symbol == symbol {
				result = append(result, f)
			}
		}
	}
	return result
}

// ListFillSymbols returns the distinct symbols that have fills, sorted.
func (s *Memory) ListFillSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, fills := range s.fills {
		for _, f := range fills {
			seen[f.Symbol] = true
		}
	}
	result := make([]string, 0, len(seen))
	for sym := range seen {
		result = append(result, sym)
	}
	sort.Strings(result)
	return result, nil
}

// GetPosition returns the symbol's position, or a zero position.
func (s *Memory) GetPosition(_ context.Context, symbol string) (domain.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return zeroPosition(symbol), nil
	}
	return p, nil
}

func zeroPosition(symbol string) domain.Position {
	var p domain.Position
	p.Symbol = symbol
	return p
}

// ListPositions returns every stored position ordered by symbol.
func (s *Memory) ListPositions(_ context.Context) ([]domain.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	result := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// CompareAndSetPosition writes p if the stored version equals expectedVersion.
func (s *Memory) CompareAndSetPosition(_ context.Context, p domain.Position, expectedVersion int64) error {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	cur, ok := s.positions[p.Symbol]
	if !ok {
		cur = zeroPosition(p.Symbol)
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	s.positions[p.Symbol] = p
	return nil
}

// AppendRecord appends to the reconciliation log.
func (s *Memory) AppendRecord(_ context.Context, r *domain.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *r
	s.records = append(s.records, &c)
	return nil
}

// ListRecords returns matching records in append order.
func (s *Memory) ListRecords(_ context.Context, f RecordFilter) ([]*domain.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ReconciliationRecord, 0)
	for _, r := range s.records {
		if f.PassID != "" && r.PassID != f.PassID {
			continue
		}
		if f.ClientOrderID != "" && r.ClientOrderID != f.ClientOrderID {
			continue
		}
		c := *r
		result = append(result, &c)
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result, nil
}

func orphanKey(o *domain.Orphan) string {
	return string(o.Side) + "|" + o.ClientOrderID + "|" + o.BrokerOrderID
}

// UpsertOrphan implements Store.
func (s *Memory) UpsertOrphan(_ context.Context, o *domain.Orphan) (*domain.Orphan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orphanKey(o)
	if id, ok := s.orphanByKey[key]; ok {
		existing := s.orphans[id]
		if !existing.Acknowledged {
			existing.LastSeenAt = o.LastSeenAt
			existing.Detail = o.Detail
			c := *existing
			return &c, nil
		}
	}
	c := *o
	s.orphans[c.OrphanID] = &c
	s.orphanByKey[key] = c.OrphanID
	out := c
	return &out, nil
}

// ListOrphans returns orphans oldest first.
func (s *Memory) ListOrphans(_ context.Context, includeAcknowledged bool) ([]*domain.Orphan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Orphan, 0, len(s.orphans))
	for _, o := range s.orphans {
		if o.Acknowledged && !includeAcknowledged {
			continue
		}
		c := *o
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DetectedAt.Equal(result[j].DetectedAt) {
			return result[i].DetectedAt.Before(result[j].DetectedAt)
		}
		return result[i].OrphanID < result[j].OrphanID
	})
	return result, nil
}

// AcknowledgeOrphan marks an orphan as reviewed.
func (s *Memory) AcknowledgeOrphan(_ context.Context, orphanID string, at time.Time) (*domain.Orphan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orphans[orphanID]
	if !ok {
		return nil, domain.ErrOrphanNotFound
	}
	if !o.Acknowledged {
		o.Acknowledged = true
		o.AcknowledgedAt = &at
	}
	c := *o
	return &c, nil
}

// Ping always succeeds for the memory store.
func (s *Memory) Ping(context.Context) error {
	return nil
}
