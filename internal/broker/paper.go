package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
)

// Paper is an in-memory broker. Market orders fill immediately at the
// symbol's mark price; limit orders rest until Execute is called. Pushed
// events go to the sink set with SetEventSink.
//
// Faults can be injected for drills and tests: a fixed latency, a one-shot
// error and a reject list.
type Paper struct {
	mu          sync.Mutex
	byClientID  map[string]*Order
	byBrokerID  map[string]*Order
	fills       []Fill
	marks       map[string]decimal.Decimal
	positions   map[string]int64 // overrides for drift drills
	sink        func(Event)
	latency     time.Duration
	nextErr     error
	rejects     map[string]string // symbol -> reason
	submitCalls int
	now         func() time.Time
}

var _ Adapter = (*Paper)(nil)

// NewPaper creates a paper broker with a default mark price of 100.
func NewPaper() *Paper {
	return &Paper{
		byClientID: make(map[string]*Order),
		byBrokerID: make(map[string]*Order),
		marks:      make(map[string]decimal.Decimal),
		positions:  make(map[string]int64),
		rejects:    make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Paper) Name() string { return "paper" }

// SetEventSink sets the receiver of pushed events. Events are delivered
// synchronously after the broker state changed, outside the broker lock.
func (p *Paper) SetEventSink(sink func(Event)) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// SetMark sets the execution price of market orders in symbol.
func (p *Paper) SetMark(symbol string, px decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = px
	p.mu.Unlock()
}

// SetLatency delays every call by d (honouring the context).
func (p *Paper) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// FailNext makes the next call return err.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	p.nextErr = err
	p.mu.Unlock()
}

// RejectSymbol makes submissions in symbol fail with a definitive rejection.
func (p *Paper) RejectSymbol(symbol, reason string) {
	p.mu.Lock()
	p.rejects[symbol] = reason
	p.mu.Unlock()
}

// SetPosition overrides the reported position of symbol.
func (p *Paper) SetPosition(symbol string, qty int64) {
	p.mu.Lock()
	p.positions[symbol] = qty
	p.mu.Unlock()
}

// SubmitCalls returns how many Submit calls reached the broker.
func (p *Paper) SubmitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCalls
}

// enter applies the injected latency and one-shot error.
func (p *Paper) enter(ctx context.Context) error {
	p.mu.Lock()
	latency := p.latency
	err := p.nextErr
	p.nextErr = nil
	p.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrBrokerTimeout, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerTimeout, err)
	}
	return err
}

func (p *Paper) emit(events []Event) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}
	for _, ev := range events {
		sink(ev)
	}
}

// Submit implements Adapter.
func (p *Paper) Submit(ctx context.Context, clientOrderID string, req OrderRequest) (Order, error) {
	p.mu.Lock()
	p.submitCalls++
	p.mu.Unlock()

	if err := p.enter(ctx); err != nil {
		return Order{}, err
	}

	p.mu.Lock()
	if existing, ok := p.byClientID[clientOrderID]; ok {
		o := *existing
		p.mu.Unlock()
		return o, nil
	}
	if reason, ok := p.rejects[req.Symbol]; ok {
		p.mu.Unlock()
		return Order{}, &domain.BrokerRejectedError{Reason: reason}
	}

	now := p.now()
	o := &Order{
		BrokerOrderID: "P-" + uuid.NewString(),
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		AveragePrice:  decimal.Zero,
		Status:        domain.OrderStatusSubmitted,
		UpdatedAt:     now,
	}
	p.byClientID[clientOrderID] = o
	p.byBrokerID[o.BrokerOrderID] = o
	accepted := *o

	var events []Event
	if req.Type == domain.OrderTypeMarket {
		mark, ok := p.marks[req.Symbol]
		if !ok {
			mark = decimal.NewFromInt(100)
		}
		events = p.executeLocked(o, req.Quantity, mark)
	}
	p.mu.Unlock()

	p.emit(events)
	return accepted, nil
}

// Execute fills qty of a resting order at px and pushes the fill.
func (p *Paper) Execute(brokerOrderID string, qty int64, px decimal.Decimal) (Fill, error) {
	f, err := p.ExecuteSilently(brokerOrderID, qty, px)
	if err != nil {
		return Fill{}, err
	}
	p.emit([]Event{p.fillEvent(f)})
	return f, nil
}

// ExecuteSilently fills like Execute but drops the push, as when a webhook
// delivery is lost.
func (p *Paper) ExecuteSilently(brokerOrderID string, qty int64, px decimal.Decimal) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.byBrokerID[brokerOrderID]
	if !ok {
		return Fill{}, domain.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return Fill{}, fmt.Errorf("order %s is %s", brokerOrderID, o.Status)
	}
	if qty <= 0 || o.FilledQuantity+qty > o.Quantity {
		return Fill{}, fmt.Errorf("fill of %d exceeds remaining %d", qty, o.Quantity-o.FilledQuantity)
	}
	p.executeLocked(o, qty, px)
	return p.fills[len(p.fills)-1], nil
}

// executeLocked records an execution. Caller holds mu.
func (p *Paper) executeLocked(o *Order, qty int64, px decimal.Decimal) []Event {
	now := p.now()
	f := Fill{
		FillID:        "PF-" + uuid.NewString(),
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         px,
		Quantity:      qty,
		ExecutedAt:    now,
	}
	p.fills = append(p.fills, f)

	notional := o.AveragePrice.Mul(decimal.NewFromInt(o.FilledQuantity)).Add(px.Mul(decimal.NewFromInt(qty)))
	o.FilledQuantity += qty
	o.AveragePrice = notional.Div(decimal.NewFromInt(o.FilledQuantity)).Round(8)
	if o.FilledQuantity >= o.Quantity {
		o.Status = domain.OrderStatusFilled
	} else if o.Status != domain.OrderStatusPendingCancel {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now

	return []Event{p.fillEvent(f)}
}

func (p *Paper) fillEvent(f Fill) Event {
	return Event{EventID: uuid.NewString(), Type: EventFill, OccurredAt: f.ExecutedAt, Fill: &f}
}

// Correct replaces an earlier fill with a corrected quantity and price.
func (p *Paper) Correct(fillID string, qty int64, px decimal.Decimal) (Fill, error) {
	p.mu.Lock()
	var orig *Fill
	for i := range p.fills {
		if p.fills[i].FillID == fillID {
			orig = &p.fills[i]
		}
	}
	if orig == nil {
		p.mu.Unlock()
		return Fill{}, fmt.Errorf("fill %s not found", fillID)
	}
	o := p.byBrokerID[orig.BrokerOrderID]
	corrected := *orig
	corrected.FillID = "PF-" + uuid.NewString()
	corrected.CorrectsFillID = fillID
	corrected.Quantity = qty
	corrected.Price = px
	o.FilledQuantity += qty - orig.Quantity
	p.fills = append(p.fills, corrected)

	o.UpdatedAt = p.now()
	p.mu.Unlock()

	p.emit([]Event{p.fillEvent(corrected)})
	return corrected, nil
}

// Cancel implements Adapter.
func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := p.enter(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	o, ok := p.byBrokerID[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		p.mu.Unlock()
		return domain.ErrOrderNotCancellable
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = p.now()
	snapshot := *o
	p.mu.Unlock()

	p.emit([]Event{{EventID: uuid.NewString(), Type: EventOrderStatus, OccurredAt: snapshot.UpdatedAt, Order: &snapshot}})
	return nil
}

// SetStatus forces the status of an order without pushing an event.
func (p *Paper) SetStatus(brokerOrderID string, status domain.OrderStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byBrokerID[brokerOrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = p.now()
	return nil
}

// Inject adds an order the gateway never submitted.
func (p *Paper) Inject(o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := o
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = p.now()
	}
	p.byBrokerID[c.BrokerOrderID] = &c
	if c.ClientOrderID != "" {
		p.byClientID[c.ClientOrderID] = &c
	}
}

// Query implements Adapter.
func (p *Paper) Query(ctx context.Context, brokerOrderID string) (Order, error) {
	if err := p.enter(ctx); err != nil {
		return Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byBrokerID[brokerOrderID]
	if !ok {
		return Order{}, domain.ErrOrderNotFound
	}
	return *o, nil
}

// OpenOrders implements Adapter.
func (p *Paper) OpenOrders(ctx context.Context) ([]Order, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Order, 0)
	for _, o := range p.byBrokerID {
		if !o.Status.IsTerminal() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BrokerOrderID < result[j].BrokerOrderID })
	return result, nil
}

// Fills implements Adapter.
func (p *Paper) Fills(ctx context.Context, since time.Time) ([]Fill, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Fill, 0)
	for _, f := range p.fills {
		if !f.ExecutedAt.Before(since) {
			result = append(result, f)
		}
	}
	return result, nil
}

// Positions implements Adapter. Positions are derived from fills unless
// overridden with SetPosition.
func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	net := make(map[string]int64)
	superseded := make(map[string]bool)
	for _, f := range p.fills {
		if f.CorrectsFillID != "" {
			superseded[f.CorrectsFillID] = true
		}
	}
	for _, f := range p.fills {
		if !superseded[f.FillID] {
			net[f.Symbol] += f.Side.Sign() * f.Quantity
		}
	}
	for sym, qty := range p.positions {
		net[sym] = qty
	}

	result := make([]Position, 0, len(net))
	for sym, qty := range net {
		result = append(result, Position{Symbol: sym, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}
