package domain

import (
	"sync"

	"github.com/codewandler/esrc/core/es"
)

// Balances is a read model of account balances keyed by account stream.
type Balances struct {
	name string

	mu       sync.RWMutex
	balances map[string]int64
	owners   map[string]string
	applied  int
}

func NewBalances(name string) *Balances {
	return &Balances{
		name:     name,
		balances: map[string]int64{},
		owners:   map[string]string{},
	}
}

func (b *Balances) Name() string { return b.name }

func (b *Balances) Bind(sub *es.Subscription) {
	es.On(sub, func(msg es.MsgCtx, e AccountCreated) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.owners[msg.Stream()] = e.Owner
		if _, ok := b.balances[msg.Stream()]; !ok {
			b.balances[msg.Stream()] = 0
		}
		b.applied++
		return nil
	})
	es.On(sub, func(msg es.MsgCtx, e FundsAdded) error {
		b.add(msg.Stream(), e.Amount)
		return nil
	})
	es.On(sub, func(msg es.MsgCtx, e FundsWithdrawn) error {
		b.add(msg.Stream(), -e.Amount)
		return nil
	})
}

func (b *Balances) add(stream string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[stream] += amount
	b.applied++
}

// Balance returns the balance of the account stored in stream.
func (b *Balances) Balance(stream string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[stream]
}

func (b *Balances) Owner(stream string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owners[stream]
}

// Total sums all balances.
func (b *Balances) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, v := range b.balances {
		total += v
	}
	return total
}

// Applied counts the events folded into the model.
func (b *Balances) Applied() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

var _ es.Projection = (*Balances)(nil)
