// Package marketdata holds the latest quote per subscribed contract.
package marketdata

import (
	"sync"

	"trailstop/internal/models"
)

// PriceCallback is called from the tick path with the derived price.
type PriceCallback func(conID int, price float64)

type entry struct {
	contract models.Contract
	quote    models.Quote
	price    float64
}

// Cache is written by the connection worker and read by everything else.
// OnTick does no I/O and no logging.
type Cache struct {
	mu       sync.RWMutex
	entries  map[int]*entry
	callback PriceCallback
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int]*entry)}
}

// SetCallback installs the single optional price callback.
func (c *Cache) SetCallback(cb PriceCallback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

// Subscribe registers a contract. Existing quotes are kept.
func (c *Cache) Subscribe(contract models.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[contract.ConID]; ok {
		e.contract = contract
		return
	}
	c.entries[contract.ConID] = &entry{contract: contract}
}

// Unsubscribe drops a contract and its quote.
func (c *Cache) Unsubscribe(conID int) {
	c.mu.Lock()
	delete(c.entries, conID)
	c.mu.Unlock()
}

// Subscribed reports whether a contract is registered.
func (c *Cache) Subscribed(conID int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[conID]
	return ok
}

// ConIDs returns every subscribed contract id.
func (c *Cache) ConIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops every subscription.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[int]*entry)
	c.mu.Unlock()
}

// OnTick replaces the contract's quote with the tick, which is a full
// snapshot. Ticks for unsubscribed contracts are ignored.
func (c *Cache) OnTick(t models.Tick) {
	c.mu.Lock()
	e, ok := c.entries[t.ConID]
	if !ok {
		c.mu.Unlock()
		return
	}

	q := models.Quote{
		Bid:   models.SafeFloat(t.Bid),
		Ask:   models.SafeFloat(t.Ask),
		Last:  models.SafeFloat(t.Last),
		Mark:  models.SafeFloat(t.Mark),
		Delta: models.SafeFloat(t.Delta),
		Gamma: models.SafeFloat(t.Gamma),
		Theta: models.SafeFloat(t.Theta),
		Vega:  models.SafeFloat(t.Vega),
	}
	if q.Bid > 0 && q.Ask > 0 {
		q.Mid = (q.Bid + q.Ask) / 2
	}
	if q.Mark == 0 {
		q.Mark = q.Mid
	}
	e.quote = q

	price := tickPrice(q.Last, models.SafeFloat(t.Close), q.Mid)
	if price > 0 {
		e.price = price
	}
	cb := c.callback
	c.mu.Unlock()

	if cb != nil && price > 0 {
		cb(t.ConID, price)
	}
}

// last, else close, else mid
func tickPrice(last, close, mid float64) float64 {
	switch {
	case last > 0:
		return last
	case close > 0:
		return close
	default:
		return mid
	}
}

// Get returns the last derived price, or 0.
func (c *Cache) Get(conID int) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[conID]; ok {
		return e.price
	}
	return 0
}

// Quote returns the latest quote and whether the contract is subscribed.
func (c *Cache) Quote(conID int) (models.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[conID]; ok {
		return e.quote, true
	}
	return models.Quote{}, false
}
