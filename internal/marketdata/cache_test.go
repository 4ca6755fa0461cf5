package marketdata

import (
	"math"
	"testing"

	"trailstop/internal/models"
)

func TestOnTickDerivesMidAndMark(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 1, Symbol: "SPY"})

	c.OnTick(models.Tick{ConID: 1, Bid: 4.00, Ask: 4.20})

	q, ok := c.Quote(1)
	if !ok {
		t.Fatal("expected quote for subscribed contract")
	}
	if math.Abs(q.Mid-4.10) > 1e-9 {
		t.Fatalf("expected mid 4.10, got %v", q.Mid)
	}
	if q.Mark != q.Mid {
		t.Fatalf("expected mark to fall back to mid, got %v", q.Mark)
	}
	if got := c.Get(1); math.Abs(got-4.10) > 1e-9 {
		t.Fatalf("expected price to fall back to mid, got %v", got)
	}
}

func TestOnTickOneSidedMarket(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 1})

	c.OnTick(models.Tick{ConID: 1, Bid: 0, Ask: 1.5})

	q, _ := c.Quote(1)
	if q.Mid != 0 || q.Mark != 0 {
		t.Fatalf("one-sided market should have no mid, got %+v", q)
	}
	if c.Get(1) != 0 {
		t.Fatal("zero price should not be stored")
	}
}

func TestOnTickPricePrecedence(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 1})

	c.OnTick(models.Tick{ConID: 1, Bid: 1, Ask: 2, Close: 1.8, Last: 1.6})
	if got := c.Get(1); got != 1.6 {
		t.Fatalf("expected last, got %v", got)
	}

	c.OnTick(models.Tick{ConID: 1, Bid: 1, Ask: 2, Close: 1.8})
	if got := c.Get(1); got != 1.8 {
		t.Fatalf("expected close, got %v", got)
	}

	// A tick without any usable price keeps the previous price.
	c.OnTick(models.Tick{ConID: 1})
	if got := c.Get(1); got != 1.8 {
		t.Fatalf("expected previous price to be kept, got %v", got)
	}
}

func TestOnTickNaN(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 1})

	c.OnTick(models.Tick{ConID: 1, Bid: math.NaN(), Ask: 2, Delta: math.NaN(), Mark: math.Inf(1)})

	q, _ := c.Quote(1)
	if q.Bid != 0 || q.Delta != 0 || q.Mark != 0 {
		t.Fatalf("NaN and Inf should read as 0, got %+v", q)
	}
}

func TestCallbackAndUnsubscribe(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 7})

	var calls int
	var lastPrice float64
	c.SetCallback(func(conID int, price float64) {
		calls++
		lastPrice = price
	})

	c.OnTick(models.Tick{ConID: 7, Last: 3.3})
	c.OnTick(models.Tick{ConID: 8, Last: 9.9})
	if calls != 1 || lastPrice != 3.3 {
		t.Fatalf("expected one callback with 3.3, got %d calls, %v", calls, lastPrice)
	}

	c.Unsubscribe(7)
	if _, ok := c.Quote(7); ok {
		t.Fatal("expected no quote after unsubscribe")
	}
	if c.Get(7) != 0 {
		t.Fatal("expected zero price after unsubscribe")
	}
}

func TestOnTickReplacesWholeQuote(t *testing.T) {
	c := NewCache()
	c.Subscribe(models.Contract{ConID: 1})

	c.OnTick(models.Tick{ConID: 1, Bid: 4.00, Ask: 4.20, Delta: 0.45})
	c.OnTick(models.Tick{ConID: 1, Bid: 4.05})

	q, _ := c.Quote(1)
	if q.Bid != 4.05 || q.Ask != 0 || q.Delta != 0 || q.Mid != 0 {
		t.Fatalf("a tick is a full snapshot, got %+v", q)
	}
}
