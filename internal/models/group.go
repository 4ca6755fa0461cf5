package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TrailMode selects how the trail distance is expressed.
type TrailMode string

const (
	TrailPercent  TrailMode = "percent"
	TrailAbsolute TrailMode = "absolute"
)

// TriggerPriceType selects which quoted price feeds the trailing stop.
type TriggerPriceType string

const (
	TriggerMark TriggerPriceType = "mark"
	TriggerMid  TriggerPriceType = "mid"
	TriggerBid  TriggerPriceType = "bid"
	TriggerAsk  TriggerPriceType = "ask"
	TriggerLast TriggerPriceType = "last"
)

// StopType selects the resting stop order type.
type StopType string

const (
	StopMarket StopType = "market"
	StopLimit  StopType = "limit"
)

// ParseTrailMode validates a trail mode string.
func ParseTrailMode(s string) (TrailMode, error) {
	switch TrailMode(strings.ToLower(s)) {
	case TrailPercent:
		return TrailPercent, nil
	case TrailAbsolute:
		return TrailAbsolute, nil
	}
	return "", fmt.Errorf("invalid trail mode %q", s)
}

// ParseTriggerPriceType validates a trigger price type string.
func ParseTriggerPriceType(s string) (TriggerPriceType, error) {
	switch t := TriggerPriceType(strings.ToLower(s)); t {
	case TriggerMark, TriggerMid, TriggerBid, TriggerAsk, TriggerLast:
		return t, nil
	}
	return "", fmt.Errorf("invalid trigger price type %q", s)
}

// ParseStopType validates a stop type string.
func ParseStopType(s string) (StopType, error) {
	switch StopType(strings.ToLower(s)) {
	case StopMarket:
		return StopMarket, nil
	case StopLimit:
		return StopLimit, nil
	}
	return "", fmt.Errorf("invalid stop type %q", s)
}

// TrailConfig is the user-configurable part of a group.
type TrailConfig struct {
	Enabled          bool             `json:"trail_enabled"`
	Mode             TrailMode        `json:"trail_mode"`
	Value            float64          `json:"trail_value"`
	TriggerPriceType TriggerPriceType `json:"trigger_price_type"`
	StopType         StopType         `json:"stop_type"`
	LimitOffset      float64          `json:"limit_offset"`
	TimeExitEnabled  bool             `json:"time_exit_enabled"`
	TimeExitTime     string           `json:"time_exit_time"` // HH:MM US/Eastern
}

// OrderRefs correlates a group with its resting orders at the terminal.
type OrderRefs struct {
	OCAGroupID      string `json:"oca_group_id"`
	TrailingOrderID int    `json:"trailing_order_id"`
	TimeExitOrderID int    `json:"time_exit_order_id"`
}

// IsZero reports whether no order is referenced.
func (r OrderRefs) IsZero() bool {
	return r.OCAGroupID == "" && r.TrailingOrderID == 0 && r.TimeExitOrderID == 0
}

// Group is a user-defined trailing-stop unit.
type Group struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Quantities map[int]int `json:"-"` // conId -> signed allocated quantity
	CreatedAt  time.Time   `json:"created_at"`

	Trail TrailConfig `json:"-"`

	// Fixed at creation.
	IsCredit   bool    `json:"is_credit"`
	EntryPrice float64 `json:"entry_price"`

	IsActive      bool    `json:"is_active"`
	HighWaterMark float64 `json:"high_water_mark"`
	StopPrice     float64 `json:"stop_price"`

	Orders OrderRefs `json:"-"`
}

// ConIDs returns the group's contract ids in ascending order.
func (g *Group) ConIDs() []int {
	ids := make([]int, 0, len(g.Quantities))
	for id := range g.Quantities {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// IsCombo reports whether the group spans more than one contract.
func (g *Group) IsCombo() bool {
	return len(g.Quantities) > 1
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.Quantities = make(map[int]int, len(g.Quantities))
	for k, v := range g.Quantities {
		c.Quantities[k] = v
	}
	return &c
}
