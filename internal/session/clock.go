// Package session classifies tick timestamps against the exchange session:
// trading hours, the end-of-day liquidation window, the pre-market window
// used to seed volatility, and calendar date rollover.
package session

import (
	"fmt"
	"time"

	"pivotgrid/internal/config"
)

// TimeOfDay is a wall clock HH:MM
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of t's calendar day at this time of day
func (d TimeOfDay) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, t.Location())
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// Window is a closed interval of wall clock times within one day
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports start <= t <= end on t's own day. Seconds count, so
// 14:29:30 is past an end of 14:29.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start.On(t)) && !t.After(w.End.On(t))
}

// Clock classifies timestamps in the exchange's location
type Clock struct {
	loc       *time.Location
	trading   Window
	endOfDay  Window
	preMarket Window
}

// NewClock builds a clock from the session configuration
func NewClock(cfg config.SessionConfig, loc *time.Location) (*Clock, error) {
	if loc == nil {
		loc = time.UTC
	}

	parse := func(start, end string) (Window, error) {
		s, err := ParseTimeOfDay(start)
		if err != nil {
			return Window{}, err
		}
		e, err := ParseTimeOfDay(end)
		if err != nil {
			return Window{}, err
		}
		return Window{Start: s, End: e}, nil
	}

	trading, err := parse(cfg.TradingStart, cfg.TradingEnd)
	if err != nil {
		return nil, fmt.Errorf("trading window: %w", err)
	}
	eod, err := parse(cfg.EndOfDayStart, cfg.EndOfDayEnd)
	if err != nil {
		return nil, fmt.Errorf("end of day window: %w", err)
	}
	pre, err := parse(cfg.PreMarketStart, cfg.PreMarketEnd)
	if err != nil {
		return nil, fmt.Errorf("pre-market window: %w", err)
	}

	return &Clock{loc: loc, trading: trading, endOfDay: eod, preMarket: pre}, nil
}

// DefaultClock returns the 09:00-14:29 session with the 14:29-14:30
// liquidation window
func DefaultClock(loc *time.Location) *Clock {
	c, err := NewClock(config.DefaultConfig().Session, loc)
	if err != nil {
		panic(err)
	}
	return c
}

// Location returns the clock's location
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Local converts t into the clock's location
func (c *Clock) Local(t time.Time) time.Time {
	return t.In(c.loc)
}

// IsTradingTime reports whether t falls in the trading window, both ends included
func (c *Clock) IsTradingTime(t time.Time) bool {
	return c.trading.Contains(c.Local(t))
}

// IsEndOfDay reports whether t falls in the liquidation window. It overlaps
// the last minute of trading.
func (c *Clock) IsEndOfDay(t time.Time) bool {
	return c.endOfDay.Contains(c.Local(t))
}

// AtOrAfterEndOfDay reports whether the wall clock has reached the start of
// the liquidation window
func (c *Clock) AtOrAfterEndOfDay(t time.Time) bool {
	local := c.Local(t)
	return !local.Before(c.endOfDay.Start.On(local))
}

// PreMarketBounds returns the half-open [start, end) pre-market interval on t's day
func (c *Clock) PreMarketBounds(t time.Time) (time.Time, time.Time) {
	local := c.Local(t)
	return c.preMarket.Start.On(local), c.preMarket.End.On(local)
}

// DateOf returns the calendar date of t in the clock's location
func (c *Clock) DateOf(t time.Time) Date {
	return NewDate(c.Local(t))
}

// Date is a calendar date without time of day
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns t's date in t's own location
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// RolloverTracker follows the date of successive ticks
type RolloverTracker struct {
	clock   *Clock
	current Date
}

// NewRolloverTracker starts tracking at the date of first
func (c *Clock) NewRolloverTracker(first time.Time) *RolloverTracker {
	return &RolloverTracker{clock: c, current: c.DateOf(first)}
}

// Advance moves to t's date and reports whether that was a new date. It
// returns true once per transition.
func (r *RolloverTracker) Advance(t time.Time) bool {
	d := r.clock.DateOf(t)
	if d == r.current {
		return false
	}
	r.current = d
	return true
}

// Current returns the tracked date
func (r *RolloverTracker) Current() Date {
	return r.current
}
