package types

import (
	"fmt"
	"strings"
	"time"
)

// TradeKind represents the type of a trade log event
type TradeKind string

const (
	TradeBuy            TradeKind = "BUY"
	TradeSell           TradeKind = "SELL"
	TradeTakeProfitBuy  TradeKind = "TAKE_PROFIT_BUY"
	TradeTakeProfitSell TradeKind = "TAKE_PROFIT_SELL"
	TradeClosePair      TradeKind = "CLOSE_PAIR"
	TradeCloseBuy       TradeKind = "CLOSE_BUY"
	TradeCloseSell      TradeKind = "CLOSE_SELL"
	TradeTotalFee       TradeKind = "TOTAL_FEE"
	TradeOvernightFee   TradeKind = "OVERNIGHT_FEE"
)

// IsEntry returns true for events that open a position
func (k TradeKind) IsEntry() bool {
	return k == TradeBuy || k == TradeSell
}

// IsRealizing returns true for events whose profit changed the account
func (k TradeKind) IsRealizing() bool {
	switch k {
	case TradeTakeProfitBuy, TradeTakeProfitSell, TradeClosePair, TradeCloseBuy, TradeCloseSell:
		return true
	}
	return false
}

// TakeProfitKind returns the take-profit event kind for a side
func TakeProfitKind(side Side) TradeKind {
	if side == SideBuy {
		return TradeTakeProfitBuy
	}
	return TradeTakeProfitSell
}

// CloseKind returns the single-position close event kind for a side
func CloseKind(side Side) TradeKind {
	if side == SideBuy {
		return TradeCloseBuy
	}
	return TradeCloseSell
}

// EntryKind returns the entry event kind for a side
func EntryKind(side Side) TradeKind {
	if side == SideBuy {
		return TradeBuy
	}
	return TradeSell
}

// TradeRecord is an immutable entry of the append-only trade log.
// Profit and Fee are nil when the event carries no such amount.
type TradeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      TradeKind `json:"kind"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Profit    *float64  `json:"profit,omitempty"`
	Fee       *float64  `json:"fee,omitempty"`
}

// NewTradeRecord creates a trade record with both amounts present
func NewTradeRecord(timestamp time.Time, kind TradeKind, price, size, profit, fee float64) TradeRecord {
	return TradeRecord{
		Timestamp: timestamp,
		Kind:      kind,
		Price:     price,
		Size:      size,
		Profit:    &profit,
		Fee:       &fee,
	}
}

// NewEntryRecord creates an entry record: no realized profit, zero fee
func NewEntryRecord(timestamp time.Time, side Side, price, size float64) TradeRecord {
	fee := 0.0
	return TradeRecord{
		Timestamp: timestamp,
		Kind:      EntryKind(side),
		Price:     price,
		Size:      size,
		Fee:       &fee,
	}
}

// ProfitValue returns the profit or zero when absent
func (r TradeRecord) ProfitValue() float64 {
	if r.Profit == nil {
		return 0
	}
	return *r.Profit
}

// FeeValue returns the fee or zero when absent
func (r TradeRecord) FeeValue() float64 {
	if r.Fee == nil {
		return 0
	}
	return *r.Fee
}

// LogLine formats the record as a trade log line:
// timestamp,KIND,price,size,profit,fee
func (r TradeRecord) LogLine() string {
	return fmt.Sprintf("%s,%s,%.1f,%.4f,%s,%s",
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.Kind,
		r.Price,
		r.Size,
		formatAmount(r.Profit),
		formatAmount(r.Fee),
	)
}

// formatAmount renders an optional currency amount with thousands separators
func formatAmount(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return FormatMoney(*v)
}

// FormatMoney renders a currency amount rounded to units with comma grouping
func FormatMoney(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	if s == "0" {
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
