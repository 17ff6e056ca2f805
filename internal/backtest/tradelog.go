package backtest

import (
	"bufio"
	"fmt"
	"io"

	"pivotgrid/internal/types"
)

// TradeLogTitle and TradeLogHeader open every trade log
const (
	TradeLogTitle  = "Trade Log - Dynamic Grid Trading (6 Levels, Size=1, with Take Profit)"
	TradeLogHeader = "Time,Type,Price,Size,Profit,Fee"
)

// TradeLog writes one line per trade record. The first write error sticks
// and is reported by Flush.
type TradeLog struct {
	w   *bufio.Writer
	err error
}

// NewTradeLog writes the title and header to w
func NewTradeLog(w io.Writer) *TradeLog {
	tl := &TradeLog{w: bufio.NewWriter(w)}
	tl.writeLine(TradeLogTitle)
	tl.writeLine(TradeLogHeader)
	return tl
}

// Write appends a record
func (tl *TradeLog) Write(r types.TradeRecord) {
	tl.writeLine(r.LogLine())
}

func (tl *TradeLog) writeLine(line string) {
	if tl.err != nil {
		return
	}
	if _, err := fmt.Fprintln(tl.w, line); err != nil {
		tl.err = fmt.Errorf("failed to write trade log: %w", err)
	}
}

// Flush flushes buffered lines and returns the first error seen
func (tl *TradeLog) Flush() error {
	if tl.err != nil {
		return tl.err
	}
	if err := tl.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush trade log: %w", err)
	}
	return nil
}
