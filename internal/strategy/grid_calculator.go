package strategy

import (
	"math"

	"pivotgrid/internal/config"
	"pivotgrid/internal/indicators"
)

// GridCalculator derives grid spacing and per-level size from volatility
type GridCalculator struct {
	GridSizeFactor  float64 `json:"grid_size_factor"`
	MinimumGridSize float64 `json:"minimum_grid_size"`
	MaxGridSize     float64 `json:"max_grid_size"`

	// Short window widening kicks in once the tick index reaches the window
	ShortATRWindow int `json:"short_atr_window"`

	// Capacity
	SizePerLevel float64 `json:"size_per_level"`
	MaxContracts float64 `json:"max_contracts"`

	atr *indicators.ATRTracker
}

// GridCalculationResult contains the grid parameters for the current context
type GridCalculationResult struct {
	GridSize     float64 `json:"grid_size"`
	SizePerLevel float64 `json:"size_per_level"`
	ATR          float64 `json:"atr"`       // ATR actually used, after substitution
	ShortATR     float64 `json:"short_atr"` // 0 when the short window was not applied
	Substituted  bool    `json:"substituted"`
}

// NewGridCalculator creates a grid calculator sharing the given ATR tracker
func NewGridCalculator(strategy config.StrategyConfig, risk config.RiskConfig, atr *indicators.ATRTracker) *GridCalculator {
	if atr == nil {
		atr = indicators.NewATRTracker(risk.InitialATR)
	}
	return &GridCalculator{
		GridSizeFactor:  strategy.GridSizeFactor,
		MinimumGridSize: strategy.MinimumGridSize,
		MaxGridSize:     risk.MaxGridSize,
		ShortATRWindow:  risk.ShortATRWindow,
		SizePerLevel:    1,
		MaxContracts:    risk.MaxContracts,
		atr:             atr,
	}
}

// Calculate returns the grid size and tradable size for price at index.
// An undefined atr is replaced with the last valid one. openContracts is the
// ledger's current total size.
func (gc *GridCalculator) Calculate(price, atr float64, prices []float64, index int, openContracts float64) GridCalculationResult {
	atr, substituted := gc.atr.Resolve(atr)

	gridSize := gc.clamp(gc.GridSizeFactor * atr)

	size := gc.SizePerLevel
	if openContracts+size > gc.MaxContracts {
		size = 0
	}

	result := GridCalculationResult{
		GridSize:     gridSize,
		SizePerLevel: size,
		ATR:          atr,
		Substituted:  substituted,
	}

	if index >= gc.ShortATRWindow && index < len(prices) {
		shortATR := gc.atr.Window(prices[:index+1], gc.ShortATRWindow)
		result.ShortATR = shortATR
		result.GridSize = math.Min(math.Max(gridSize, shortATR*gc.GridSizeFactor), gc.MaxGridSize)
	}

	return result
}

// ShortATR computes the short window ATR over prices up to and including index
func (gc *GridCalculator) ShortATR(prices []float64, index int) float64 {
	if index >= len(prices) {
		index = len(prices) - 1
	}
	return gc.atr.Window(prices[:index+1], gc.ShortATRWindow)
}

// TradableSize returns the per-level size allowed with openContracts already held
func (gc *GridCalculator) TradableSize(openContracts float64) float64 {
	if openContracts+gc.SizePerLevel > gc.MaxContracts {
		return 0
	}
	return gc.SizePerLevel
}

func (gc *GridCalculator) clamp(gridSize float64) float64 {
	return math.Min(math.Max(gridSize, gc.MinimumGridSize), gc.MaxGridSize)
}

// ValidateGridConfiguration checks the clamps are consistent
func (gc *GridCalculator) ValidateGridConfiguration() (bool, string) {
	if gc.GridSizeFactor <= 0 {
		return false, "grid size factor must be positive"
	}
	if gc.MinimumGridSize <= 0 {
		return false, "minimum grid size must be positive"
	}
	if gc.MinimumGridSize > gc.MaxGridSize {
		return false, "minimum grid size exceeds the ceiling"
	}
	if gc.SizePerLevel <= 0 || gc.SizePerLevel > gc.MaxContracts {
		return false, "size per level must be within the contract cap"
	}
	return true, "Grid configuration is valid"
}
