package risk

import (
	"strings"

	"github.com/ksred/klear-guard/internal/types"
)

// OtherSector groups symbols missing from the sector table.
const OtherSector = "Other"

// DefaultDailyVolatility is used for symbols missing from the volatility table.
const DefaultDailyVolatility = 0.02

// SectorTable is a fixed symbol to sector lookup. Sector concentration
// stands in for correlation; it is an approximation, not a model.
type SectorTable map[string]string

func (t SectorTable) SectorOf(symbol string) string {
	if sector, ok := t[strings.ToUpper(symbol)]; ok {
		return sector
	}
	return OtherSector
}

// VolatilityTable holds an assumed daily volatility per symbol.
type VolatilityTable map[string]float64

func (t VolatilityTable) VolatilityOf(symbol string) float64 {
	if vol, ok := t[strings.ToUpper(symbol)]; ok && vol > 0 {
		return vol
	}
	return DefaultDailyVolatility
}

var defaultSectors = map[string]string{
	// NSE
	"RELIANCE":   "Energy",
	"ONGC":       "Energy",
	"TCS":        "IT",
	"INFY":       "IT",
	"WIPRO":      "IT",
	"HCLTECH":    "IT",
	"TECHM":      "IT",
	"HDFCBANK":   "Banking",
	"ICICIBANK":  "Banking",
	"SBIN":       "Banking",
	"KOTAKBANK":  "Banking",
	"AXISBANK":   "Banking",
	"HINDUNILVR": "FMCG",
	"ITC":        "FMCG",
	"NESTLEIND":  "FMCG",
	"BHARTIARTL": "Telecom",
	"MARUTI":     "Auto",
	"TATAMOTORS": "Auto",
	"SUNPHARMA":  "Pharma",
	"DRREDDY":    "Pharma",
	// US
	"AAPL":  "Technology",
	"MSFT":  "Technology",
	"GOOGL": "Technology",
	"META":  "Technology",
	"NVDA":  "Technology",
	"AMZN":  "Consumer",
	"TSLA":  "Auto",
	"JPM":   "Banking",
	"XOM":   "Energy",
}

var defaultVolatility = map[string]float64{
	"RELIANCE":   0.018,
	"ONGC":       0.022,
	"TCS":        0.015,
	"INFY":       0.017,
	"WIPRO":      0.018,
	"HCLTECH":    0.017,
	"TECHM":      0.021,
	"HDFCBANK":   0.014,
	"ICICIBANK":  0.018,
	"SBIN":       0.022,
	"KOTAKBANK":  0.016,
	"AXISBANK":   0.020,
	"HINDUNILVR": 0.012,
	"ITC":        0.013,
	"NESTLEIND":  0.012,
	"BHARTIARTL": 0.016,
	"MARUTI":     0.017,
	"TATAMOTORS": 0.028,
	"SUNPHARMA":  0.016,
	"DRREDDY":    0.017,
	"AAPL":       0.018,
	"MSFT":       0.016,
	"GOOGL":      0.020,
	"META":       0.030,
	"NVDA":       0.035,
	"AMZN":       0.022,
	"TSLA":       0.040,
	"JPM":        0.015,
	"XOM":        0.017,
}

// DefaultSectorTable returns a fresh copy of the built-in sector lookup.
func DefaultSectorTable() SectorTable {
	t := make(SectorTable, len(defaultSectors))
	for symbol, sector := range defaultSectors {
		t[symbol] = sector
	}
	return t
}

// DefaultVolatilityTable returns a fresh copy of the built-in daily
// volatilities.
func DefaultVolatilityTable() VolatilityTable {
	t := make(VolatilityTable, len(defaultVolatility))
	for symbol, vol := range defaultVolatility {
		t[symbol] = vol
	}
	return t
}

// VaREstimator estimates one-day 95% value at risk for a set of positions.
type VaREstimator interface {
	EstimateVaR95(positions []types.Position, grossExposure float64) float64
}

// ExposureVaR approximates VaR as a fixed fraction of gross exposure.
type ExposureVaR struct {
	Percent float64
}

func (v ExposureVaR) EstimateVaR95(_ []types.Position, grossExposure float64) float64 {
	return grossExposure * v.Percent
}
