// fees.go resolves Open Question #2 (spec §9): a per-venue fee schedule,
// pinned by unit tests. No other package reads it: internal/portfolio
// debits each fill's own Fee, and internal/risk sizes without fees.
package exchange

import (
	"github.com/shopspring/decimal"

	"coinflow-trader/pkg/types"
)

// decimalBps builds a decimal.Decimal representing a count of basis
// points (1 bps = 0.01%).
func decimalBps(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// feeSchedules holds the published maker/taker rates for every venue this
// engine trades on. Values are illustrative of each venue's general tier
// and are overridable per deployment by editing this table — there is no
// live fee-tier discovery in scope.
var feeSchedules = map[string]types.FeeSchedule{
	"binance": {MakerBps: decimalBps(10), TakerBps: decimalBps(10)},
	"bybit":   {MakerBps: decimalBps(10), TakerBps: decimalBps(10)},
	"kraken":  {MakerBps: decimalBps(16), TakerBps: decimalBps(26)},
}

// FeeScheduleFor returns the configured fee schedule for venue, or a
// default of 10bps maker and 10bps taker if the venue is unknown.
func FeeScheduleFor(venue string) types.FeeSchedule {
	if fs, ok := feeSchedules[venue]; ok {
		return fs
	}
	return types.FeeSchedule{MakerBps: decimalBps(10), TakerBps: decimalBps(10)}
}
