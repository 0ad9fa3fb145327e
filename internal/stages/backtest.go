package stages

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const tradingDaysPerYear = 252

// simulationWorkers bounds the per-symbol goroutines of one backtest
const simulationWorkers = 4

// Backtest simulates the strategy over the requested window.
// Prices are generated from a seeded walk per symbol, so identical inputs
// always produce identical results.
func (b *Builtin) Backtest(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	if in.Strategy == nil {
		return nil, errors.New("strategy is missing")
	}
	if in.Backtest == nil {
		return nil, errors.New("backtest parameters are missing")
	}
	params := *in.Backtest

	start, end, err := params.Window()
	if err != nil {
		return nil, fmt.Errorf("invalid backtest window: %w", err)
	}
	days := tradingDays(start, end)
	if len(days) < 2 {
		return nil, errors.New("backtest window has fewer than two trading days")
	}

	holdings, err := b.targetHoldings(in.Strategy, params.Universe)
	if err != nil {
		return nil, err
	}

	returns := make([][]float64, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(simulationWorkers)
	for i, h := range holdings {
		g.Go(func() error {
			series, err := b.simulate(gctx, h.Symbol, params.StartDate, len(days))
			if err != nil {
				return err
			}
			returns[i] = series
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	every := rebalanceDays[in.Strategy.Rebalance]
	if every == 0 {
		every = rebalanceDays["monthly"]
	}

	result := runPortfolio(holdings, returns, days, every, params)
	result.StrategyID = in.Strategy.ID
	return result, nil
}

func (b *Builtin) targetHoldings(strategy *model.Strategy, universe []string) ([]model.Holding, error) {
	if len(universe) == 0 {
		return strategy.Holdings, nil
	}

	symbols := model.NormalizeSymbols(universe)
	out := make([]model.Holding, 0, len(symbols))
	for _, sym := range symbols {
		sec, ok := b.catalog.Lookup(sym)
		if !ok {
			return nil, fmt.Errorf("unknown symbol %s", sym)
		}
		out = append(out, model.Holding{Symbol: sec.Symbol, Sector: sec.Sector, Beta: sec.Beta, Weight: 1 / float64(len(symbols))})
	}
	return out, nil
}

func (b *Builtin) simulate(ctx context.Context, symbol, startDate string, n int) ([]float64, error) {
	sec, ok := b.catalog.Lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}

	h := fnv.New64a()
	h.Write([]byte(sec.Symbol))
	h.Write([]byte{0})
	h.Write([]byte(startDate))
	rng := rand.New(rand.NewPCG(h.Sum64(), 0x9e3779b97f4a7c15))

	mu := sec.Drift / tradingDaysPerYear
	sigma := sec.Vol / math.Sqrt(tradingDaysPerYear)
	series := make([]float64, n)
	for i := range series {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		series[i] = mu + sigma*rng.NormFloat64()
	}
	return series, nil
}

func runPortfolio(holdings []model.Holding, returns [][]float64, days []time.Time, every int, params model.BacktestParams) *model.BacktestResult {
	capital := params.InitialCapital
	target := make([]float64, len(holdings))
	for i, h := range holdings {
		target[i] = h.Weight
	}
	weights := append([]float64(nil), target...)

	value := capital
	var commission float64
	trades := len(holdings)
	cost := commissionFor(params.Commission, capital, len(holdings))
	commission += cost
	value -= cost

	peak := value
	var maxDrawdown, sum, sumSq float64
	var wins int
	daily := make([]float64, 0, len(days)-1)
	curve := []model.EquityPoint{{Date: days[0].Format(model.DateLayout), Value: round(value, 2)}}

	for d := 1; d < len(days); d++ {
		prevValue := value
		var r float64
		for i := range weights {
			r += weights[i] * returns[i][d]
		}
		value *= 1 + r

		for i := range weights {
			weights[i] = weights[i] * (1 + returns[i][d]) / (1 + r)
		}

		if d%every == 0 {
			var turnover float64
			n := 0
			for i := range weights {
				diff := math.Abs(target[i] - weights[i])
				if diff > 1e-9 {
					turnover += diff
					n++
				}
			}
			if n > 0 {
				cost := commissionFor(params.Commission, value*turnover/2, n)
				commission += cost
				value -= cost
				trades += n
			}
			copy(weights, target)
		}

		dr := value/prevValue - 1
		daily = append(daily, dr)
		sum += dr
		sumSq += dr * dr
		if dr > 0 {
			wins++
		}

		if value > peak {
			peak = value
		}
		if dd := (peak - value) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}

		if d == len(days)-1 || days[d+1].Month() != days[d].Month() {
			curve = append(curve, model.EquityPoint{Date: days[d].Format(model.DateLayout), Value: round(value, 2)})
		}
	}

	n := float64(len(daily))
	mean := sum / n
	variance := math.Max(sumSq/n-mean*mean, 0)
	vol := math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
	totalReturn := value/capital - 1
	annualized := math.Pow(math.Max(1+totalReturn, 1e-9), tradingDaysPerYear/n) - 1
	var sharpe float64
	if vol > 0 {
		sharpe = mean * tradingDaysPerYear / vol
	}

	return &model.BacktestResult{
		StartDate:        params.StartDate,
		EndDate:          params.EndDate,
		InitialCapital:   capital,
		FinalValue:       round(value, 2),
		TotalReturn:      round(totalReturn, 6),
		AnnualizedReturn: round(annualized, 6),
		Volatility:       round(vol, 6),
		SharpeRatio:      round(sharpe, 4),
		MaxDrawdown:      round(maxDrawdown, 6),
		WinRate:          round(float64(wins)/n, 4),
		Trades:           trades,
		Commission:       round(commission, 2),
		EquityCurve:      curve,
	}
}

func commissionFor(c model.Commission, notional float64, trades int) float64 {
	switch c.Model {
	case "bps":
		return notional * c.Rate / 10_000
	case "per_trade":
		return c.Rate * float64(trades)
	}
	return 0
}

// tradingDays lists the weekdays in [start, end]
func tradingDays(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}
