package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// OutputKind identifies the concrete type behind a StageOutput
type OutputKind string

const (
	OutputParsedRequirement OutputKind = "parsed_requirement"
	OutputMarketAnalysis    OutputKind = "market_analysis"
	OutputUniverse          OutputKind = "universe"
	OutputModelSelection    OutputKind = "model_selection"
	OutputStrategy          OutputKind = "strategy"
	OutputBacktest          OutputKind = "backtest"
)

// StageOutput is the closed set of values a stage may produce.
// The unexported method keeps implementations inside this package.
type StageOutput interface {
	Kind() OutputKind
	Validate() error
	stageOutput()
}

// ParsedRequirement is the normalized form of a Requirement
type ParsedRequirement struct {
	TargetReturn     float64        `json:"targetReturn"`
	RiskPreference   RiskPreference `json:"riskPreference"`
	VolatilityBudget float64        `json:"volatilityBudget"`
	Capital          float64        `json:"capital"`
	StrategyType     string         `json:"strategyType"`
	Frequency        string         `json:"frequency"`
	Tags             []string       `json:"tags,omitempty"`
	Sectors          []string       `json:"sectors,omitempty"`
	IncludeBacktest  bool           `json:"includeBacktest"`
}

func (*ParsedRequirement) Kind() OutputKind { return OutputParsedRequirement }
func (*ParsedRequirement) stageOutput()     {}

func (p *ParsedRequirement) Validate() error {
	if p.TargetReturn <= 0 || p.TargetReturn > 1 {
		return fmt.Errorf("target return %.4f out of range", p.TargetReturn)
	}
	if !p.RiskPreference.Valid() {
		return fmt.Errorf("unknown risk preference %q", p.RiskPreference)
	}
	if p.VolatilityBudget <= 0 {
		return errors.New("volatility budget must be positive")
	}
	if p.StrategyType == "" || !strategyTypes[p.StrategyType] {
		return fmt.Errorf("unknown strategy type %q", p.StrategyType)
	}
	return nil
}

// SectorScore ranks a sector for the current regime
type SectorScore struct {
	Sector string  `json:"sector"`
	Score  float64 `json:"score"`
}

// MarketAnalysis summarizes market conditions
type MarketAnalysis struct {
	Regime           string        `json:"regime"`
	MarketVolatility float64       `json:"marketVolatility"`
	SectorScores     []SectorScore `json:"sectorScores"`
}

func (*MarketAnalysis) Kind() OutputKind { return OutputMarketAnalysis }
func (*MarketAnalysis) stageOutput()     {}

func (m *MarketAnalysis) Validate() error {
	switch m.Regime {
	case "bull", "neutral", "bear":
	default:
		return fmt.Errorf("unknown regime %q", m.Regime)
	}
	if len(m.SectorScores) == 0 {
		return errors.New("no sector scores")
	}
	return nil
}

// Candidate is a symbol selected into the universe
type Candidate struct {
	Symbol string  `json:"symbol"`
	Sector string  `json:"sector"`
	Score  float64 `json:"score"`
	Beta   float64 `json:"beta"`
}

// Universe is the set of tradable candidates
type Universe struct {
	Candidates []Candidate `json:"candidates"`
}

func (*Universe) Kind() OutputKind { return OutputUniverse }
func (*Universe) stageOutput()     {}

func (u *Universe) Validate() error {
	if len(u.Candidates) == 0 {
		return errors.New("universe is empty")
	}
	seen := make(map[string]bool, len(u.Candidates))
	for _, c := range u.Candidates {
		if c.Symbol == "" {
			return errors.New("candidate without symbol")
		}
		if seen[c.Symbol] {
			return fmt.Errorf("duplicate symbol %s", c.Symbol)
		}
		seen[c.Symbol] = true
	}
	return nil
}

// ModelSelection is the model family chosen to drive the strategy
type ModelSelection struct {
	Family    string             `json:"family"`
	Lookback  int                `json:"lookback"`
	Params    map[string]float64 `json:"params,omitempty"`
	Rationale string             `json:"rationale"`
}

func (*ModelSelection) Kind() OutputKind { return OutputModelSelection }
func (*ModelSelection) stageOutput()     {}

func (m *ModelSelection) Validate() error {
	if m.Family == "" {
		return errors.New("model family is required")
	}
	if m.Lookback <= 0 {
		return errors.New("lookback must be positive")
	}
	return nil
}

// Holding is one position of a strategy portfolio
type Holding struct {
	Symbol string  `json:"symbol" bson:"symbol"`
	Sector string  `json:"sector" bson:"sector"`
	Weight float64 `json:"weight" bson:"weight"`
	Beta   float64 `json:"beta" bson:"beta"`
}

// Strategy is a synthesized portfolio strategy
type Strategy struct {
	ID                 string         `json:"id" bson:"id"`
	Name               string         `json:"name" bson:"name"`
	Type               string         `json:"type" bson:"type"`
	Model              string         `json:"model" bson:"model"`
	RiskPreference     RiskPreference `json:"riskPreference" bson:"risk_preference"`
	Rebalance          string         `json:"rebalance" bson:"rebalance"`
	Holdings           []Holding      `json:"holdings" bson:"holdings"`
	ExpectedReturn     float64        `json:"expectedReturn" bson:"expected_return"`
	ExpectedVolatility float64        `json:"expectedVolatility" bson:"expected_volatility"`
	CreatedAt          time.Time      `json:"createdAt" bson:"created_at"`
}

func (*Strategy) Kind() OutputKind { return OutputStrategy }
func (*Strategy) stageOutput()     {}

func (s *Strategy) Validate() error {
	if s.ID == "" {
		return errors.New("strategy id is required")
	}
	if len(s.Holdings) == 0 {
		return errors.New("strategy has no holdings")
	}
	var total float64
	for _, h := range s.Holdings {
		if h.Weight < 0 {
			return fmt.Errorf("negative weight for %s", h.Symbol)
		}
		total += h.Weight
	}
	if math.Abs(total-1) > 1e-6 {
		return fmt.Errorf("holding weights sum to %.6f", total)
	}
	return nil
}

// Symbols returns the symbols held by the strategy
func (s *Strategy) Symbols() []string {
	out := make([]string, 0, len(s.Holdings))
	for _, h := range s.Holdings {
		out = append(out, h.Symbol)
	}
	return out
}

// EquityPoint is one sample of the equity curve
type EquityPoint struct {
	Date  string  `json:"date" bson:"date"`
	Value float64 `json:"value" bson:"value"`
}

// BacktestResult holds the performance metrics of a backtest
type BacktestResult struct {
	StrategyID       string        `json:"strategyId" bson:"strategy_id"`
	StartDate        string        `json:"startDate" bson:"start_date"`
	EndDate          string        `json:"endDate" bson:"end_date"`
	InitialCapital   float64       `json:"initialCapital" bson:"initial_capital"`
	FinalValue       float64       `json:"finalValue" bson:"final_value"`
	TotalReturn      float64       `json:"totalReturn" bson:"total_return"`
	AnnualizedReturn float64       `json:"annualizedReturn" bson:"annualized_return"`
	Volatility       float64       `json:"volatility" bson:"volatility"`
	SharpeRatio      float64       `json:"sharpeRatio" bson:"sharpe_ratio"`
	MaxDrawdown      float64       `json:"maxDrawdown" bson:"max_drawdown"`
	WinRate          float64       `json:"winRate" bson:"win_rate"`
	Trades           int           `json:"trades" bson:"trades"`
	Commission       float64       `json:"commission" bson:"commission"`
	EquityCurve      []EquityPoint `json:"equityCurve" bson:"equity_curve"`
}

func (*BacktestResult) Kind() OutputKind { return OutputBacktest }
func (*BacktestResult) stageOutput()     {}

func (b *BacktestResult) Validate() error {
	if b.StrategyID == "" {
		return errors.New("backtest strategy id is required")
	}
	if b.InitialCapital <= 0 {
		return errors.New("initial capital must be positive")
	}
	if b.MaxDrawdown < 0 || b.MaxDrawdown > 1 {
		return fmt.Errorf("max drawdown %.4f out of range", b.MaxDrawdown)
	}
	if b.WinRate < 0 || b.WinRate > 1 {
		return fmt.Errorf("win rate %.4f out of range", b.WinRate)
	}
	for _, v := range []float64{b.FinalValue, b.TotalReturn, b.SharpeRatio, b.Volatility} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite metric")
		}
	}
	return nil
}

// NewOutput returns an empty value of the given kind, ready to be decoded into
func NewOutput(kind OutputKind) (StageOutput, error) {
	switch kind {
	case OutputParsedRequirement:
		return &ParsedRequirement{}, nil
	case OutputMarketAnalysis:
		return &MarketAnalysis{}, nil
	case OutputUniverse:
		return &Universe{}, nil
	case OutputModelSelection:
		return &ModelSelection{}, nil
	case OutputStrategy:
		return &Strategy{}, nil
	case OutputBacktest:
		return &BacktestResult{}, nil
	}
	return nil, fmt.Errorf("unknown output kind %q", kind)
}
