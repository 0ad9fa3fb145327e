package model

import (
	"sort"
	"strings"
	"time"
)

// RiskPreference is the user's declared appetite for risk
type RiskPreference string

const (
	RiskConservative RiskPreference = "conservative"
	RiskModerate     RiskPreference = "moderate"
	RiskAggressive   RiskPreference = "aggressive"
)

// Valid reports whether r is a known preference
func (r RiskPreference) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	}
	return false
}

// Strategy types accepted in a requirement
const (
	StrategyMomentum      = "momentum"
	StrategyValue         = "value"
	StrategyGrowth        = "growth"
	StrategyMeanReversion = "mean_reversion"
	StrategyMultiFactor   = "multi_factor"
	StrategyDividend      = "dividend"
)

var strategyTypes = map[string]bool{
	StrategyMomentum:      true,
	StrategyValue:         true,
	StrategyGrowth:        true,
	StrategyMeanReversion: true,
	StrategyMultiFactor:   true,
	StrategyDividend:      true,
}

var frequencies = map[string]bool{
	"daily":   true,
	"weekly":  true,
	"monthly": true,
}

const (
	DefaultCapital   = 100_000
	MinCapital       = 1_000
	MaxCapital       = 1_000_000_000
	MaxTags          = 10
	MaxTagLength     = 32
	MaxNotesLength   = 2000
	DateLayout       = "2006-01-02"
	maxBacktestYears = 10
)

// Requirement is the investment requirement submitted by a user
type Requirement struct {
	TargetReturn    float64         `json:"targetReturn" bson:"target_return"`
	RiskPreference  RiskPreference  `json:"riskPreference" bson:"risk_preference"`
	Capital         float64         `json:"capital,omitempty" bson:"capital"`
	Tags            []string        `json:"tags,omitempty" bson:"tags,omitempty"`
	StrategyType    string          `json:"strategyType,omitempty" bson:"strategy_type,omitempty"`
	Frequency       string          `json:"frequency,omitempty" bson:"frequency,omitempty"`
	Notes           string          `json:"notes,omitempty" bson:"notes,omitempty"`
	IncludeBacktest bool            `json:"includeBacktest,omitempty" bson:"include_backtest"`
	Backtest        *BacktestParams `json:"backtest,omitempty" bson:"backtest,omitempty"`
}

// SetDefaults fills optional fields
func (r *Requirement) SetDefaults(now time.Time) {
	r.RiskPreference = RiskPreference(strings.ToLower(strings.TrimSpace(string(r.RiskPreference))))
	r.StrategyType = strings.ToLower(strings.TrimSpace(r.StrategyType))
	r.Frequency = strings.ToLower(strings.TrimSpace(r.Frequency))
	if r.Capital == 0 {
		r.Capital = DefaultCapital
	}
	if r.Frequency == "" {
		r.Frequency = "daily"
	}
	if r.IncludeBacktest && r.Backtest == nil {
		r.Backtest = &BacktestParams{}
	}
	if r.Backtest != nil {
		r.Backtest.SetDefaults(now, r.Capital)
	}
}

// Validate checks every field and reports all violations at once
func (r *Requirement) Validate() error {
	verr := &ValidationError{}

	if r.TargetReturn <= 0 || r.TargetReturn > 100 {
		verr.Add("targetReturn", "must be greater than 0 and at most 100")
	}
	if r.RiskPreference == "" {
		verr.Add("riskPreference", "is required")
	} else if !r.RiskPreference.Valid() {
		verr.Add("riskPreference", "must be one of conservative, moderate, aggressive")
	}
	if r.Capital < MinCapital || r.Capital > MaxCapital {
		verr.Add("capital", "must be between %d and %d", MinCapital, MaxCapital)
	}
	if len(r.Tags) > MaxTags {
		verr.Add("tags", "at most %d tags allowed", MaxTags)
	}
	for _, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" || len(tag) > MaxTagLength {
			verr.Add("tags", "each tag must be non-empty and at most %d characters", MaxTagLength)
			break
		}
	}
	if r.StrategyType != "" && !strategyTypes[r.StrategyType] {
		verr.Add("strategyType", "unknown strategy type %q", r.StrategyType)
	}
	if !frequencies[r.Frequency] {
		verr.Add("frequency", "must be one of daily, weekly, monthly")
	}
	if len(r.Notes) > MaxNotesLength {
		verr.Add("notes", "must be at most %d characters", MaxNotesLength)
	}
	if r.Backtest != nil {
		if err := r.Backtest.Validate(); err != nil {
			if fe, ok := err.(*ValidationError); ok {
				verr.Merge("backtest.", fe)
			}
		}
	}

	return verr.OrNil()
}

// Commission describes trading costs applied on every rebalance
type Commission struct {
	Model string  `json:"model" bson:"model"` // "none" | "bps" | "per_trade"
	Rate  float64 `json:"rate" bson:"rate"`
}

// BacktestParams are the inputs of a backtest run
type BacktestParams struct {
	Universe       []string   `json:"universe,omitempty" bson:"universe,omitempty"`
	StartDate      string     `json:"startDate" bson:"start_date"`
	EndDate        string     `json:"endDate" bson:"end_date"`
	Commission     Commission `json:"commission" bson:"commission"`
	InitialCapital float64    `json:"initialCapital" bson:"initial_capital"`
}

// SetDefaults fills the backtest window, commission and capital when missing
func (p *BacktestParams) SetDefaults(now time.Time, capital float64) {
	if p.EndDate == "" {
		p.EndDate = now.UTC().Format(DateLayout)
	}
	if p.StartDate == "" {
		end, err := time.Parse(DateLayout, p.EndDate)
		if err == nil {
			p.StartDate = end.AddDate(-3, 0, 0).Format(DateLayout)
		}
	}
	if p.Commission.Model == "" {
		p.Commission = Commission{Model: "bps", Rate: 5}
	}
	p.Commission.Model = strings.ToLower(p.Commission.Model)
	if p.InitialCapital == 0 {
		if capital > 0 {
			p.InitialCapital = capital
		} else {
			p.InitialCapital = DefaultCapital
		}
	}
}

// Window parses the start and end dates
func (p BacktestParams) Window() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// Validate checks the backtest parameters
func (p *BacktestParams) Validate() error {
	verr := &ValidationError{}

	start, errStart := time.Parse(DateLayout, p.StartDate)
	if errStart != nil {
		verr.Add("startDate", "must be a date formatted as YYYY-MM-DD")
	}
	end, errEnd := time.Parse(DateLayout, p.EndDate)
	if errEnd != nil {
		verr.Add("endDate", "must be a date formatted as YYYY-MM-DD")
	}
	if errStart == nil && errEnd == nil {
		if !start.Before(end) {
			verr.Add("endDate", "must be after startDate")
		} else if end.After(start.AddDate(maxBacktestYears, 0, 0)) {
			verr.Add("endDate", "backtest window must not exceed %d years", maxBacktestYears)
		}
	}

	switch p.Commission.Model {
	case "none", "bps", "per_trade":
	default:
		verr.Add("commission.model", "must be one of none, bps, per_trade")
	}
	if p.Commission.Rate < 0 {
		verr.Add("commission.rate", "must not be negative")
	}
	if p.InitialCapital <= 0 {
		verr.Add("initialCapital", "must be positive")
	}
	for _, sym := range p.Universe {
		if strings.TrimSpace(sym) == "" {
			verr.Add("universe", "symbols must be non-empty")
			break
		}
	}

	return verr.OrNil()
}

// NormalizeSymbols upper-cases, trims, de-duplicates and sorts symbols
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
