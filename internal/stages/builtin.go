package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/google/uuid"
)

// riskProfile holds the per-preference knobs of the built-in stages
type riskProfile struct {
	volBudget   float64
	maxReturn   float64
	betaCeiling float64
	holdings    int
	defaultType string
}

var profiles = map[model.RiskPreference]riskProfile{
	model.RiskConservative: {volBudget: 0.10, maxReturn: 0.12, betaCeiling: 1.00, holdings: 8, defaultType: model.StrategyDividend},
	model.RiskModerate:     {volBudget: 0.18, maxReturn: 0.25, betaCeiling: 1.30, holdings: 10, defaultType: model.StrategyMultiFactor},
	model.RiskAggressive:   {volBudget: 0.30, maxReturn: 0.60, betaCeiling: 2.00, holdings: 12, defaultType: model.StrategyMomentum},
}

var strategyNamespace = uuid.MustParse("6f1c1a52-1d0e-4b53-9a57-3b7c0d1f9e21")

// Builtin implements the five strategy stages plus the backtest over a catalog
type Builtin struct {
	catalog *Catalog
	now     func() time.Time
}

// NewBuiltin creates the built-in stage set
func NewBuiltin(catalog *Catalog) *Builtin {
	return &Builtin{catalog: catalog, now: time.Now}
}

// Funcs returns the implementation of every default stage keyed by name
func (b *Builtin) Funcs() map[string]pipeline.Func {
	return map[string]pipeline.Func{
		pipeline.StageParse:      b.ParseRequirement,
		pipeline.StageAnalyze:    b.AnalyzeMarket,
		pipeline.StageUniverse:   b.SelectUniverse,
		pipeline.StageModel:      b.SelectModel,
		pipeline.StageSynthesize: b.SynthesizeStrategy,
		pipeline.StageBacktest:   b.Backtest,
	}
}

// ParseRequirement normalizes the submitted requirement
func (b *Builtin) ParseRequirement(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	req := in.Requirement
	if req == nil {
		return nil, errors.New("requirement is missing")
	}
	profile, ok := profiles[req.RiskPreference]
	if !ok {
		return nil, fmt.Errorf("unknown risk preference %q", req.RiskPreference)
	}

	target := req.TargetReturn / 100
	if target > profile.maxReturn {
		return nil, fmt.Errorf("target return %.1f%% is not attainable with %s risk (max %.0f%%)",
			req.TargetReturn, req.RiskPreference, profile.maxReturn*100)
	}

	strategyType := req.StrategyType
	if strategyType == "" {
		strategyType = profile.defaultType
	}

	tags := normalizeTags(req.Tags)

	return &model.ParsedRequirement{
		TargetReturn:     target,
		RiskPreference:   req.RiskPreference,
		VolatilityBudget: profile.volBudget,
		Capital:          req.Capital,
		StrategyType:     strategyType,
		Frequency:        req.Frequency,
		Tags:             tags,
		Sectors:          detectSectors(append([]string{req.Notes}, tags...)...),
		IncludeBacktest:  req.IncludeBacktest,
	}, nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AnalyzeMarket scores sectors from the catalog factors
func (b *Builtin) AnalyzeMarket(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	if in.Parsed == nil {
		return nil, errors.New("parsed requirement is missing")
	}

	type agg struct {
		momentum, vol float64
		n             int
	}
	sectors := map[string]*agg{}
	var totalMomentum, totalVol float64
	all := b.catalog.All()
	for _, s := range all {
		a, ok := sectors[s.Sector]
		if !ok {
			a = &agg{}
			sectors[s.Sector] = a
		}
		a.momentum += s.Momentum
		a.vol += s.Vol
		a.n++
		totalMomentum += s.Momentum
		totalVol += s.Vol
	}
	if len(all) == 0 {
		return nil, errors.New("catalog is empty")
	}

	preferred := map[string]bool{}
	for _, s := range in.Parsed.Sectors {
		preferred[s] = true
	}

	scores := make([]model.SectorScore, 0, len(sectors))
	for name, a := range sectors {
		mom := a.momentum / float64(a.n)
		vol := a.vol / float64(a.n)
		score := mom - math.Max(0, vol-in.Parsed.VolatilityBudget)
		if preferred[name] {
			score += 0.10
		}
		scores = append(scores, model.SectorScore{Sector: name, Score: round(score, 6)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Sector < scores[j].Sector
	})

	avgMomentum := totalMomentum / float64(len(all))
	regime := "neutral"
	switch {
	case avgMomentum > 0.05:
		regime = "bull"
	case avgMomentum < -0.02:
		regime = "bear"
	}

	return &model.MarketAnalysis{
		Regime:           regime,
		MarketVolatility: round(totalVol/float64(len(all)), 6),
		SectorScores:     scores,
	}, nil
}

// SelectUniverse keeps the best scoring securities within the beta ceiling
func (b *Builtin) SelectUniverse(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	if in.Parsed == nil || in.Market == nil {
		return nil, errors.New("market analysis is missing")
	}
	profile := profiles[in.Parsed.RiskPreference]

	sectorScore := map[string]float64{}
	for _, s := range in.Market.SectorScores {
		sectorScore[s.Sector] = s.Score
	}
	preferred := map[string]bool{}
	for _, s := range in.Parsed.Sectors {
		preferred[s] = true
	}

	var eligible, inPreferred []model.Candidate
	for _, s := range b.catalog.All() {
		if s.Beta > profile.betaCeiling {
			continue
		}
		c := model.Candidate{
			Symbol: s.Symbol,
			Sector: s.Sector,
			Beta:   s.Beta,
			Score:  round(sectorScore[s.Sector]+factorScore(in.Parsed.StrategyType, s), 6),
		}
		eligible = append(eligible, c)
		if preferred[s.Sector] {
			inPreferred = append(inPreferred, c)
		}
	}
	if len(inPreferred) >= 3 {
		eligible = inPreferred
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no securities below beta %.2f", profile.betaCeiling)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Symbol < eligible[j].Symbol
	})
	if len(eligible) > profile.holdings {
		eligible = eligible[:profile.holdings]
	}

	return &model.Universe{Candidates: eligible}, nil
}

func factorScore(strategyType string, s Security) float64 {
	switch strategyType {
	case model.StrategyMomentum:
		return s.Momentum
	case model.StrategyValue:
		return s.Value * 0.5
	case model.StrategyGrowth:
		return s.Growth * 0.5
	case model.StrategyMeanReversion:
		return -s.Momentum
	case model.StrategyDividend:
		return s.Yield * 5
	default:
		return (s.Momentum + s.Value*0.5 + s.Growth*0.5 + s.Yield*5) / 4
	}
}

var modelFamilies = map[string]struct {
	family   string
	lookback int
}{
	model.StrategyMomentum:      {"time_series_momentum", 126},
	model.StrategyValue:         {"factor_regression", 252},
	model.StrategyGrowth:        {"gradient_boosting", 252},
	model.StrategyMeanReversion: {"ornstein_uhlenbeck", 20},
	model.StrategyMultiFactor:   {"multi_factor_ranking", 126},
	model.StrategyDividend:      {"yield_tilt", 252},
}

var rebalanceDays = map[string]int{"daily": 1, "weekly": 5, "monthly": 21}

// SelectModel picks the model family for the strategy type and regime
func (b *Builtin) SelectModel(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	if in.Parsed == nil || in.Market == nil {
		return nil, errors.New("market analysis is missing")
	}
	m, ok := modelFamilies[in.Parsed.StrategyType]
	if !ok {
		return nil, fmt.Errorf("no model for strategy type %q", in.Parsed.StrategyType)
	}

	lookback := m.lookback
	params := map[string]float64{
		"vol_target":     in.Parsed.VolatilityBudget,
		"rebalance_days": float64(rebalanceDays[in.Parsed.Frequency]),
	}
	rationale := fmt.Sprintf("%s suits %s strategies in a %s market", m.family, in.Parsed.StrategyType, in.Market.Regime)
	if in.Market.Regime == "bear" {
		lookback = max(lookback/2, 10)
		params["defensive"] = 1
	}

	return &model.ModelSelection{
		Family:    m.family,
		Lookback:  lookback,
		Params:    params,
		Rationale: rationale,
	}, nil
}

// SynthesizeStrategy weights the universe by score over beta
func (b *Builtin) SynthesizeStrategy(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
	if in.Parsed == nil || in.Universe == nil || in.Model == nil {
		return nil, errors.New("universe or model selection is missing")
	}

	raw := make([]float64, len(in.Universe.Candidates))
	var total float64
	for i, c := range in.Universe.Candidates {
		score := math.Max(c.Score, 0.01)
		raw[i] = score / math.Max(c.Beta, 0.1)
		total += raw[i]
	}

	holdings := make([]model.Holding, len(in.Universe.Candidates))
	var expReturn, expVol float64
	for i, c := range in.Universe.Candidates {
		w := raw[i] / total
		holdings[i] = model.Holding{Symbol: c.Symbol, Sector: c.Sector, Weight: w, Beta: c.Beta}
		if s, ok := b.catalog.Lookup(c.Symbol); ok {
			expReturn += w * s.Drift
			expVol += w * s.Vol
		}
	}

	// diversification haircut for imperfect correlation
	expVol *= 0.75

	title := strings.ReplaceAll(in.Parsed.StrategyType, "_", " ")
	return &model.Strategy{
		ID:                 uuid.NewSHA1(strategyNamespace, []byte(in.JobID)).String(),
		Name:               fmt.Sprintf("%s %s (%d holdings)", in.Parsed.RiskPreference, title, len(holdings)),
		Type:               in.Parsed.StrategyType,
		Model:              in.Model.Family,
		RiskPreference:     in.Parsed.RiskPreference,
		Rebalance:          in.Parsed.Frequency,
		Holdings:           holdings,
		ExpectedReturn:     round(expReturn, 6),
		ExpectedVolatility: round(expVol, 6),
		CreatedAt:          b.now().UTC(),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
