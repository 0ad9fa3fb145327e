package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dandantas/quantflow/internal/model"
)

// Stage names in execution order
const (
	StageParse      = "parse_requirement"
	StageAnalyze    = "analyze_market"
	StageUniverse   = "select_universe"
	StageModel      = "select_model"
	StageSynthesize = "synthesize_strategy"
	StageBacktest   = "backtest"
)

// Definition declares a stage: its place in the progress model and its budget
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Weight      float64          `yaml:"weight"`
	Timeout     time.Duration    `yaml:"timeout"`
	Produces    model.OutputKind `yaml:"-"`
}

// DefaultDefinitions returns the six built-in stages in execution order
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: StageParse, Description: "Parsing investment requirement", Weight: 0.10, Timeout: 10 * time.Second, Produces: model.OutputParsedRequirement},
		{Name: StageAnalyze, Description: "Analyzing market conditions", Weight: 0.15, Timeout: 30 * time.Second, Produces: model.OutputMarketAnalysis},
		{Name: StageUniverse, Description: "Selecting stock universe", Weight: 0.15, Timeout: 30 * time.Second, Produces: model.OutputUniverse},
		{Name: StageModel, Description: "Selecting model", Weight: 0.15, Timeout: 60 * time.Second, Produces: model.OutputModelSelection},
		{Name: StageSynthesize, Description: "Synthesizing strategy portfolio", Weight: 0.20, Timeout: 60 * time.Second, Produces: model.OutputStrategy},
		{Name: StageBacktest, Description: "Running backtest", Weight: 0.25, Timeout: 120 * time.Second, Produces: model.OutputBacktest},
	}
}

// Input carries the requirement plus every output produced so far
type Input struct {
	JobID       string                   `json:"jobId"`
	Requirement *model.Requirement       `json:"requirement,omitempty"`
	Parsed      *model.ParsedRequirement `json:"parsed,omitempty"`
	Market      *model.MarketAnalysis    `json:"market,omitempty"`
	Universe    *model.Universe          `json:"universe,omitempty"`
	Model       *model.ModelSelection    `json:"model,omitempty"`
	Strategy    *model.Strategy          `json:"strategy,omitempty"`
	Backtest    *model.BacktestParams    `json:"backtest,omitempty"`
}

// Apply records a stage output on the input for the stages that follow
func (in *Input) Apply(out model.StageOutput) {
	switch v := out.(type) {
	case *model.ParsedRequirement:
		in.Parsed = v
	case *model.MarketAnalysis:
		in.Market = v
	case *model.Universe:
		in.Universe = v
	case *model.ModelSelection:
		in.Model = v
	case *model.Strategy:
		in.Strategy = v
	}
}

// Func is a stage implementation
type Func func(ctx context.Context, in *Input) (model.StageOutput, error)

// Stage is a definition bound to its implementation
type Stage struct {
	Definition
	Run Func
}

// Pipeline is an ordered, validated list of stages
type Pipeline struct {
	stages []Stage
	index  map[string]int
}

// New validates and builds a pipeline.
// Weights must sum to 1, names must be unique and every stage needs a timeout.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}

	p := &Pipeline{
		stages: make([]Stage, len(stages)),
		index:  make(map[string]int, len(stages)),
	}
	var total float64
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if _, dup := p.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %s", s.Name)
		}
		if s.Weight <= 0 {
			return nil, fmt.Errorf("stage %s: weight must be positive", s.Name)
		}
		if s.Timeout <= 0 {
			return nil, fmt.Errorf("stage %s: timeout must be positive", s.Name)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %s has no implementation", s.Name)
		}
		total += s.Weight
		p.index[s.Name] = i
		p.stages[i] = s
	}
	if math.Abs(total-1) > 1e-6 {
		return nil, fmt.Errorf("stage weights sum to %.6f, want 1", total)
	}
	if _, ok := p.index[StageBacktest]; !ok {
		return nil, fmt.Errorf("pipeline must contain a %s stage", StageBacktest)
	}
	return p, nil
}

// Stage looks up a stage by name
func (p *Pipeline) Stage(name string) (Stage, bool) {
	i, ok := p.index[name]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

// Plan returns the stages a job of the given kind runs.
// A backtest job runs the backtest stage alone, carrying the full weight.
func (p *Pipeline) Plan(kind model.JobKind) []Stage {
	if kind == model.KindBacktest {
		s, _ := p.Stage(StageBacktest)
		s.Weight = 1
		return []Stage{s}
	}
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Records builds the initial stage records for a job of the given kind
func (p *Pipeline) Records(kind model.JobKind) []model.StageRecord {
	plan := p.Plan(kind)
	records := make([]model.StageRecord, 0, len(plan))
	for _, s := range plan {
		records = append(records, model.StageRecord{
			Name:        s.Name,
			Description: s.Description,
			Weight:      s.Weight,
			TimeoutMs:   s.Timeout.Milliseconds(),
			Status:      model.StagePending,
		})
	}
	return records
}
