// Package cache stores backtest results under deterministic keys.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dandantas/quantflow/internal/model"
)

// ResultCache maps cache keys to backtest results with a time-to-live.
// Store is idempotent for equal values and returns a *model.CachePoisoningError
// when a different value is stored under a live key.
type ResultCache interface {
	Lookup(ctx context.Context, key string) (*model.BacktestResult, bool, error)
	Store(ctx context.Context, key string, value *model.BacktestResult) error
	Sweep(ctx context.Context) (int, error)
}

const keyVersion = "v1"

// Key derives the cache key of a backtest.
// The canonical form is versioned so a change in normalization rules never
// collides with keys written by older code.
func Key(strategyID string, p model.BacktestParams) string {
	universe := "*"
	if syms := model.NormalizeSymbols(p.Universe); len(syms) > 0 {
		universe = strings.Join(syms, ",")
	}

	canonical := strings.Join([]string{
		keyVersion,
		strategyID,
		universe,
		p.StartDate,
		p.EndDate,
		strings.ToLower(p.Commission.Model) + ":" + formatFloat(p.Commission.Rate),
		formatFloat(p.InitialCapital),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return "bt:" + keyVersion + ":" + hex.EncodeToString(sum[:])
}

// formatFloat renders the shortest representation that round-trips, so two
// keys match only when the backtest sees the same value.
func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func encode(v *model.BacktestResult) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backtest result: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*model.BacktestResult, error) {
	var v model.BacktestResult
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("failed to decode backtest result: %w", err)
	}
	return &v, nil
}
