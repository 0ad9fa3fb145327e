package stages

import (
	"sort"
	"strings"
)

// Security is a static reference record used by the built-in stages
type Security struct {
	Symbol   string
	Sector   string
	Beta     float64
	Drift    float64 // expected annual return
	Vol      float64 // annual volatility
	Momentum float64
	Value    float64
	Growth   float64
	Yield    float64
}

// Catalog is an immutable set of securities keyed by symbol
type Catalog struct {
	bySymbol map[string]Security
	symbols  []string
}

// NewCatalog indexes the given securities
func NewCatalog(securities []Security) *Catalog {
	c := &Catalog{bySymbol: make(map[string]Security, len(securities))}
	for _, s := range securities {
		s.Symbol = strings.ToUpper(s.Symbol)
		if _, dup := c.bySymbol[s.Symbol]; dup {
			continue
		}
		c.bySymbol[s.Symbol] = s
		c.symbols = append(c.symbols, s.Symbol)
	}
	sort.Strings(c.symbols)
	return c
}

// Lookup returns the security for symbol
func (c *Catalog) Lookup(symbol string) (Security, bool) {
	s, ok := c.bySymbol[strings.ToUpper(symbol)]
	return s, ok
}

// All returns every security ordered by symbol
func (c *Catalog) All() []Security {
	out := make([]Security, 0, len(c.symbols))
	for _, sym := range c.symbols {
		out = append(out, c.bySymbol[sym])
	}
	return out
}

// Sectors returns the distinct sectors ordered by name
func (c *Catalog) Sectors() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range c.bySymbol {
		if !seen[s.Sector] {
			seen[s.Sector] = true
			out = append(out, s.Sector)
		}
	}
	sort.Strings(out)
	return out
}

// DefaultCatalog is a small reference universe of large caps
func DefaultCatalog() *Catalog {
	return NewCatalog([]Security{
		{"AAPL", "technology", 1.20, 0.14, 0.28, 0.12, 0.30, 0.55, 0.005},
		{"MSFT", "technology", 1.10, 0.15, 0.26, 0.15, 0.35, 0.60, 0.008},
		{"NVDA", "technology", 1.75, 0.30, 0.50, 0.40, 0.10, 0.90, 0.001},
		{"ORCL", "technology", 1.00, 0.10, 0.27, 0.08, 0.45, 0.40, 0.013},
		{"CSCO", "technology", 0.90, 0.07, 0.24, -0.02, 0.60, 0.25, 0.030},
		{"JNJ", "healthcare", 0.55, 0.06, 0.17, -0.03, 0.65, 0.20, 0.029},
		{"UNH", "healthcare", 0.70, 0.11, 0.22, 0.05, 0.50, 0.45, 0.014},
		{"PFE", "healthcare", 0.60, 0.04, 0.24, -0.10, 0.75, 0.10, 0.055},
		{"LLY", "healthcare", 0.45, 0.22, 0.30, 0.35, 0.15, 0.85, 0.007},
		{"JPM", "financials", 1.10, 0.11, 0.25, 0.10, 0.55, 0.35, 0.023},
		{"BAC", "financials", 1.30, 0.09, 0.30, 0.06, 0.65, 0.30, 0.025},
		{"GS", "financials", 1.35, 0.10, 0.29, 0.09, 0.55, 0.35, 0.024},
		{"XOM", "energy", 0.90, 0.08, 0.27, 0.04, 0.70, 0.20, 0.034},
		{"CVX", "energy", 1.00, 0.08, 0.28, 0.01, 0.68, 0.20, 0.041},
		{"PG", "consumer", 0.40, 0.07, 0.16, 0.02, 0.45, 0.25, 0.024},
		{"KO", "consumer", 0.55, 0.06, 0.15, 0.00, 0.50, 0.20, 0.030},
		{"AMZN", "consumer", 1.25, 0.16, 0.33, 0.18, 0.20, 0.75, 0.000},
		{"HD", "consumer", 1.00, 0.10, 0.24, 0.05, 0.40, 0.40, 0.025},
		{"CAT", "industrials", 1.05, 0.10, 0.27, 0.11, 0.50, 0.35, 0.017},
		{"HON", "industrials", 0.95, 0.08, 0.22, 0.02, 0.50, 0.30, 0.021},
		{"UNP", "industrials", 1.00, 0.09, 0.23, 0.03, 0.45, 0.30, 0.023},
		{"NEE", "utilities", 0.45, 0.07, 0.20, -0.04, 0.55, 0.30, 0.029},
		{"DUK", "utilities", 0.40, 0.05, 0.17, -0.01, 0.60, 0.15, 0.041},
		{"PLD", "real_estate", 0.95, 0.08, 0.26, 0.00, 0.50, 0.35, 0.032},
		{"O", "real_estate", 0.80, 0.05, 0.22, -0.06, 0.60, 0.15, 0.056},
	})
}

var sectorKeywords = map[string]string{
	"tech":        "technology",
	"technology":  "technology",
	"software":    "technology",
	"semis":       "technology",
	"chips":       "technology",
	"health":      "healthcare",
	"healthcare":  "healthcare",
	"biotech":     "healthcare",
	"pharma":      "healthcare",
	"bank":        "financials",
	"banks":       "financials",
	"finance":     "financials",
	"financials":  "financials",
	"energy":      "energy",
	"oil":         "energy",
	"consumer":    "consumer",
	"retail":      "consumer",
	"industrial":  "industrials",
	"industrials": "industrials",
	"utility":     "utilities",
	"utilities":   "utilities",
	"reit":        "real_estate",
	"reits":       "real_estate",
	"property":    "real_estate",
}

// detectSectors maps free-form words to catalog sectors
func detectSectors(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, text := range texts {
		for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !(r >= 'a' && r <= 'z')
		}) {
			if sector, ok := sectorKeywords[word]; ok && !seen[sector] {
				seen[sector] = true
				out = append(out, sector)
			}
		}
	}
	sort.Strings(out)
	return out
}
