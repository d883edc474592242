package instrument

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Category is the closed set of instrument families the engine trades
type Category int

const (
	Forex Category = iota
	Synthetic
)

// Categories lists every category in allocation order
var Categories = []Category{Forex, Synthetic}

func (c Category) String() string {
	switch c {
	case Forex:
		return "forex"
	case Synthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// ParseCategory resolves a category name once at load time
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forex", "fx":
		return Forex, nil
	case "synthetic", "synthetics":
		return Synthetic, nil
	default:
		return 0, fmt.Errorf("unknown instrument category %q", s)
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalYAML decodes a category from its name
func (c *Category) UnmarshalYAML(node *yaml.Node) error {
	return c.UnmarshalText([]byte(node.Value))
}

// Subtype narrows synthetic instruments; forex instruments use SubtypeNone
type Subtype int

const (
	SubtypeNone Subtype = iota
	Volatility
	CrashBoom
	Step
	Jump
	Range
)

func (s Subtype) String() string {
	switch s {
	case Volatility:
		return "volatility"
	case CrashBoom:
		return "crash_boom"
	case Step:
		return "step"
	case Jump:
		return "jump"
	case Range:
		return "range"
	default:
		return ""
	}
}

// ParseSubtype resolves a subtype name; the empty string maps to SubtypeNone
func ParseSubtype(s string) (Subtype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SubtypeNone, nil
	case "volatility":
		return Volatility, nil
	case "crash_boom", "crashboom":
		return CrashBoom, nil
	case "step":
		return Step, nil
	case "jump":
		return Jump, nil
	case "range", "range_break":
		return Range, nil
	default:
		return SubtypeNone, fmt.Errorf("unknown instrument subtype %q", s)
	}
}

func (s *Subtype) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseSubtype(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Instrument is immutable reference data for a tradable symbol
type Instrument struct {
	Symbol     string   `yaml:"symbol" json:"symbol"`
	Category   Category `yaml:"category" json:"category"`
	Subtype    Subtype  `yaml:"subtype" json:"subtype,omitempty"`
	MinLotSize float64  `yaml:"min_lot_size" json:"min_lot_size"`
}

// NormalizeSize rounds size down to a whole number of minimum lots.
// ok is false when the result is below one lot.
func (i Instrument) NormalizeSize(size float64) (normalized float64, ok bool) {
	if size <= 0 {
		return 0, false
	}
	if i.MinLotSize <= 0 {
		return size, true
	}

	lot := decimal.NewFromFloat(i.MinLotSize)
	lots := decimal.NewFromFloat(size).Div(lot).Floor()
	if lots.LessThan(decimal.NewFromInt(1)) {
		return 0, false
	}
	return lots.Mul(lot).InexactFloat64(), true
}

// Registry holds instruments loaded once at startup
type Registry struct {
	bySymbol   map[string]Instrument
	byCategory map[Category][]string
}

// NewRegistry validates and indexes the instrument list
func NewRegistry(instruments []Instrument) (*Registry, error) {
	r := &Registry{
		bySymbol:   make(map[string]Instrument, len(instruments)),
		byCategory: make(map[Category][]string),
	}

	for _, inst := range instruments {
		symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("instrument with empty symbol")
		}
		if _, exists := r.bySymbol[symbol]; exists {
			return nil, fmt.Errorf("duplicate instrument %s", symbol)
		}
		if inst.MinLotSize < 0 {
			return nil, fmt.Errorf("instrument %s: negative min lot size %.4f", symbol, inst.MinLotSize)
		}
		if inst.Category == Forex && inst.Subtype != SubtypeNone {
			return nil, fmt.Errorf("instrument %s: forex instruments cannot carry subtype %s", symbol, inst.Subtype)
		}
		inst.Symbol = symbol
		r.bySymbol[symbol] = inst
		r.byCategory[inst.Category] = append(r.byCategory[inst.Category], symbol)
	}

	for cat := range r.byCategory {
		sort.Strings(r.byCategory[cat])
	}

	return r, nil
}

// Get returns the instrument for symbol
func (r *Registry) Get(symbol string) (Instrument, bool) {
	inst, ok := r.bySymbol[strings.ToUpper(symbol)]
	return inst, ok
}

// CategoryOf returns the category of a known symbol
func (r *Registry) CategoryOf(symbol string) (Category, bool) {
	inst, ok := r.Get(symbol)
	return inst.Category, ok
}

// Symbols returns the sorted symbols of one category
func (r *Registry) Symbols(cat Category) []string {
	out := make([]string, len(r.byCategory[cat]))
	copy(out, r.byCategory[cat])
	return out
}

// All returns every instrument sorted by symbol
func (r *Registry) All() []Instrument {
	out := make([]Instrument, 0, len(r.bySymbol))
	for _, inst := range r.bySymbol {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of instruments
func (r *Registry) Len() int {
	return len(r.bySymbol)
}
