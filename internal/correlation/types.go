package correlation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInsufficientData is returned when there is not enough overlapping history
var ErrInsufficientData = errors.New("insufficient overlapping price history")

// Direction is the side of a position
type Direction int

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	if d == Sell {
		return "SELL"
	}
	return "BUY"
}

// Sign returns +1 for Buy and -1 for Sell
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// ParseDirection accepts BUY/SELL and LONG/SHORT in any case
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return Buy, nil
	case "SELL", "SHORT":
		return Sell, nil
	default:
		return Buy, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Position is an open position as reported by the execution side
type Position struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
}

// PriceSample is one closing price
type PriceSample struct {
	Time  time.Time `json:"time"`
	Close float64   `json:"close"`
}

// Matrix holds pairwise coefficients computed at one point in time
type Matrix struct {
	ID           string                        `json:"id"`
	Symbols      []string                      `json:"symbols"`
	Coefficients map[string]map[string]float64 `json:"coefficients"`
	ComputedAt   time.Time                     `json:"computed_at"`
}

// Get returns the coefficient for a pair present in the matrix
func (m *Matrix) Get(a, b string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	row, ok := m.Coefficients[a]
	if !ok {
		return 0, false
	}
	c, ok := row[b]
	return c, ok
}

func (m *Matrix) set(a, b string, c float64) {
	if m.Coefficients[a] == nil {
		m.Coefficients[a] = make(map[string]float64)
	}
	if m.Coefficients[b] == nil {
		m.Coefficients[b] = make(map[string]float64)
	}
	m.Coefficients[a][b] = c
	m.Coefficients[b][a] = c
}

// Clone returns a deep copy
func (m *Matrix) Clone() *Matrix {
	if m == nil {
		return nil
	}
	out := &Matrix{
		ID:           m.ID,
		Symbols:      append([]string(nil), m.Symbols...),
		Coefficients: make(map[string]map[string]float64, len(m.Coefficients)),
		ComputedAt:   m.ComputedAt,
	}
	for a, row := range m.Coefficients {
		dup := make(map[string]float64, len(row))
		for b, c := range row {
			dup[b] = c
		}
		out.Coefficients[a] = dup
	}
	return out
}
