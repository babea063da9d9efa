// Package pricing maps an operation and its parameters to a token cost.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Operation tags.
const (
	OpVideoRecording     = "VIDEO_RECORDING"
	OpAIEditing          = "AI_EDITING"
	OpColorCorrection    = "COLOR_CORRECTION"
	OpSubtitleGeneration = "SUBTITLE_GENERATION"
	OpExport720p         = "EXPORT_720P"
	OpExport1080p        = "EXPORT_1080P"
	OpExport4K           = "EXPORT_4K"
	OpCloudStorage       = "CLOUD_STORAGE"
)

const DefaultCost = 10

var ErrUnknownOperation = errors.New("pricing: unknown operation")

// Params carries the scaling inputs. Duration is in minutes.
type Params struct {
	Duration   float64 `json:"duration,omitempty"`
	GB         float64 `json:"gb,omitempty"`
	Complexity string  `json:"complexity,omitempty"`
}

// Table is the price list. It is also the YAML shape of a pricing file.
type Table struct {
	Default    int            `yaml:"default"`
	Operations map[string]int `yaml:"operations"`
	Complexity map[string]int `yaml:"ai_editing_complexity"`
}

// DefaultTable returns the built-in price list.
func DefaultTable() Table {
	return Table{
		Default: DefaultCost,
		Operations: map[string]int{
			OpVideoRecording:     20,
			OpAIEditing:          40,
			OpColorCorrection:    10,
			OpSubtitleGeneration: 15,
			OpExport720p:         5,
			OpExport1080p:        10,
			OpExport4K:           20,
			OpCloudStorage:       1,
		},
		Complexity: map[string]int{
			"low":    30,
			"medium": 40,
			"high":   50,
		},
	}
}

// LoadTable reads a YAML pricing file and merges it over the defaults.
// Operations missing from the file keep their built-in price.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read pricing file: %w", err)
	}
	var override Table
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Table{}, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	t := DefaultTable()
	if override.Default > 0 {
		t.Default = override.Default
	}
	for op, cost := range override.Operations {
		if cost < 0 {
			return Table{}, fmt.Errorf("pricing file %s: negative cost for %s", path, op)
		}
		t.Operations[op] = cost
	}
	for label, cost := range override.Complexity {
		if cost < 0 {
			return Table{}, fmt.Errorf("pricing file %s: negative cost for complexity %s", path, label)
		}
		t.Complexity[label] = cost
	}
	return t, nil
}

// Calculator prices operations. It is safe for concurrent use.
type Calculator struct {
	mu     sync.RWMutex
	table  Table
	strict bool
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithTable replaces the built-in price list.
func WithTable(t Table) Option {
	return func(c *Calculator) { c.table = t }
}

// WithStrict makes Price reject unknown operation tags instead of charging
// the default cost.
func WithStrict(strict bool) Option {
	return func(c *Calculator) { c.strict = strict }
}

func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{table: DefaultTable()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cost returns the token cost of op. Unknown tags cost the table default.
func (c *Calculator) Cost(op string, p Params) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cost, _ := c.cost(op, p)
	return cost
}

// Price is Cost with strict-mode checking of the operation tag.
func (c *Calculator) Price(op string, p Params) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cost, known := c.cost(op, p)
	if !known && c.strict {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return cost, nil
}

// SetTable swaps the price list at runtime.
func (c *Calculator) SetTable(t Table) {
	c.mu.Lock()
	c.table = t
	c.mu.Unlock()
}

func (c *Calculator) cost(op string, p Params) (int, bool) {
	base, known := c.table.Operations[op]
	if !known {
		return c.table.Default, false
	}

	switch op {
	case OpVideoRecording:
		return scaled(base, p.Duration), true
	case OpCloudStorage:
		return scaled(base, p.GB), true
	case OpAIEditing:
		if cost, ok := c.table.Complexity[p.Complexity]; ok {
			return cost, true
		}
		return base, true
	}
	return base, true
}

// scaled charges base per started unit of qty. A missing or non-positive
// quantity is charged as a single unit.
func scaled(base int, qty float64) int {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return base
	}
	return base * int(math.Ceil(qty))
}

// ExportOperation maps an export resolution to its operation tag.
func ExportOperation(resolution string) (string, error) {
	switch resolution {
	case "720p":
		return OpExport720p, nil
	case "1080p":
		return OpExport1080p, nil
	case "4K":
		return OpExport4K, nil
	}
	return "", fmt.Errorf("%w: no export price for resolution %q", ErrUnknownOperation, resolution)
}
