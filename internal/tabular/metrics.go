package tabular

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Header maps a column name to its position in a row.
type Header map[string]int

func NewHeader(names []string) Header {
	h := make(Header, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := h[n]; !dup {
			h[n] = i
		}
	}
	return h
}

func (h Header) column(name string) (int, error) {
	i, ok := h[name]
	if !ok {
		return 0, fmt.Errorf("column %q not found", name)
	}
	return i, nil
}

// Accumulator folds rows into a single metric value. Value reports false when
// the metric could not be computed from the rows seen.
type Accumulator interface {
	Add(row []string)
	Value() (float64, bool)
}

type Metric struct {
	Name string
	New  func(h Header) (Accumulator, error)
}

// Metrics is the fixed set of statistics computed for every table.
var Metrics = []Metric{
	{Name: "num_customers", New: func(h Header) (Accumulator, error) {
		return newDistinct(h, "CustomerID", true)
	}},
	{Name: "total_quantity", New: func(h Header) (Accumulator, error) {
		return newSum(h, "Quantity")
	}},
	{Name: "total_revenue", New: func(h Header) (Accumulator, error) {
		return newProductSum(h, "Quantity", "UnitPrice")
	}},
	{Name: "num_invoices", New: func(h Header) (Accumulator, error) {
		return newDistinct(h, "InvoiceNo", false)
	}},
}

func parseNumber(v string) (float64, bool, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false, true
	}
	return f, true, false
}

type sumAcc struct {
	col    int
	sum    float64
	n, bad int
}

func newSum(h Header, column string) (Accumulator, error) {
	col, err := h.column(column)
	if err != nil {
		return nil, err
	}
	return &sumAcc{col: col}, nil
}

func (a *sumAcc) Add(row []string) {
	f, ok, bad := parseNumber(row[a.col])
	switch {
	case ok:
		a.sum += f
		a.n++
	case bad:
		a.bad++
	}
}

// Value fails only for a column where every present value was non-numeric.
func (a *sumAcc) Value() (float64, bool) {
	if a.n == 0 && a.bad > 0 {
		return 0, false
	}
	return a.sum, true
}

type productSumAcc struct {
	left, right int
	sum         float64
	n, bad      int
}

func newProductSum(h Header, left, right string) (Accumulator, error) {
	l, err := h.column(left)
	if err != nil {
		return nil, err
	}
	r, err := h.column(right)
	if err != nil {
		return nil, err
	}
	return &productSumAcc{left: l, right: r}, nil
}

func (a *productSumAcc) Add(row []string) {
	x, okX, badX := parseNumber(row[a.left])
	y, okY, badY := parseNumber(row[a.right])
	if okX && okY {
		a.sum += x * y
		a.n++
		return
	}
	if badX || badY {
		a.bad++
	}
}

func (a *productSumAcc) Value() (float64, bool) {
	if a.n == 0 && a.bad > 0 {
		return 0, false
	}
	return a.sum, true
}

type distinctAcc struct {
	col     int
	numeric bool
	seen    map[string]struct{}
}

func newDistinct(h Header, column string, numeric bool) (Accumulator, error) {
	col, err := h.column(column)
	if err != nil {
		return nil, err
	}
	return &distinctAcc{col: col, numeric: numeric, seen: make(map[string]struct{})}, nil
}

// Add ignores empty cells. Numeric columns are normalised so that "1" and
// "1.0" count once.
func (a *distinctAcc) Add(row []string) {
	v := row[a.col]
	if strings.TrimSpace(v) == "" {
		return
	}
	if a.numeric {
		if f, ok, _ := parseNumber(v); ok {
			v = strconv.FormatFloat(f, 'g', -1, 64)
		} else {
			v = strings.TrimSpace(v)
		}
	}
	a.seen[v] = struct{}{}
}

func (a *distinctAcc) Value() (float64, bool) {
	return float64(len(a.seen)), true
}
