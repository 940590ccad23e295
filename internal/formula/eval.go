package formula

import (
	"errors"
	"math"
	"slices"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
)

// MaxRangeCells bounds how many cells a single range may cover: one full
// column of the grid.
const MaxRangeCells = ref.MaxRows

var (
	errCircular  = errors.New("circular reference")
	errRangeSize = errors.New("range too large")
	errNotFinite = errors.New("result is not finite")
)

// Source is the read-only view of a workbook the evaluator runs against.
type Source interface {
	ref.Lookup
	Record(k cell.Key) (cell.Record, bool)
}

// Compiled is implemented by sources that keep the parsed form of their
// formula cells. The evaluator then skips re-parsing referenced formulas.
type Compiled interface {
	Expr(k cell.Key) (*Expr, bool)
}

// aggregate folds the numeric values of the cells a call argument covers.
type aggregate func(values []float64) float64

var functions = map[string]aggregate{
	"SUM": func(values []float64) float64 {
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total
	},
}

// References returns the sorted, de-duplicated keys the expression reads
// when evaluated on defaultTab. Unresolvable references are omitted.
func (e *Expr) References(defaultTab int64, names ref.Lookup) []cell.Key {
	seen := make(map[cell.Key]struct{})
	walk(e.Root, func(n Node) {
		switch n := n.(type) {
		case *CellRef:
			if k, ok := ref.Resolve(n.Ref, defaultTab, names); ok {
				seen[k] = struct{}{}
			}
		case *Range:
			keys, err := expandRange(n, defaultTab, names)
			if err != nil {
				return
			}
			for _, k := range keys {
				seen[k] = struct{}{}
			}
		}
	})

	keys := make([]cell.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cell.Key.Compare)
	return keys
}

func walk(n Node, fn func(Node)) {
	fn(n)
	switch n := n.(type) {
	case *Call:
		walk(n.Arg, fn)
	case *Binary:
		walk(n.Left, fn)
		walk(n.Right, fn)
	case *Negate:
		walk(n.Operand, fn)
	}
}

// expandRange lists every key inside the rectangle. The range lives on the
// first corner's tab; a second corner qualified with a different tab makes
// the range unresolvable and it yields no keys.
func expandRange(r *Range, defaultTab int64, names ref.Lookup) ([]cell.Key, error) {
	from, ok := ref.Resolve(r.From, defaultTab, names)
	if !ok {
		return nil, nil
	}
	to := r.To
	if to.Qualified {
		k, ok := ref.Resolve(to, defaultTab, names)
		if !ok || k.TabID != from.TabID {
			return nil, nil
		}
	}

	r0, r1 := min(from.Row, to.Row), max(from.Row, to.Row)
	c0, c1 := min(from.Col, to.Col), max(from.Col, to.Col)
	rows, cols := r1-r0+1, c1-c0+1
	if rows <= 0 || cols <= 0 || rows > MaxRangeCells/cols {
		return nil, errRangeSize
	}

	keys := make([]cell.Key, 0, rows*cols)
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			keys = append(keys, cell.Key{TabID: from.TabID, Row: row, Col: col})
		}
	}
	return keys, nil
}

// Evaluate computes the value of the formula stored at self. Referenced
// formula cells are evaluated recursively against src; re-entering a cell
// already being evaluated yields #CIRCULAR!, any other failure #ERROR!.
func Evaluate(src Source, self cell.Key, text string) cell.Value {
	return NewPass(src).Evaluate(self, text)
}

// Pass evaluates many formulas against a source whose inputs stay fixed for
// the lifetime of the pass. Every formula cell is computed at most once per
// pass; later references to it reuse the result.
type Pass struct {
	src        Source
	evaluating map[cell.Key]bool
	memo       map[cell.Key]result
	parsed     map[string]*Expr
}

type result struct {
	value float64
	err   error
}

// NewPass starts an evaluation pass over src.
func NewPass(src Source) *Pass {
	return &Pass{
		src:        src,
		evaluating: make(map[cell.Key]bool),
		memo:       make(map[cell.Key]result),
		parsed:     make(map[string]*Expr),
	}
}

// Evaluate computes the formula text stored at self, or returns the result
// already computed for self in this pass.
func (ev *Pass) Evaluate(self cell.Key, text string) cell.Value {
	r, ok := ev.memo[self]
	if !ok {
		ev.evaluating[self] = true
		v, err := ev.formula(self, text)
		delete(ev.evaluating, self)
		r = result{value: v, err: err}
		ev.memo[self] = r
	}
	switch {
	case errors.Is(r.err, errCircular):
		return cell.Text(cell.Circular)
	case r.err != nil:
		return cell.Text(cell.ErrorValue)
	}
	return cell.Number(r.value)
}

// expr returns the parsed formula of k, preferring the source's copy.
func (ev *Pass) expr(k cell.Key, text string) (*Expr, error) {
	if c, ok := ev.src.(Compiled); ok {
		if e, ok := c.Expr(k); ok {
			return e, nil
		}
	}
	if e, ok := ev.parsed[text]; ok {
		return e, nil
	}
	e, err := Parse(text)
	if err != nil {
		return nil, err
	}
	ev.parsed[text] = e
	return e, nil
}

func (ev *Pass) formula(k cell.Key, text string) (float64, error) {
	expr, err := ev.expr(k, text)
	if err != nil {
		return 0, err
	}
	f, err := ev.eval(expr.Root, k.TabID)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotFinite
	}
	return f, nil
}

func (ev *Pass) eval(n Node, tabID int64) (float64, error) {
	switch n := n.(type) {
	case *Number:
		return n.Value, nil
	case *CellRef:
		k, ok := ref.Resolve(n.Ref, tabID, ev.src)
		if !ok {
			return 0, nil
		}
		return ev.cellValue(k)
	case *Negate:
		v, err := ev.eval(n.Operand, tabID)
		return -v, err
	case *Binary:
		return ev.binary(n, tabID)
	case *Call:
		return ev.call(n, tabID)
	}
	return 0, &SyntaxError{Pos: n.Pos(), Msg: "range outside of a function call"}
}

func (ev *Pass) binary(n *Binary, tabID int64) (float64, error) {
	l, err := ev.eval(n.Left, tabID)
	if err != nil {
		return 0, err
	}
	r, err := ev.eval(n.Right, tabID)
	if err != nil {
		return 0, err
	}
	switch n.Op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, nil
		}
		return l / r, nil
	}
	return 0, &SyntaxError{Pos: n.At, Msg: "unknown operator " + string(n.Op)}
}

func (ev *Pass) call(n *Call, tabID int64) (float64, error) {
	fn, ok := functions[n.Name]
	if !ok {
		return 0, &SyntaxError{Pos: n.At, Msg: "unknown function " + n.Name}
	}

	var keys []cell.Key
	switch arg := n.Arg.(type) {
	case *CellRef:
		if k, ok := ref.Resolve(arg.Ref, tabID, ev.src); ok {
			keys = []cell.Key{k}
		}
	case *Range:
		var err error
		keys, err = expandRange(arg, tabID, ev.src)
		if err != nil {
			return 0, err
		}
	}

	values := make([]float64, 0, len(keys))
	for _, k := range keys {
		v, err := ev.cellValue(k)
		if err != nil {
			return 0, err
		}
		values = append(values, v)
	}
	return fn(values), nil
}

// cellValue returns the numeric contribution of a referenced cell.
func (ev *Pass) cellValue(k cell.Key) (float64, error) {
	if ev.evaluating[k] {
		return 0, errCircular
	}
	rec, ok := ev.src.Record(k)
	if !ok {
		return 0, nil
	}
	if !rec.IsFormula() {
		return rec.Value.Float(), nil
	}
	if r, ok := ev.memo[k]; ok {
		return r.value, r.err
	}

	ev.evaluating[k] = true
	v, err := ev.formula(k, rec.Formula)
	delete(ev.evaluating, k)
	ev.memo[k] = result{value: v, err: err}
	return v, err
}
