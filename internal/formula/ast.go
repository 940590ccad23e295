package formula

import (
	"strconv"

	"github.com/ryanbastic/go-sheetsync/internal/ref"
)

// Node is an expression tree node.
type Node interface {
	// Pos is the byte offset of the node in the formula body.
	Pos() int
	String() string
	node()
}

// Number is a numeric literal.
type Number struct {
	Value float64
	At    int
}

// CellRef is a single cell reference.
type CellRef struct {
	Ref ref.Ref
	At  int
}

// Range is an inclusive rectangle between two corners. It is only valid as
// a function argument.
type Range struct {
	From ref.Ref
	To   ref.Ref
	At   int
}

// Call is an aggregation call with a single reference or range argument.
type Call struct {
	Name string
	Arg  Node
	At   int
}

// Binary applies Op to Left and Right. Chains nest to the left, so
// a+b*c is ((a+b)*c).
type Binary struct {
	Op    byte
	Left  Node
	Right Node
	At    int
}

// Negate is a unary minus.
type Negate struct {
	Operand Node
	At      int
}

func (n *Number) Pos() int { return n.At }
func (n *CellRef) Pos() int { return n.At }
func (n *Range) Pos() int { return n.At }
func (n *Call) Pos() int { return n.At }
func (n *Binary) Pos() int { return n.At }
func (n *Negate) Pos() int { return n.At }

func (*Number) node() {}
func (*CellRef) node() {}
func (*Range) node() {}
func (*Call) node() {}
func (*Binary) node() {}
func (*Negate) node() {}

func (n *Number) String() string {
	return strconv.FormatFloat(n.Value, 'f', -1, 64)
}

func (n *CellRef) String() string {
	return n.Ref.String()
}

func (n *Range) String() string {
	return n.From.String() + ":" + n.To.String()
}

func (n *Call) String() string {
	return n.Name + "(" + n.Arg.String() + ")"
}

func (n *Binary) String() string {
	return "(" + n.Left.String() + " " + string(n.Op) + " " + n.Right.String() + ")"
}

func (n *Negate) String() string {
	return "-" + n.Operand.String()
}
