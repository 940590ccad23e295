package formula

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ryanbastic/go-sheetsync/internal/ref"
)

// Expr is a parsed formula.
type Expr struct {
	Root Node
	// Source is the formula body without the leading '='.
	Source string
}

func (e *Expr) String() string {
	return "=" + e.Root.String()
}

// Parse parses formula text. The leading '=' is optional.
//
// Grammar:
//
//	formula := term (op term)* EOF
//	term    := ['-' | '+'] operand
//	operand := NUMBER | REF | IDENT '(' arg ')'
//	arg     := REF [':' REF]
//	op      := '+' | '-' | '*' | '/'
func Parse(text string) (*Expr, error) {
	body := strings.TrimPrefix(text, "=")
	tokens, err := Tokenize(body)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}

	root, err := p.parseChain()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Kind != TokenEOF {
		return nil, p.errorf(tok, "unexpected %s", tok.Kind)
	}
	return &Expr{Root: root, Source: body}, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) peek() Token {
	return p.tokens[p.pos]
}

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Kind != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.next()
	if tok.Kind != kind {
		return tok, p.errorf(tok, "expected %s, got %s", kind, tok.Kind)
	}
	return tok, nil
}

func (p *parser) errorf(tok Token, format string, args ...any) error {
	return &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf(format, args...)}
}

// parseChain applies operators strictly left to right with no precedence.
func (p *parser) parseChain() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		var op byte
		switch tok.Kind {
		case TokenPlus:
			op = '+'
		case TokenMinus:
			op = '-'
		case TokenStar:
			op = '*'
		case TokenSlash:
			op = '/'
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right, At: tok.Pos}
	}
}

func (p *parser) parseTerm() (Node, error) {
	tok := p.peek()
	switch tok.Kind {
	case TokenMinus:
		p.next()
		operand, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Negate{Operand: operand, At: tok.Pos}, nil
	case TokenPlus:
		p.next()
	}
	return p.parseOperand()
}

func (p *parser) parseOperand() (Node, error) {
	tok := p.next()
	switch tok.Kind {
	case TokenNumber:
		f, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.Text)
		}
		return &Number{Value: f, At: tok.Pos}, nil
	case TokenRef:
		r, err := ref.Parse(tok.Text)
		if err != nil {
			return nil, p.errorf(tok, "%v", err)
		}
		if p.peek().Kind == TokenColon {
			return nil, p.errorf(p.peek(), "range outside of a function call")
		}
		return &CellRef{Ref: r, At: tok.Pos}, nil
	case TokenIdent:
		return p.parseCall(tok)
	case TokenEOF:
		return nil, p.errorf(tok, "unexpected end of formula")
	}
	return nil, p.errorf(tok, "unexpected %s", tok.Kind)
}

func (p *parser) parseCall(name Token) (Node, error) {
	if _, ok := functions[name.Text]; !ok {
		return nil, p.errorf(name, "unknown function %s", name.Text)
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	first, err := p.expect(TokenRef)
	if err != nil {
		return nil, err
	}
	from, err := ref.Parse(first.Text)
	if err != nil {
		return nil, p.errorf(first, "%v", err)
	}

	var arg Node = &CellRef{Ref: from, At: first.Pos}
	if p.peek().Kind == TokenColon {
		p.next()
		second, err := p.expect(TokenRef)
		if err != nil {
			return nil, err
		}
		to, err := ref.Parse(second.Text)
		if err != nil {
			return nil, p.errorf(second, "%v", err)
		}
		arg = &Range{From: from, To: to, At: first.Pos}
	}

	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return &Call{Name: name.Text, Arg: arg, At: name.Pos}, nil
}
