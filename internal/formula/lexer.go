package formula

import (
	"fmt"
	"strings"
)

// TokenKind classifies lexer output.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenNumber
	TokenRef
	TokenIdent
	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenLParen
	TokenRParen
	TokenColon
	TokenComma
)

var tokenNames = map[TokenKind]string{
	TokenEOF:    "EOF",
	TokenNumber: "number",
	TokenRef:    "reference",
	TokenIdent:  "identifier",
	TokenPlus:   "'+'",
	TokenMinus:  "'-'",
	TokenStar:   "'*'",
	TokenSlash:  "'/'",
	TokenLParen: "'('",
	TokenRParen: "')'",
	TokenColon:  "':'",
	TokenComma:  "','",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is a lexeme with its byte offset in the formula body.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// SyntaxError reports a lexing or parsing failure.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula syntax error at %d: %s", e.Pos, e.Msg)
}

// Tokenize splits a formula body (without the leading '=') into tokens.
// The returned slice always ends with a TokenEOF.
func Tokenize(src string) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+', c == '-', c == '*', c == '/', c == '(', c == ')', c == ':', c == ',':
			tokens = append(tokens, Token{Kind: punct[c], Text: string(c), Pos: i})
			i++
		case isDigit(c) || c == '.':
			j := scanNumber(src, i)
			if j == i || (j == i+1 && c == '.') {
				return nil, &SyntaxError{Pos: i, Msg: "invalid number"}
			}
			tokens = append(tokens, Token{Kind: TokenNumber, Text: src[i:j], Pos: i})
			i = j
		case c == '\'':
			j, err := scanQuotedRef(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: TokenRef, Text: src[i:j], Pos: i})
			i = j
		case isWordStart(c):
			tok, j := scanWord(src, i)
			tokens = append(tokens, tok)
			i = j
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	tokens = append(tokens, Token{Kind: TokenEOF, Pos: len(src)})
	return tokens, nil
}

var punct = map[byte]TokenKind{
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'(': TokenLParen,
	')': TokenRParen,
	':': TokenColon,
	',': TokenComma,
}

func scanNumber(src string, i int) int {
	j := i
	seenDot := false
	for j < len(src) {
		switch {
		case isDigit(src[j]):
		case src[j] == '.' && !seenDot:
			seenDot = true
		default:
			return j
		}
		j++
	}
	return j
}

// scanQuotedRef consumes 'Sheet Name'!A1.
func scanQuotedRef(src string, i int) (int, error) {
	j := i + 1
	for {
		if j >= len(src) {
			return 0, &SyntaxError{Pos: i, Msg: "unterminated sheet name"}
		}
		if src[j] == '\'' {
			if j+1 < len(src) && src[j+1] == '\'' {
				j += 2
				continue
			}
			break
		}
		j++
	}
	j++
	if j >= len(src) || src[j] != '!' {
		return 0, &SyntaxError{Pos: j, Msg: "expected '!' after quoted sheet name"}
	}
	end := scanWordChars(src, j+1)
	if end == j+1 {
		return 0, &SyntaxError{Pos: j + 1, Msg: "expected cell address"}
	}
	return end, nil
}

// scanWord reads an identifier, a bare reference, or a Sheet!Ref pair.
func scanWord(src string, i int) (Token, int) {
	j := scanWordChars(src, i)
	if j < len(src) && src[j] == '!' {
		end := scanWordChars(src, j+1)
		return Token{Kind: TokenRef, Text: src[i:end], Pos: i}, end
	}
	word := src[i:j]
	if looksLikeAddress(word) {
		return Token{Kind: TokenRef, Text: word, Pos: i}, j
	}
	return Token{Kind: TokenIdent, Text: strings.ToUpper(word), Pos: i}, j
}

func scanWordChars(src string, i int) int {
	j := i
	for j < len(src) && (isWordStart(src[j]) || isDigit(src[j]) || src[j] == '.') {
		j++
	}
	return j
}

// looksLikeAddress matches letters followed by digits, e.g. "AB12".
func looksLikeAddress(w string) bool {
	i := 0
	for i < len(w) && isLetter(w[i]) {
		i++
	}
	if i == 0 || i == len(w) {
		return false
	}
	for _, c := range []byte(w[i:]) {
		if !isDigit(c) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isWordStart(c byte) bool { return isLetter(c) || c == '_' }
