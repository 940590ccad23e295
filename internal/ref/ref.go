// Package ref translates textual cell references such as "B3", "Sheet2!A1"
// or "'Q1 Plan'!C10" into canonical cell keys.
package ref

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
)

// ErrMalformed is returned by Parse for tokens that are not cell references.
var ErrMalformed = errors.New("malformed reference")

// Grid limits. Addresses beyond them do not parse.
const (
	MaxRows    = 1 << 20
	MaxColumns = 16384 // XFD
)

// maxColumnLetters is the length of the last column's letters.
const maxColumnLetters = 3

// Lookup resolves a sheet qualifier to a tab id.
type Lookup interface {
	ByName(name string) (int64, bool)
}

// Ref is a parsed reference. Row and Col are 0-based.
type Ref struct {
	Sheet     string
	Qualified bool
	Row       int
	Col       int
}

// String renders the reference back into its textual form.
func (r Ref) String() string {
	addr := ColumnLetters(r.Col) + strconv.Itoa(r.Row+1)
	if !r.Qualified {
		return addr
	}
	if needsQuotes(r.Sheet) {
		return "'" + strings.ReplaceAll(r.Sheet, "'", "''") + "'!" + addr
	}
	return r.Sheet + "!" + addr
}

func needsQuotes(name string) bool {
	for _, c := range name {
		if !isLetter(c) && !isDigit(c) && c != '_' && c != '.' {
			return true
		}
	}
	return name == ""
}

// Parse reads a full reference token.
func Parse(token string) (Ref, error) {
	var r Ref
	addr := token

	if strings.HasPrefix(token, "'") {
		name, rest, ok := splitQuoted(token)
		if !ok {
			return Ref{}, fmt.Errorf("%w: %q", ErrMalformed, token)
		}
		r.Sheet, r.Qualified, addr = name, true, rest
	} else if i := strings.LastIndexByte(token, '!'); i >= 0 {
		r.Sheet, r.Qualified, addr = token[:i], true, token[i+1:]
	}

	col, row, ok := splitAddress(addr)
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	if len(col) > maxColumnLetters || row > MaxRows {
		return Ref{}, fmt.Errorf("%w: %q is outside the grid", ErrMalformed, token)
	}
	r.Col = ColumnIndex(col)
	if r.Col >= MaxColumns {
		return Ref{}, fmt.Errorf("%w: %q is outside the grid", ErrMalformed, token)
	}
	r.Row = RowIndex(row)
	return r, nil
}

// splitQuoted consumes 'name'! from the front of s. A doubled quote inside
// the name is an escaped quote.
func splitQuoted(s string) (name, rest string, ok bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '!' {
			return b.String(), s[i+2:], true
		}
		return "", "", false
	}
	return "", "", false
}

// splitAddress splits "AB12" into its letters and row number.
func splitAddress(s string) (letters string, row int, ok bool) {
	i := 0
	for i < len(s) && isLetter(rune(s[i])) {
		i++
	}
	if i == 0 || i == len(s) {
		return "", 0, false
	}
	for j := i; j < len(s); j++ {
		if !isDigit(rune(s[j])) {
			return "", 0, false
		}
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

// ColumnIndex decodes spreadsheet column letters (A=1 … Z=26, no zero
// digit) into a 0-based column index. It returns -1 for letters that would
// overflow an int.
func ColumnIndex(letters string) int {
	n := 0
	for _, c := range strings.ToUpper(letters) {
		d := int(c - 'A' + 1)
		if n > (math.MaxInt-d)/26 {
			return -1
		}
		n = n*26 + d
	}
	return n - 1
}

// RowIndex converts a 1-based row number into a 0-based index, clamping at 0.
func RowIndex(n int) int {
	return max(0, n-1)
}

// ColumnLetters is the inverse of ColumnIndex.
func ColumnLetters(col int) string {
	if col < 0 {
		return ""
	}
	var buf []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		buf = append([]byte{byte('A' + (n-1)%26)}, buf...)
	}
	return string(buf)
}

// Resolve maps a reference to a canonical key. Unqualified references use
// defaultTab; a defaultTab of 0 means none is available. It reports false
// when the named sheet does not exist or no default tab is available.
func Resolve(r Ref, defaultTab int64, names Lookup) (cell.Key, bool) {
	tabID := defaultTab
	if r.Qualified {
		if names == nil {
			return cell.Key{}, false
		}
		id, ok := names.ByName(r.Sheet)
		if !ok {
			return cell.Key{}, false
		}
		tabID = id
	}
	if tabID == 0 {
		return cell.Key{}, false
	}
	return cell.Key{TabID: tabID, Row: r.Row, Col: r.Col}, true
}

func isLetter(c rune) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
