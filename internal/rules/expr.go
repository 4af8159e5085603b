package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * Restricted expression grammar.
 *
 * Accepts exactly one shape:
 *
 *   target.<attr>(.<attr>)* <comparator> <literal-or-chain>
 *
 * where comparator is one of == != > >= < <=, a literal is a quoted string,
 * a number, true/false/none/null, and a chain is another target.<attr>...
 * path. "obj" is accepted as an alias for the bound name.
 *
 * There is deliberately no expression evaluator behind this: the string is
 * pre-validated against a whitelist pattern, tokenized, and parsed by a
 * recursive-descent parser into an AST whose only operations are attribute
 * traversal (via Resolve) and comparison (via Compare). No function calls,
 * no builtins, no second bound name. Anything outside the grammar is
 * rejected before evaluation and fails closed.
 */

// exprPattern is the whitelist gate. A string must match it in full before
// the tokenizer runs; the parser then enforces the same structure strictly.
var exprPattern = regexp.MustCompile(
	`^\s*(target|obj)(\.[A-Za-z_][A-Za-z0-9_]*)+\s*(==|!=|>=|<=|>|<)\s*` +
		`('[^']*'|"[^"]*"|-?[0-9]+(\.[0-9]+)?|[Tt]rue|[Ff]alse|[Nn]one|null|(target|obj)(\.[A-Za-z_][A-Za-z0-9_]*)+)\s*$`)

// Expr is a parsed restricted expression: one comparison between an
// attribute chain and a literal or second chain.
type Expr struct {
	LeftPath   string
	Comparator string
	RightPath  string // non-empty when the right side is a chain
	RightLit   any    // literal value when RightPath is empty
}

// ParseExpr validates source against the whitelist grammar and parses it.
// Returns ErrExpressionRejected (wrapped) for anything outside the grammar.
func ParseExpr(source string) (*Expr, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" || len(trimmed) > types.MaxExpressionLength {
		return nil, fmt.Errorf("%w: empty or oversized expression", types.ErrExpressionRejected)
	}
	if !exprPattern.MatchString(trimmed) {
		return nil, fmt.Errorf("%w: %q", types.ErrExpressionRejected, trimmed)
	}

	toks, err := tokenizeExpr(trimmed)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	expr, err := p.parse()
	if err != nil {
		return nil, err
	}
	return expr, nil
}

// Eval resolves the attribute chain(s) against target and applies the
// comparator. A missing left-hand field compares as nil (ordering operators
// then return false); comparison itself cannot error within this grammar.
func (e *Expr) Eval(target any) (bool, error) {
	left := Resolve(target, e.LeftPath).Value

	var right any
	if e.RightPath != "" {
		right = Resolve(target, e.RightPath).Value
	} else {
		right = e.RightLit
	}

	return Compare(e.Comparator, left, right)
}

// exprToken is one lexical unit of a restricted expression.
type exprToken struct {
	kind string // "chain", "cmp", "string", "number", "bool", "null"
	text string
}

// tokenizeExpr splits the pre-validated source into tokens. The whitelist
// pattern already guarantees shape; the tokenizer still rejects anything
// unexpected so a pattern bug cannot smuggle structure past the parser.
func tokenizeExpr(s string) ([]exprToken, error) {
	var toks []exprToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++

		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string", types.ErrExpressionRejected)
			}
			toks = append(toks, exprToken{kind: "string", text: s[i+1 : j]})
			i = j + 1

		case c == '=' || c == '!' || c == '<' || c == '>':
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			toks = append(toks, exprToken{kind: "cmp", text: s[i:j]})
			i = j

		case c == '-' || unicode.IsDigit(rune(c)):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			toks = append(toks, exprToken{kind: "number", text: s[i:j]})
			i = j

		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			word := s[i:j]
			switch strings.ToLower(word) {
			case "true", "false":
				toks = append(toks, exprToken{kind: "bool", text: strings.ToLower(word)})
			case "none", "null":
				toks = append(toks, exprToken{kind: "null", text: word})
			default:
				toks = append(toks, exprToken{kind: "chain", text: word})
			}
			i = j

		default:
			return nil, fmt.Errorf("%w: unexpected character %q", types.ErrExpressionRejected, c)
		}
	}
	return toks, nil
}

// exprParser is a minimal recursive-descent parser over the token stream.
// Grammar: expr := chain cmp (literal | chain)
type exprParser struct {
	toks []exprToken
	pos  int
}

func (p *exprParser) next() (exprToken, bool) {
	if p.pos >= len(p.toks) {
		return exprToken{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *exprParser) parse() (*Expr, error) {
	left, ok := p.next()
	if !ok || left.kind != "chain" {
		return nil, fmt.Errorf("%w: expected attribute chain", types.ErrExpressionRejected)
	}
	leftPath, err := chainPath(left.text)
	if err != nil {
		return nil, err
	}

	cmp, ok := p.next()
	if !ok || cmp.kind != "cmp" || !validComparator(cmp.text) {
		return nil, fmt.Errorf("%w: expected comparator", types.ErrExpressionRejected)
	}

	right, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("%w: expected right-hand operand", types.ErrExpressionRejected)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: trailing tokens", types.ErrExpressionRejected)
	}

	expr := &Expr{LeftPath: leftPath, Comparator: cmp.text}
	switch right.kind {
	case "chain":
		expr.RightPath, err = chainPath(right.text)
		if err != nil {
			return nil, err
		}
	case "string":
		expr.RightLit = right.text
	case "number":
		f, err := strconv.ParseFloat(right.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", types.ErrExpressionRejected, right.text)
		}
		expr.RightLit = f
	case "bool":
		expr.RightLit = right.text == "true"
	case "null":
		expr.RightLit = nil
	default:
		return nil, fmt.Errorf("%w: bad right-hand operand", types.ErrExpressionRejected)
	}

	return expr, nil
}

// chainPath strips the bound name from an attribute chain and returns the
// dotted field path. Rejects chains not rooted at the single bound name.
func chainPath(chain string) (string, error) {
	rest, ok := strings.CutPrefix(chain, "target.")
	if !ok {
		rest, ok = strings.CutPrefix(chain, "obj.")
	}
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: chain must start with target. or obj.", types.ErrExpressionRejected)
	}
	for _, seg := range strings.Split(rest, ".") {
		if seg == "" {
			return "", fmt.Errorf("%w: empty path segment", types.ErrExpressionRejected)
		}
	}
	return rest, nil
}

// validComparator restricts expressions to the symbolic comparison subset.
func validComparator(op string) bool {
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		return true
	}
	return false
}
