package query

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // keyword, bare identifier or number
	tokIdent                   // quoted identifier
	tokString                  // string literal, including dollar-quoted bodies
	tokParam                   // positional placeholder
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	param int // 0-based argument index, tokParam only
}

func (t token) is(keywords ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, k := range keywords {
		if strings.EqualFold(t.text, k) {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// lex splits q into tokens, dropping whitespace and comments.
// Both "?"/"?NNN" and "$N" placeholders are recognized; once a "$N" placeholder
// is seen, "?" is treated as an operator (PostgreSQL jsonb).
func lex(q string) ([]token, error) {
	var toks []token
	next := 0
	dollar := false
	for i := 0; i < len(q); {
		c := q[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			j := strings.IndexByte(q[i:], '\n')
			if j < 0 {
				i = len(q)
			} else {
				i += j + 1
			}
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			j := strings.Index(q[i+2:], "*/")
			if j < 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", i)
			}
			i += j + 4
		case c == '\'':
			j, err := scanQuoted(q, i, '\'')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: q[i:j], start: i, end: j})
			i = j
		case c == '"' || c == '`':
			j, err := scanQuoted(q, i, c)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokIdent, text: q[i:j], start: i, end: j})
			i = j
		case c == '?':
			j := i + 1
			for j < len(q) && isDigit(q[j]) {
				j++
			}
			idx := next
			if j > i+1 {
				n, _ := strconv.Atoi(q[i+1 : j])
				idx = n - 1
				if n > next {
					next = n
				}
			} else {
				next++
			}
			toks = append(toks, token{kind: tokParam, text: q[i:j], start: i, end: j, param: idx})
			i = j
		case c == '$':
			if i+1 < len(q) && isDigit(q[i+1]) {
				j := i + 1
				for j < len(q) && isDigit(q[j]) {
					j++
				}
				n, _ := strconv.Atoi(q[i+1 : j])
				toks = append(toks, token{kind: tokParam, text: q[i:j], start: i, end: j, param: n - 1})
				dollar = true
				i = j
				continue
			}
			if tag := dollarTag(q, i); tag != "" {
				k := strings.Index(q[i+len(tag):], tag)
				if k < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				j := i + len(tag) + k + len(tag)
				toks = append(toks, token{kind: tokString, text: q[i:j], start: i, end: j})
				i = j
				continue
			}
			toks = append(toks, token{kind: tokPunct, text: "$", start: i, end: i + 1})
			i++
		case isIdentStart(c) || isDigit(c):
			j := i + 1
			for j < len(q) && (isIdentPart(q[j]) || (isDigit(c) && q[j] == '.')) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: q[i:j], start: i, end: j})
			i = j
		case c == ':' && i+1 < len(q) && q[i+1] == ':':
			toks = append(toks, token{kind: tokPunct, text: "::", start: i, end: i + 2})
			i += 2
		default:
			toks = append(toks, token{kind: tokPunct, text: q[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	if dollar {
		for i := range toks {
			if toks[i].kind == tokParam && strings.HasPrefix(toks[i].text, "?") {
				toks[i].kind = tokPunct
			}
		}
	}
	return toks, nil
}

func scanQuoted(q string, i int, quote byte) (int, error) {
	for j := i + 1; j < len(q); j++ {
		if q[j] != quote {
			continue
		}
		if j+1 < len(q) && q[j+1] == quote {
			j++
			continue
		}
		return j + 1, nil
	}
	return 0, fmt.Errorf("unterminated quoted token at offset %d", i)
}

// dollarTag returns the opening tag of a dollar-quoted string ("$$" or "$tag$") at i.
func dollarTag(q string, i int) string {
	j := i + 1
	for j < len(q) && (isIdentStart(q[j]) || (j > i+1 && isDigit(q[j]))) {
		j++
	}
	if j < len(q) && q[j] == '$' {
		return q[i : j+1]
	}
	return ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
