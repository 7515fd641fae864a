package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mickamy/sqlundo/internal/ident"
)

// Kind is the closed set of data-changing statements the capture layer understands.
type Kind int

const (
	None Kind = iota // not a data-changing statement
	Insert
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "NONE"
	}
}

// ErrUnsupported reports a data-changing statement whose affected rows cannot be derived.
var ErrUnsupported = errors.New("unsupported statement")

type span struct {
	start, end int
}

// Statement describes a recognized top-level INSERT, UPDATE or DELETE.
type Statement struct {
	Kind       Kind
	SQL        string
	Table      string   // quoted, schema-qualified when written so
	TableParts []string // unquoted parts; bare identifiers are folded to lower case
	Alias      string   // as written, empty when absent
	Columns    []string // assigned columns, UPDATE only

	where     *span
	body      span // statement text without RETURNING and trailing semicolons
	returning bool
	params    []token
}

// HasReturning reports whether the statement carries a top-level RETURNING clause.
func (s Statement) HasReturning() bool { return s.returning }

// HasWhere reports whether the statement is restricted by a WHERE clause.
func (s Statement) HasWhere() bool { return s.where != nil }

// NumInput returns the number of positional arguments the statement references.
func (s Statement) NumInput() int {
	n := 0
	for _, p := range s.params {
		if p.param+1 > n {
			n = p.param + 1
		}
	}
	return n
}

// Where renders the WHERE predicate with placeholders produced by ph (1-based)
// and returns the arguments it references, in order.
func (s Statement) Where(args []any, ph func(n int) string) (string, []any, error) {
	if s.where == nil {
		return "", nil, nil
	}
	return s.render(*s.where, args, ph)
}

// WithReturning rewrites an INSERT so that it yields list ("*" for every column of the
// inserted rows), replacing any RETURNING list of its own.
func (s Statement) WithReturning(list string) string {
	q, ok := AppendReturning(s.SQL[s.body.start:s.body.end], list)
	if !ok {
		return s.SQL
	}
	return q
}

func (s Statement) render(sp span, args []any, ph func(n int) string) (string, []any, error) {
	var b strings.Builder
	var out []any
	cur := sp.start
	for _, p := range s.params {
		if p.start < sp.start || p.end > sp.end {
			continue
		}
		if p.param < 0 || p.param >= len(args) {
			return "", nil, fmt.Errorf("placeholder %s has no argument (got %d)", p.text, len(args))
		}
		b.WriteString(s.SQL[cur:p.start])
		out = append(out, args[p.param])
		b.WriteString(ph(len(out)))
		cur = p.end
	}
	b.WriteString(s.SQL[cur:sp.end])
	return strings.TrimSpace(b.String()), out, nil
}

// Parse recognizes a single top-level DML statement. Statements that do not change data
// are returned with Kind None. Data-changing statements whose affected row set cannot be
// read back (CTEs, upserts, joins, ORDER BY/LIMIT, several statements) yield ErrUnsupported.
func Parse(q string) (Statement, error) {
	toks, err := lex(q)
	if err != nil {
		if looksLikeDML(q) {
			return Statement{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return Statement{Kind: None, SQL: q}, nil
	}
	for len(toks) > 0 && toks[len(toks)-1].isPunct(";") {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return Statement{Kind: None, SQL: q}, nil
	}

	p := &parser{q: q, toks: toks}
	switch {
	case toks[0].is("insert"):
		err = p.insert()
	case toks[0].is("update"):
		err = p.update()
	case toks[0].is("delete"):
		err = p.delete()
	case toks[0].is("replace", "upsert", "merge"):
		return Statement{}, fmt.Errorf("%w: %s", ErrUnsupported, strings.ToUpper(toks[0].text))
	case toks[0].is("with"):
		for _, t := range toks[1:] {
			if t.is("insert", "update", "delete") {
				return Statement{}, fmt.Errorf("%w: data-changing statement inside WITH", ErrUnsupported)
			}
		}
		return Statement{Kind: None, SQL: q}, nil
	default:
		return Statement{Kind: None, SQL: q}, nil
	}
	if err != nil {
		return Statement{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	for _, t := range toks {
		if t.isPunct(";") {
			return Statement{}, fmt.Errorf("%w: multiple statements", ErrUnsupported)
		}
		if t.kind == tokParam {
			p.st.params = append(p.st.params, t)
		}
	}
	p.st.SQL = q
	return p.st, nil
}

func looksLikeDML(q string) bool {
	fields := strings.Fields(strings.ToLower(q))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "insert", "update", "delete", "replace", "with":
		return true
	}
	return false
}

type parser struct {
	q    string
	toks []token
	st   Statement
}

// find returns the index of the first top-level word token at or after i matching one of keywords,
// or len(toks).
func (p *parser) find(i int, keywords ...string) int {
	depth := 0
	for ; i < len(p.toks); i++ {
		t := p.toks[i]
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.is(keywords...):
			return i
		}
	}
	return len(p.toks)
}

func (p *parser) at(i int) token {
	if i < len(p.toks) {
		return p.toks[i]
	}
	return token{kind: tokPunct, start: len(p.q), end: len(p.q)}
}

// table reads a possibly qualified table name starting at i.
func (p *parser) table(i int) (int, error) {
	var parts []string
	for {
		t := p.at(i)
		switch t.kind {
		case tokWord:
			parts = append(parts, strings.ToLower(t.text))
		case tokIdent:
			if strings.HasPrefix(t.text, "`") {
				parts = append(parts, strings.ReplaceAll(t.text[1:len(t.text)-1], "``", "`"))
			} else {
				parts = append(parts, ident.SplitQualified(t.text)...)
			}
		default:
			return i, fmt.Errorf("expected table name at offset %d", t.start)
		}
		i++
		if !p.at(i).isPunct(".") {
			break
		}
		i++
	}
	p.st.TableParts = parts
	p.st.Table = ident.QuoteQualified(parts)
	return i, nil
}

var aliasStops = []string{"set", "where", "returning", "using", "from", "order", "limit", "default", "values", "select", "on", "indexed", "not"}

func (p *parser) alias(i int) int {
	t := p.at(i)
	if t.is("as") {
		p.st.Alias = p.at(i + 1).text
		return i + 2
	}
	if (t.kind == tokWord && !t.is(aliasStops...)) || t.kind == tokIdent {
		p.st.Alias = t.text
		return i + 1
	}
	return i
}

// tail handles the optional WHERE and RETURNING clauses that end UPDATE and DELETE.
func (p *parser) tail(i int) error {
	if p.at(i).is("where") {
		end := p.find(i+1, "returning", "order", "limit")
		if end == i+1 {
			return fmt.Errorf("empty WHERE clause")
		}
		p.st.where = &span{start: p.toks[i+1].start, end: p.toks[end-1].end}
		i = end
	}
	t := p.at(i)
	switch {
	case i >= len(p.toks):
		p.st.body = span{start: 0, end: p.toks[len(p.toks)-1].end}
	case t.is("returning"):
		p.st.returning = true
		p.st.body = span{start: 0, end: t.start}
	case t.is("order", "limit"):
		return fmt.Errorf("%s clause changes the affected row set", strings.ToUpper(t.text))
	default:
		return fmt.Errorf("unexpected %q at offset %d", t.text, t.start)
	}
	return nil
}

func (p *parser) insert() error {
	p.st.Kind = Insert
	i := 1
	if p.at(i).is("or") {
		return fmt.Errorf("INSERT OR %s", strings.ToUpper(p.at(i+1).text))
	}
	if !p.at(i).is("into") {
		return fmt.Errorf("expected INTO at offset %d", p.at(i).start)
	}
	i, err := p.table(i + 1)
	if err != nil {
		return err
	}
	if p.at(i).is("as") {
		p.st.Alias = p.at(i + 1).text
		i += 2
	}
	for on := p.find(i, "on"); on < len(p.toks); on = p.find(on+1, "on") {
		if p.at(on+1).is("conflict", "duplicate") {
			return fmt.Errorf("upsert")
		}
	}
	if ret := p.find(i, "returning"); ret < len(p.toks) {
		p.st.returning = true
		p.st.body = span{start: 0, end: p.toks[ret].start}
	} else {
		p.st.body = span{start: 0, end: p.toks[len(p.toks)-1].end}
	}
	return nil
}

func (p *parser) update() error {
	p.st.Kind = Update
	i := 1
	if p.at(i).is("or") {
		return fmt.Errorf("UPDATE OR %s", strings.ToUpper(p.at(i+1).text))
	}
	if p.at(i).is("only") {
		i++
	}
	i, err := p.table(i)
	if err != nil {
		return err
	}
	i = p.alias(i)
	if !p.at(i).is("set") {
		return fmt.Errorf("expected SET at offset %d", p.at(i).start)
	}
	end := p.find(i+1, "from", "where", "returning", "order", "limit")
	if p.at(end).is("from") {
		return fmt.Errorf("UPDATE ... FROM")
	}
	if err := p.assignments(i+1, end); err != nil {
		return err
	}
	return p.tail(end)
}

// assignments collects the target column of each "col = expr" pair in toks[i:end].
func (p *parser) assignments(i, end int) error {
	expectColumn := true
	depth := 0
	for ; i < end; i++ {
		t := p.toks[i]
		if expectColumn {
			if t.isPunct("(") {
				return fmt.Errorf("row-valued assignment")
			}
			col, next, err := p.column(i)
			if err != nil {
				return err
			}
			if !p.at(next).isPunct("=") {
				return fmt.Errorf("expected = after column %s", col)
			}
			p.st.Columns = append(p.st.Columns, col)
			expectColumn = false
			i = next
			continue
		}
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.isPunct(","):
			expectColumn = true
		}
	}
	if len(p.st.Columns) == 0 || expectColumn {
		return fmt.Errorf("malformed SET clause")
	}
	return nil
}

// column reads a possibly qualified column reference and returns its last part.
func (p *parser) column(i int) (string, int, error) {
	var name string
	for {
		t := p.at(i)
		switch t.kind {
		case tokWord:
			name = strings.ToLower(t.text)
		case tokIdent:
			parts := ident.SplitQualified(strings.Trim(t.text, "`"))
			name = parts[len(parts)-1]
		default:
			return "", i, fmt.Errorf("expected column at offset %d", t.start)
		}
		i++
		if !p.at(i).isPunct(".") {
			return name, i, nil
		}
		i++
	}
}

func (p *parser) delete() error {
	p.st.Kind = Delete
	i := 1
	if !p.at(i).is("from") {
		return fmt.Errorf("expected FROM at offset %d", p.at(i).start)
	}
	i++
	if p.at(i).is("only") {
		i++
	}
	i, err := p.table(i)
	if err != nil {
		return err
	}
	i = p.alias(i)
	if p.at(i).is("using") {
		return fmt.Errorf("DELETE ... USING")
	}
	return p.tail(i)
}

// AppendReturningAll appends "RETURNING *" to the provided statement if non-empty.
// It preserves trailing semicolons by re-attaching them after the RETURNING clause.
func AppendReturningAll(q string) (string, bool) {
	return AppendReturning(q, "*")
}

// AppendReturning appends "RETURNING list" to q, as AppendReturningAll does.
func AppendReturning(q, list string) (string, bool) {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return q, false
	}

	hasSemicolon := false
	for strings.HasSuffix(trimmed, ";") {
		hasSemicolon = true
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}
	if trimmed == "" {
		return q, false
	}

	var b strings.Builder
	b.WriteString(trimmed)
	b.WriteString("\nRETURNING ")
	b.WriteString(list)
	if hasSemicolon {
		b.WriteString(";")
	}
	return b.String(), true
}

// Rebind rewrites "?" placeholders in q using ph (1-based). q is returned unchanged if it cannot be lexed.
func Rebind(q string, ph func(n int) string) string {
	toks, err := lex(q)
	if err != nil {
		return q
	}
	var b strings.Builder
	cur, n := 0, 0
	for _, t := range toks {
		if t.kind != tokParam || t.text != "?" {
			continue
		}
		n++
		b.WriteString(q[cur:t.start])
		b.WriteString(ph(n))
		cur = t.end
	}
	if n == 0 {
		return q
	}
	b.WriteString(q[cur:])
	return b.String()
}
