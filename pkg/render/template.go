package render

import (
	"strings"
)

// Template is parsed, parameterized content. The grammar has exactly three
// forms: `{{ expr }}` output substitution, `{% if %}...{% elif %}...{% else
// %}...{% endif %}` conditionals, and `{% for x in seq %}...{% endfor %}`
// loops.
type Template struct {
	src   string
	nodes []node
}

type node interface {
	render(sb *strings.Builder, bindings map[string]any) error
}

type textNode struct {
	text string
}

type outputNode struct {
	expr *Expr
}

type ifBranch struct {
	cond *Expr // nil for else
	body []node
}

type ifNode struct {
	branches []ifBranch
}

type forNode struct {
	loopVar string
	seq     *Expr
	body    []node
}

// Parse compiles template content. Content that does not parse under the
// grammar is rejected; a registry entry's template_content is checked with
// this at mint time.
func Parse(content string) (*Template, error) {
	p := &templateParser{src: content}
	nodes, err := p.parseNodes(nil)
	if err != nil {
		return nil, err
	}
	return &Template{src: content, nodes: nodes}, nil
}

// Render expands the template against the bindings. It is a pure function:
// bindings are not mutated and identical inputs produce byte-identical output.
func (t *Template) Render(bindings map[string]any) (string, error) {
	var sb strings.Builder
	for _, n := range t.nodes {
		if err := n.render(&sb, bindings); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// Source returns the original template content.
func (t *Template) Source() string { return t.src }

func (n *textNode) render(sb *strings.Builder, _ map[string]any) error {
	sb.WriteString(n.text)
	return nil
}

func (n *outputNode) render(sb *strings.Builder, bindings map[string]any) error {
	v, err := n.expr.Eval(bindings)
	if err != nil {
		return err
	}
	s, err := formatValue(v)
	if err != nil {
		return err
	}
	sb.WriteString(s)
	return nil
}

func (n *ifNode) render(sb *strings.Builder, bindings map[string]any) error {
	for _, br := range n.branches {
		take := true
		if br.cond != nil {
			var err error
			take, err = br.cond.EvalBool(bindings)
			if err != nil {
				return err
			}
		}
		if take {
			for _, child := range br.body {
				if err := child.render(sb, bindings); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

func (n *forNode) render(sb *strings.Builder, bindings map[string]any) error {
	v, err := n.seq.Eval(bindings)
	if err != nil {
		return err
	}
	seq, ok := v.([]any)
	if !ok {
		return mismatch("for", "for loop sequence is %T, want list", v)
	}

	// Scoped copy so the loop variable never leaks into the caller's bindings.
	scoped := make(map[string]any, len(bindings)+1)
	for k, val := range bindings {
		scoped[k] = val
	}
	for _, item := range seq {
		scoped[n.loopVar] = item
		for _, child := range n.body {
			if err := child.render(sb, scoped); err != nil {
				return err
			}
		}
	}
	return nil
}

// templateParser scans content into nodes. Tags are `{{ ... }}` and
// `{% ... %}`; everything else is literal text.
type templateParser struct {
	src string
	pos int

	// stopped / stoppedRest record the statement that terminated the most
	// recent parseNodes call inside a block.
	stopped     string
	stoppedRest string
}

type tag struct {
	kind string // "output" or "stmt"
	body string
}

// parseNodes parses until one of the given terminator statements (e.g.
// "endif", "elif", "else", "endfor") or end of input. The terminator that
// stopped parsing is left for the caller in p.stopped.
func (p *templateParser) parseNodes(terminators []string) ([]node, error) {
	var nodes []node
	for p.pos < len(p.src) {
		next := strings.Index(p.src[p.pos:], "{")
		if next < 0 {
			nodes = append(nodes, &textNode{text: p.src[p.pos:]})
			p.pos = len(p.src)
			break
		}
		if next > 0 {
			nodes = append(nodes, &textNode{text: p.src[p.pos : p.pos+next]})
			p.pos += next
		}

		tg, literal, err := p.scanTag()
		if err != nil {
			return nil, err
		}
		if tg == nil {
			nodes = append(nodes, &textNode{text: literal})
			continue
		}

		if tg.kind == "output" {
			expr, err := CompileExpr(tg.body)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &outputNode{expr: expr})
			continue
		}

		keyword, rest, _ := strings.Cut(tg.body, " ")
		for _, term := range terminators {
			if keyword == term {
				p.stopped = keyword
				p.stoppedRest = strings.TrimSpace(rest)
				return nodes, nil
			}
		}

		switch keyword {
		case "if":
			n, err := p.parseIf(strings.TrimSpace(rest))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		case "for":
			n, err := p.parseFor(strings.TrimSpace(rest))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		default:
			return nil, parseErr("unknown statement %q", keyword)
		}
	}
	if len(terminators) > 0 {
		return nil, parseErr("unterminated block, expected one of %v", terminators)
	}
	return nodes, nil
}

func (p *templateParser) parseIf(condSrc string) (node, error) {
	cond, err := CompileExpr(condSrc)
	if err != nil {
		return nil, err
	}

	n := &ifNode{}
	for {
		body, err := p.parseNodes([]string{"elif", "else", "endif"})
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		switch p.stopped {
		case "endif":
			return n, nil
		case "else":
			body, err := p.parseNodes([]string{"endif"})
			if err != nil {
				return nil, err
			}
			n.branches = append(n.branches, ifBranch{cond: nil, body: body})
			if p.stopped != "endif" {
				return nil, parseErr("expected endif after else")
			}
			return n, nil
		case "elif":
			cond, err = CompileExpr(p.stoppedRest)
			if err != nil {
				return nil, err
			}
		}
	}
}

func (p *templateParser) parseFor(head string) (node, error) {
	loopVar, seqSrc, found := strings.Cut(head, " in ")
	if !found {
		return nil, parseErr("for statement must have the form `for x in seq`, got %q", head)
	}
	loopVar = strings.TrimSpace(loopVar)
	if loopVar == "" || strings.ContainsAny(loopVar, " .") {
		return nil, parseErr("invalid loop variable %q", loopVar)
	}
	seq, err := CompileExpr(strings.TrimSpace(seqSrc))
	if err != nil {
		return nil, err
	}

	body, err := p.parseNodes([]string{"endfor"})
	if err != nil {
		return nil, err
	}
	return &forNode{loopVar: loopVar, seq: seq, body: body}, nil
}

// scanTag consumes a tag starting at p.pos (which points at '{'). Returns the
// tag, or nil with the literal text when the brace does not open a tag.
func (p *templateParser) scanTag() (*tag, string, error) {
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, "{{"):
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, "", parseErr("unterminated {{ tag")
		}
		body := strings.TrimSpace(rest[2:end])
		if body == "" {
			return nil, "", parseErr("empty {{ }} tag")
		}
		p.pos += end + 2
		return &tag{kind: "output", body: body}, "", nil
	case strings.HasPrefix(rest, "{%"):
		end := strings.Index(rest, "%}")
		if end < 0 {
			return nil, "", parseErr("unterminated {%% tag")
		}
		body := strings.TrimSpace(rest[2:end])
		if body == "" {
			return nil, "", parseErr("empty {%% %%} tag")
		}
		p.pos += end + 2
		return &tag{kind: "stmt", body: body}, "", nil
	default:
		p.pos++
		return nil, "{", nil
	}
}
