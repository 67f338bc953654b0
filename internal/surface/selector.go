package surface

import "strings"

// The mem driver matches a small CSS subset: tag, #id, .class, [attr],
// [attr=v], [attr*=v], [attr^=v]; compounds of those; a descendant
// combinator (space); comma-separated groups. This mirrors the selector
// vocabulary the resolver actually uses, nothing more.

type attrMatch struct {
	name string
	op   byte // 0 presence, '=' exact, '*' contains, '^' prefix
	val  string
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type selectorGroup struct {
	// chain is outer-to-inner: all but the last match ancestors.
	chain []compound
}

func parseSelector(s string) []selectorGroup {
	var groups []selectorGroup
	for _, part := range splitTop(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var g selectorGroup
		ok := true
		for _, seg := range splitTop(part, ' ') {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			c, err := parseCompound(seg)
			if err {
				ok = false
				break
			}
			g.chain = append(g.chain, c)
		}
		if ok && len(g.chain) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// splitTop splits on sep outside of [] brackets and quotes.
func splitTop(s string, sep byte) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func parseCompound(seg string) (compound, bool) {
	var c compound
	i := 0
	for i < len(seg) {
		switch seg[i] {
		case '#':
			j := simpleEnd(seg, i+1)
			c.id = seg[i+1 : j]
			i = j
		case '.':
			j := simpleEnd(seg, i+1)
			c.classes = append(c.classes, seg[i+1:j])
			i = j
		case '[':
			j := strings.IndexByte(seg[i:], ']')
			if j < 0 {
				return c, true
			}
			am, bad := parseAttrMatch(seg[i+1 : i+j])
			if bad {
				return c, true
			}
			c.attrs = append(c.attrs, am)
			i += j + 1
		default:
			j := simpleEnd(seg, i)
			if j == i {
				return c, true
			}
			c.tag = strings.ToLower(seg[i:j])
			i = j
		}
	}
	return c, false
}

func simpleEnd(s string, from int) int {
	i := from
	for i < len(s) && s[i] != '#' && s[i] != '.' && s[i] != '[' {
		i++
	}
	return i
}

func parseAttrMatch(body string) (attrMatch, bool) {
	var am attrMatch
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		am.name = strings.TrimSpace(body)
		return am, am.name == ""
	}
	name := body[:eq]
	if strings.HasSuffix(name, "*") {
		am.op = '*'
		name = name[:len(name)-1]
	} else if strings.HasSuffix(name, "^") {
		am.op = '^'
		name = name[:len(name)-1]
	} else {
		am.op = '='
	}
	am.name = strings.TrimSpace(name)
	val := strings.TrimSpace(body[eq+1:])
	val = strings.Trim(val, `"'`)
	am.val = val
	return am, am.name == ""
}

func (c compound) matches(n *Node) bool {
	if c.tag != "" && c.tag != strings.ToLower(n.TagName) {
		return false
	}
	if c.id != "" && n.attr("id") != c.id {
		return false
	}
	for _, cl := range c.classes {
		if !hasClass(n.attr("class"), cl) {
			return false
		}
	}
	for _, am := range c.attrs {
		got, present := n.lookupAttr(am.name)
		switch am.op {
		case 0:
			if !present {
				return false
			}
		case '=':
			if got != am.val {
				return false
			}
		case '*':
			if !strings.Contains(got, am.val) {
				return false
			}
		case '^':
			if !strings.HasPrefix(got, am.val) {
				return false
			}
		}
	}
	return true
}

func hasClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}

func (g selectorGroup) matches(n *Node) bool {
	last := g.chain[len(g.chain)-1]
	if !last.matches(n) {
		return false
	}
	// Remaining compounds must match ancestors, outer-to-inner, in order.
	rest := g.chain[:len(g.chain)-1]
	anc := n.parent
	for i := len(rest) - 1; i >= 0; i-- {
		found := false
		for anc != nil {
			if rest[i].matches(anc) {
				found = true
				anc = anc.parent
				break
			}
			anc = anc.parent
		}
		if !found {
			return false
		}
	}
	return true
}
