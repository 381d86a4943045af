package grid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Pattern matches tile file names such as "img_r{y:ddd}_c{x:ddd}_{c:d+}.tif".
//
// A group is {name:spec} where spec is a run of 'd' (digit) or 'c' (letter)
// characters, optionally ending in '+' for one or more of the last class.
// A group whose spec is all 'd' yields an integer; any other group yields
// a string. {name} alone is shorthand for {name:d+}.
type Pattern struct {
	source string
	re     *regexp.Regexp
	names  []string
	ints   []bool
}

var groupRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::([dc]+\+?))?\}`)

// ParsePattern compiles a file name pattern.
func ParsePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty file pattern")
	}
	p := &Pattern{source: pattern}
	var sb strings.Builder
	sb.WriteByte('^')

	seen := map[string]bool{}
	last := 0
	for _, m := range groupRe.FindAllStringSubmatchIndex(pattern, -1) {
		literal := pattern[last:m[0]]
		if strings.ContainsAny(literal, "{}") {
			return nil, fmt.Errorf("malformed group in pattern %q", pattern)
		}
		sb.WriteString(regexp.QuoteMeta(literal))

		name := pattern[m[2]:m[3]]
		if seen[name] {
			return nil, fmt.Errorf("variable %q repeated in pattern %q", name, pattern)
		}
		seen[name] = true

		spec := "d+"
		if m[4] >= 0 {
			spec = pattern[m[4]:m[5]]
		}
		expr, isInt := groupExpr(spec)
		sb.WriteString("(" + expr + ")")
		p.names = append(p.names, name)
		p.ints = append(p.ints, isInt)
		last = m[1]
	}
	tail := pattern[last:]
	if strings.ContainsAny(tail, "{}") {
		return nil, fmt.Errorf("malformed group in pattern %q", pattern)
	}
	sb.WriteString(regexp.QuoteMeta(tail))
	sb.WriteByte('$')

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	p.re = re
	return p, nil
}

func groupExpr(spec string) (string, bool) {
	plus := strings.HasSuffix(spec, "+")
	body := strings.TrimSuffix(spec, "+")
	isInt := !strings.Contains(body, "c")

	var sb strings.Builder
	for i, ch := range body {
		class := `[0-9]`
		if ch == 'c' {
			class = `[A-Za-z]`
		}
		sb.WriteString(class)
		if plus && i == len(body)-1 {
			sb.WriteByte('+')
		}
	}
	return sb.String(), isInt
}

// Variables returns the group names in pattern order.
func (p *Pattern) Variables() []string {
	return append([]string(nil), p.names...)
}

func (p *Pattern) String() string { return p.source }

// Match extracts the grid variables of name, or reports false when the
// name does not fit the pattern.
func (p *Pattern) Match(name string) (Vars, bool) {
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	vars := make(Vars, len(p.names))
	for i, n := range p.names {
		raw := m[i+1]
		if p.ints[i] {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				vars[n] = StringValue(raw)
				continue
			}
			vars[n] = IntValue(v)
			continue
		}
		vars[n] = StringValue(raw)
	}
	return vars, true
}
