package queryengine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`(?:"[^"]*"|[A-Za-z_][A-Za-z0-9_]*)(?:\.(?:"[^"]*"|[A-Za-z_][A-Za-z0-9_]*))*|[(),;]`)

// keywords that end a FROM item's optional alias
var clauseKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true,
	"OUTER": true, "ON": true, "USING": true, "UNION": true, "EXCEPT": true, "INTERSECT": true,
	"SELECT": true, "FROM": true, "WITH": true, "AS": true, "NATURAL": true, "OFFSET": true,
	"WINDOW": true, "QUALIFY": true, "LATERAL": true,
}

// functions whose argument syntax uses FROM without naming a table
var fromFunctions = map[string]bool{
	"EXTRACT": true, "SUBSTRING": true, "TRIM": true, "OVERLAY": true, "POSITION": true,
}

// ViewDependencies returns the sorted, de-duplicated tables a query reads from
// FROM and JOIN clauses. CTE names are excluded. Unbalanced parentheses and
// empty queries are malformed.
func ViewDependencies(query string) ([]string, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty view query")
	}

	ctes := map[string]bool{}
	deps := map[string]bool{}
	// one entry per open parenthesis: true when it opened a fromFunctions call
	var inFunc []bool

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch strings.ToUpper(tok) {
		case "(":
			inFunc = append(inFunc, i > 0 && fromFunctions[strings.ToUpper(tokens[i-1])])
		case ")":
			inFunc = inFunc[:len(inFunc)-1]
		case "WITH":
			collectCTENames(tokens, i+1, ctes)
		case "FROM", "JOIN":
			if len(inFunc) > 0 && inFunc[len(inFunc)-1] {
				continue
			}
			i = collectFromItems(tokens, i+1, deps)
		}
	}

	out := make([]string, 0, len(deps))
	for d := range deps {
		if !ctes[d] {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

// collectCTENames records the names of "name [(cols)] AS (...)" items
// following WITH
func collectCTENames(tokens []string, i int, ctes map[string]bool) {
	if i < len(tokens) && strings.EqualFold(tokens[i], "RECURSIVE") {
		i++
	}
	for i+1 < len(tokens) {
		name := tokens[i]
		j := i + 1
		if tokens[j] == "(" {
			j = matchingParen(tokens, j) + 1
		}
		if j >= len(tokens) || !strings.EqualFold(tokens[j], "AS") {
			return
		}
		ctes[normalize(name)] = true
		j++
		if j < len(tokens) && strings.EqualFold(tokens[j], "MATERIALIZED") {
			j++
		}
		if j >= len(tokens) || tokens[j] != "(" {
			return
		}
		end := matchingParen(tokens, j)
		if end+1 >= len(tokens) || tokens[end+1] != "," {
			return
		}
		i = end + 2
	}
}

// matchingParen returns the index of the ")" closing the "(" at open
func matchingParen(tokens []string, open int) int {
	depth := 0
	for k := open; k < len(tokens); k++ {
		switch tokens[k] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return len(tokens) - 1
}

// collectFromItems reads "t1 [AS] a, t2 b ..." starting at i and returns the
// index of the last consumed token
func collectFromItems(tokens []string, i int, deps map[string]bool) int {
	for i < len(tokens) {
		tok := tokens[i]
		if tok == "(" {
			// subquery; its own FROM is found by the outer scan
			return i - 1
		}
		if !isIdent(tok) || clauseKeywords[strings.ToUpper(tok)] {
			return i - 1
		}
		deps[normalize(tok)] = true
		i++

		// optional alias
		if i < len(tokens) && strings.EqualFold(tokens[i], "AS") {
			i += 2
		} else if i < len(tokens) && isIdent(tokens[i]) && !clauseKeywords[strings.ToUpper(tokens[i])] {
			i++
		}

		if i < len(tokens) && tokens[i] == "," {
			i++
			continue
		}
		return i - 1
	}
	return i
}

func tokenize(query string) ([]string, error) {
	cleaned, err := stripLiterals(query)
	if err != nil {
		return nil, err
	}
	tokens := tokenPattern.FindAllString(cleaned, -1)

	depth := 0
	for _, t := range tokens {
		switch t {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in view query")
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in view query")
	}
	return tokens, nil
}

// stripLiterals blanks string literals and comments so their contents are
// never mistaken for table names
func stripLiterals(query string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			j := i + 1
			for ; j < len(query); j++ {
				if query[j] != '\'' {
					continue
				}
				if j+1 < len(query) && query[j+1] == '\'' {
					// doubled quote escape
					j++
					continue
				}
				break
			}
			if j >= len(query) {
				return "", fmt.Errorf("unterminated string literal in view query")
			}
			b.WriteString(" '' ")
			i = j
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			nl := strings.IndexByte(query[i:], '\n')
			if nl < 0 {
				return b.String(), nil
			}
			i += nl
			b.WriteByte('\n')
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("unterminated comment in view query")
			}
			i += end + 3
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	c := tok[0]
	return c == '"' || c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// normalize unquotes each part of a dotted name
func normalize(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = strings.Trim(p, `"`)
	}
	return strings.Join(parts, ".")
}
