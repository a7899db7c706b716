package executor

import "strings"

// Directive is one submission header flag/value pair, such as {"-q", "long"}.
// Directive lists are ordered: two identical tasks must produce the same
// sequence, because the rendered submission script participates in task
// cache keys.
type Directive struct {
	Flag  string
	Value string
}

// ParseClusterOptions splits a raw scheduler-options string into directive
// pairs. A token starting with '-' opens a new pair; a following bare token
// becomes its value. Backends append these after their generated directives
// so users can override anything the builder emitted.
func ParseClusterOptions(raw string) []Directive {
	var dirs []Directive
	for _, tok := range strings.Fields(raw) {
		switch {
		case strings.HasPrefix(tok, "-"):
			dirs = append(dirs, Directive{Flag: tok})
		case len(dirs) > 0 && dirs[len(dirs)-1].Value == "":
			dirs[len(dirs)-1].Value = tok
		default:
			dirs = append(dirs, Directive{Flag: tok})
		}
	}
	return dirs
}
