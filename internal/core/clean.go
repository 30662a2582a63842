package core

import (
	"regexp"
	"strings"
)

// preamble matches boilerplate lead-ins models like to prepend.
var preamble = regexp.MustCompile(`(?i)(?:please provide.?\.|here['’]s.?:|let me explain:|according to the data:|in summary:|explanation:|clarification:|here is my response:|ai assistant:|assistant:|response:|answer:|system:)`)

// CleanResponse strips preambles, trims every line and collapses runs of
// blank lines into one.
func CleanResponse(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(preamble.ReplaceAllString(line, ""))
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
