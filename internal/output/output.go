// Package output normalizes raw agent CLI output before it is buffered or
// shown to subscribers. It strips terminal escape sequences and the tool
// usage chatter agent CLIs interleave with their real output.
//
// The transform is stateless between calls and idempotent: cleaning already
// cleaned text changes nothing. Which lines count as noise is driven by a
// PatternSet, so supporting another agent family means adding patterns, not
// touching the supervisor.
package output

import (
	"regexp"
	"strings"
)

// ansiRx matches CSI sequences (ESC [ ... letter), OSC sequences terminated
// by BEL or ST, and lone two-byte escapes.
var ansiRx = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// StripANSI removes terminal control sequences from s.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiRx.ReplaceAllString(s, "")
}

// PatternSet describes the noise vocabulary of one agent CLI family.
type PatternSet struct {
	// ToolInvocation marks lines announcing a tool call. The marker line is
	// dropped, and so are following Continuation lines until a line matching
	// neither appears.
	ToolInvocation []*regexp.Regexp
	// Continuation matches tool-result lines that only make sense directly
	// after an invocation marker.
	Continuation []*regexp.Regexp
	// Noise matches standalone chatter dropped wherever it appears.
	Noise []*regexp.Regexp
}

// DefaultPatterns covers the claude-family CLIs.
func DefaultPatterns() PatternSet {
	return PatternSet{
		ToolInvocation: []*regexp.Regexp{
			regexp.MustCompile(`^\s*[⏺●✻✽]\s`),
			regexp.MustCompile(`^\s*(?:Call(?:ing)?|Running) tool[: ]`),
		},
		Continuation: []*regexp.Regexp{
			regexp.MustCompile(`^\s*[⎿└│├]\s?`),
			regexp.MustCompile(`^\s{4,}\S`),
		},
		Noise: []*regexp.Regexp{
			regexp.MustCompile(`^\s*(?:Searching|Reading|Writing|Thinking|Fetching|Updating|Loading)(?:\s\S+)?(?:\.{3}|…)\s*$`),
			regexp.MustCompile(`^\s*\(\d+\s+(?:files?|lines?|matches?)\)\s*$`),
			regexp.MustCompile(`^\s*\(No content\)\s*$`),
		},
	}
}

func matchAny(rxs []*regexp.Regexp, line string) bool {
	for _, rx := range rxs {
		if rx.MatchString(line) {
			return true
		}
	}
	return false
}

// CleanLines applies p to a slice of already split lines. Returned lines are
// ANSI free with noise removed and leading/trailing blanks trimmed.
func (p PatternSet) CleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	inTool := false
	for _, line := range lines {
		line = StripANSI(line)
		switch {
		case matchAny(p.ToolInvocation, line):
			inTool = true
			continue
		case inTool && matchAny(p.Continuation, line):
			continue
		case matchAny(p.Noise, line):
			continue
		}
		inTool = false
		out = append(out, line)
	}

	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return out
}

// Clean runs the whole transform over a text block.
func (p PatternSet) Clean(text string) string {
	if text == "" {
		return ""
	}
	lines := p.CleanLines(strings.Split(text, "\n"))
	return strings.Join(lines, "\n")
}

// Line cleans a single output line. It reports drop=true when the line is
// noise and must not be buffered. The inTool flag carries the continuation
// suppression state between consecutive lines of one stream.
func (p PatternSet) Line(line string, inTool bool) (cleaned string, drop, nextInTool bool) {
	line = StripANSI(line)
	switch {
	case matchAny(p.ToolInvocation, line):
		return "", true, true
	case inTool && matchAny(p.Continuation, line):
		return "", true, true
	case matchAny(p.Noise, line):
		return "", true, inTool
	}
	return line, false, false
}
