package worker

import (
	"regexp"
	"strings"
)

// Model output rarely keeps the format it was asked for. Extraction therefore
// runs in layers, most structured first, and each layer runs only when the
// previous one produced nothing:
//
//  1. explicit tags: <path>...</path>, <file>...</file> and file=/path=
//     attributes;
//  2. markdown structure: list items and backtick spans;
//  3. a heuristic line scan over plausible path-shaped lines.
//
// Every candidate still has to pass isLikelyFilePath before it counts.

var (
	pathTagRe  = regexp.MustCompile(`(?s)<path>(.*?)</path>`)
	fileTagRe  = regexp.MustCompile(`(?s)<file>(.*?)</file>`)
	pathAttrRe = regexp.MustCompile(`(?:file|path)=["']([^"']+)["']`)

	listItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
	backtickRe = regexp.MustCompile("`([^`\n]+)`")
)

// ExtractPaths pulls file path candidates out of raw model output. The
// result is deduplicated with first-seen order preserved; an empty slice
// means no layer found anything usable.
func ExtractPaths(text string) []string {
	for _, layer := range []func(string) []string{extractTagged, extractMarkdown, extractHeuristic} {
		if paths := layer(text); len(paths) > 0 {
			return paths
		}
	}
	return nil
}

func extractTagged(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, re := range []*regexp.Regexp{pathTagRe, fileTagRe, pathAttrRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			addCandidate(&out, seen, m[1])
		}
	}
	return out
}

func extractMarkdown(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range listItemRe.FindAllStringSubmatch(text, -1) {
		item := m[1]
		// A list item may carry prose around a backticked path.
		if ticks := backtickRe.FindAllStringSubmatch(item, -1); len(ticks) > 0 {
			for _, tm := range ticks {
				addCandidate(&out, seen, tm[1])
			}
			continue
		}
		addCandidate(&out, seen, item)
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range backtickRe.FindAllStringSubmatch(text, -1) {
		addCandidate(&out, seen, m[1])
	}
	return out
}

// Lines the heuristic scan skips outright: prose lead-ins and code fences.
var skipLinePrefixes = []string{
	"//", "#", "```",
	"Note:", "Here are", "The following", "Based on",
}

// Extensions the heuristic layer accepts. Layers 1 and 2 trust their
// surrounding structure; a bare line claiming to be a path gets no such
// benefit of the doubt.
var knownExtensions = map[string]bool{
	"go": true, "rs": true, "py": true, "js": true, "ts": true, "jsx": true,
	"tsx": true, "java": true, "c": true, "h": true, "cpp": true, "hpp": true,
	"cs": true, "rb": true, "php": true, "swift": true, "kt": true,
	"html": true, "css": true, "scss": true, "sql": true, "sh": true,
	"json": true, "yaml": true, "yml": true, "toml": true, "xml": true,
	"md": true, "txt": true, "proto": true, "tf": true, "mod": true, "sum": true,
}

func extractHeuristic(text string) []string {
	var out []string
	seen := map[string]bool{}
lines:
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, p := range skipLinePrefixes {
			if strings.HasPrefix(line, p) {
				continue lines
			}
		}
		if c := cleanCandidate(line); !heuristicEligible(c) {
			continue
		}
		addCandidate(&out, seen, line)
	}
	return out
}

// heuristicEligible requires a directory separator and a whitelisted
// extension on top of the shape rules.
func heuristicEligible(p string) bool {
	if !strings.Contains(p, "/") {
		return false
	}
	dot := strings.LastIndexByte(p, '.')
	if dot < 0 || dot == len(p)-1 {
		return false
	}
	return knownExtensions[strings.ToLower(p[dot+1:])]
}

// addCandidate normalizes one candidate and appends it when it survives
// validation and has not been seen yet.
func addCandidate(out *[]string, seen map[string]bool, raw string) {
	p := cleanCandidate(raw)
	if p == "" || seen[p] || !isLikelyFilePath(p) {
		return
	}
	seen[p] = true
	*out = append(*out, p)
}

// cleanCandidate strips list markers and surrounding punctuation the model
// tends to wrap paths in.
func cleanCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	if m := listItemRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = strings.Trim(s, "`\"',:;")
	return strings.TrimSpace(s)
}

// isLikelyFilePath applies the shape rules a usable relative path has to
// satisfy. The rules are deliberately strict: a false positive sends a later
// pipeline stage chasing a file that does not exist.
func isLikelyFilePath(p string) bool {
	if len(p) < 3 || len(p) > 260 {
		return false
	}
	if !strings.Contains(p, ".") {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, ".") {
		return false
	}
	if strings.HasSuffix(p, "/") {
		return false
	}
	if strings.ContainsAny(p, " \t\\") {
		return false
	}
	if strings.Contains(p, "//") || strings.Contains(p, "..") || strings.Contains(p, "://") {
		return false
	}
	if strings.Contains(strings.ToLower(p), "http") {
		return false
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '/' || r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
