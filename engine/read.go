package engine

import (
	"regexp"

	"github.com/OwlPlatform/world-model/wm"
)

// fullMatch reports whether re matches the whole of s, mirroring the
// bounds check the subscription matcher applies.
func fullMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// SearchURI returns the current URIs fully matching the POSIX pattern, in
// unspecified order. An invalid pattern yields an empty result.
func (e *Engine) SearchURI(pattern string) []wm.URI {
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		e.log.Debugw("Rejecting invalid search pattern", "pattern", pattern, "error", err)
		return nil
	}

	e.gate.Flag()
	defer e.gate.Unflag()
	var result []wm.URI
	for uri := range e.cur {
		if fullMatch(re, uri) {
			result = append(result, uri)
		}
	}
	return result
}

// CurrentSnapshot returns the current state restricted to URIs matching
// uriPattern and attributes matching any attrPattern. A URI is included
// only when every pattern has at least one matching attribute. With getData
// false the payload bytes are elided. An empty pattern list yields an empty
// state; invalid patterns are skipped, and if none is valid the state is
// empty.
func (e *Engine) CurrentSnapshot(uriPattern string, attrPatterns []string, getData bool) wm.WorldState {
	result := make(wm.WorldState)
	if len(attrPatterns) == 0 {
		return result
	}
	regexps := make([]*regexp.Regexp, 0, len(attrPatterns))
	for _, p := range attrPatterns {
		re, err := regexp.CompilePOSIX(p)
		if err != nil {
			e.log.Debugw("Rejecting invalid attribute pattern", "pattern", p, "error", err)
			continue
		}
		regexps = append(regexps, re)
	}
	if len(regexps) == 0 {
		return result
	}

	matches := e.SearchURI(uriPattern)

	e.gate.Flag()
	defer e.gate.Unflag()
	for _, uri := range matches {
		attributes := e.cur[uri]
		var matched []wm.Attribute
		covered := make([]bool, len(regexps))
		for _, attr := range attributes {
			hit := false
			for i, re := range regexps {
				if fullMatch(re, attr.Name) {
					covered[i] = true
					hit = true
				}
			}
			if !hit {
				continue
			}
			if getData {
				matched = append(matched, attr)
			} else {
				matched = append(matched, attr.WithoutData())
			}
		}
		full := true
		for _, c := range covered {
			if !c {
				full = false
				break
			}
		}
		if full {
			result[uri] = matched
		}
	}
	return result
}

// HistoricSnapshot reconstructs the world state as of time t from the
// store, filtered by the patterns.
func (e *Engine) HistoricSnapshot(uriPattern string, attrPatterns []string, t wm.Time) wm.WorldState {
	attrPattern, ok := alternation(attrPatterns)
	if !ok {
		return wm.WorldState{}
	}
	ws, err := e.store.FetchSnapshotAt(uriPattern, attrPattern, ".*", t)
	if err != nil {
		e.log.Errorw("Historic snapshot failed", "pattern", uriPattern, "error", err)
		return wm.WorldState{}
	}
	return ws
}

// HistoricRange returns the stored rows created within [t0, t1], filtered
// by the patterns and ordered by creation time per URI.
func (e *Engine) HistoricRange(uriPattern string, attrPatterns []string, t0, t1 wm.Time) wm.WorldState {
	attrPattern, ok := alternation(attrPatterns)
	if !ok {
		return wm.WorldState{}
	}
	ws, err := e.store.FetchRange(uriPattern, attrPattern, ".*", t0, t1)
	if err != nil {
		e.log.Errorw("Historic range fetch failed", "pattern", uriPattern, "error", err)
		return wm.WorldState{}
	}
	return ws
}

// alternation folds attribute patterns into one disjunctive pattern so a
// historic query runs a single store fetch.
func alternation(patterns []string) (string, bool) {
	if len(patterns) == 0 {
		return "", false
	}
	if len(patterns) == 1 {
		return patterns[0], true
	}
	combined := ""
	for i, p := range patterns {
		if i > 0 {
			combined += "|"
		}
		combined += "(" + p + ")"
	}
	return combined, true
}
