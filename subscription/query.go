// Package subscription implements standing queries and the bus that fans
// write-path deltas out to them. A standing query compiles its URI and
// attribute patterns once, memoizes accept/reject decisions per URI and per
// attribute name, and buffers partial matches until every attribute pattern
// has been satisfied at least once for a URI.
package subscription

import (
	"regexp"
	"sync"

	"github.com/OwlPlatform/world-model/errors"
	"github.com/OwlPlatform/world-model/wm"
)

// Query is one standing query. Matching state (the memo caches and the
// partial-match buffer) is only touched by the bus dispatcher after the
// query is registered; the output queue has its own mutex because client
// streaming tasks drain it concurrently.
type Query struct {
	bus *Bus

	uriPattern   string
	attrPatterns []string
	uriRe        *regexp.Regexp
	attrRes      []*regexp.Regexp
	getData      bool

	// Memoized URI accept/reject decisions and, for accepted URIs, the set
	// of attribute-pattern indices matched so far.
	uriAccepted map[wm.URI]bool
	uriMatches  map[wm.URI]map[int]struct{}

	// attrAccepted memoizes which pattern indices each attribute name
	// satisfies. Entries with empty sets record rejections.
	attrAccepted map[string]map[int]struct{}

	// Attributes that matched some pattern on a URI that has not yet
	// reached full coverage.
	partial map[wm.URI][]wm.Attribute

	// mu guards queued and delivered below.
	mu     sync.Mutex
	queued wm.WorldState
	// delivered remembers which attribute names have been queued per URI so
	// expirations and deletions can be relayed for attributes the client
	// has already seen.
	delivered map[wm.URI]map[string]struct{}
}

func newQuery(bus *Bus, uriPattern string, attrPatterns []string, getData bool) (*Query, error) {
	uriRe, err := compilePattern(uriPattern)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "bad uri pattern %q", uriPattern)
	}
	attrRes := make([]*regexp.Regexp, 0, len(attrPatterns))
	for _, p := range attrPatterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "bad attribute pattern %q", p)
		}
		attrRes = append(attrRes, re)
	}
	return &Query{
		bus:          bus,
		uriPattern:   uriPattern,
		attrPatterns: attrPatterns,
		uriRe:        uriRe,
		attrRes:      attrRes,
		getData:      getData,
		uriAccepted:  make(map[wm.URI]bool),
		uriMatches:   make(map[wm.URI]map[int]struct{}),
		attrAccepted: make(map[string]map[int]struct{}),
		partial:      make(map[wm.URI][]wm.Attribute),
		queued:       make(wm.WorldState),
		delivered:    make(map[wm.URI]map[string]struct{}),
	}, nil
}

// compilePattern compiles a POSIX extended regular expression. Matches are
// later accepted only when they consume the whole subject string.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.CompilePOSIX(pattern)
}

// fullMatch reports whether re matches all of s.
func fullMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// URIPattern returns the query's URI pattern as requested by the client.
func (q *Query) URIPattern() string { return q.uriPattern }

// AttributePatterns returns the query's attribute patterns.
func (q *Query) AttributePatterns() []string { return q.attrPatterns }

// interestingOrigin reports whether the origin has ever announced an
// attribute name that one of this query's patterns accepts. Unknown origins
// are assumed interesting; they may be historic producers that never
// announced themselves on this run.
func (q *Query) interestingOrigin(origin string) bool {
	names, known := q.bus.originAttributes(origin)
	if !known {
		return true
	}
	for _, name := range names {
		if len(q.acceptedIndices(name)) > 0 {
			return true
		}
	}
	return false
}

// acceptedIndices returns the memoized pattern indices the attribute name
// satisfies, computing and caching them on first sight.
func (q *Query) acceptedIndices(name string) map[int]struct{} {
	if cached, ok := q.attrAccepted[name]; ok {
		return cached
	}
	matched := make(map[int]struct{})
	for i, re := range q.attrRes {
		if fullMatch(re, name) {
			matched[i] = struct{}{}
		}
	}
	q.attrAccepted[name] = matched
	return matched
}

// acceptURI returns the memoized URI decision, running the pattern on a
// cache miss.
func (q *Query) acceptURI(uri wm.URI) bool {
	if accepted, ok := q.uriAccepted[uri]; ok {
		return accepted
	}
	accepted := fullMatch(q.uriRe, uri)
	q.uriAccepted[uri] = accepted
	if accepted {
		q.uriMatches[uri] = make(map[int]struct{})
	}
	return accepted
}

// showInterested filters a delta down to the subset this query should see,
// advancing the partial-match buffer. When a URI first reaches full pattern
// coverage the whole buffer is returned; while it stays covered only the
// newly changed attributes are returned.
func (q *Query) showInterested(ws wm.WorldState, origin string) wm.WorldState {
	// Prefilter by origin when the whole delta is known to come from one and
	// it names more URIs than the query has attribute patterns.
	if origin != "" && len(q.attrRes) < len(ws) && !q.interestingOrigin(origin) {
		return nil
	}

	result := make(wm.WorldState)
	for uri, attrs := range ws {
		if !q.acceptURI(uri) {
			continue
		}
		matches := q.uriMatches[uri]
		prevCount := len(matches)
		var accepted []wm.Attribute
		for _, attr := range attrs {
			indices := q.acceptedIndices(attr.Name)
			if len(indices) == 0 {
				continue
			}
			for i := range indices {
				matches[i] = struct{}{}
			}
			accepted = append(accepted, attr)
			q.updatePartial(uri, attr)
		}
		if len(matches) != len(q.attrRes) {
			continue
		}
		if prevCount == len(q.attrRes) {
			// Already covered: forward only the changes.
			if len(accepted) > 0 {
				result[uri] = accepted
			}
		} else {
			// Newly covered: release the whole partial buffer.
			buffered := make([]wm.Attribute, len(q.partial[uri]))
			copy(buffered, q.partial[uri])
			result[uri] = buffered
		}
	}
	return result
}

// showInterestedTransient is the transient variant of showInterested:
// attribute names must equal a pattern literally, nothing is added to the
// partial buffer, and transient matches count toward coverage only for this
// delta.
func (q *Query) showInterestedTransient(ws wm.WorldState, origin string) wm.WorldState {
	if origin != "" && len(q.attrRes) < len(ws) && !q.interestingOrigin(origin) {
		return nil
	}

	result := make(wm.WorldState)
	for uri, attrs := range ws {
		if !q.acceptURI(uri) {
			continue
		}
		durable := q.uriMatches[uri]
		prevCount := len(durable)
		// Coverage for this delta only: durable matches plus literal hits.
		covered := make(map[int]struct{}, len(durable))
		for i := range durable {
			covered[i] = struct{}{}
		}
		var accepted []wm.Attribute
		for _, attr := range attrs {
			matched := false
			for i, pattern := range q.attrPatterns {
				if attr.Name == pattern {
					covered[i] = struct{}{}
					matched = true
				}
			}
			if matched {
				accepted = append(accepted, attr)
			}
		}
		if len(covered) != len(q.attrRes) || len(accepted) == 0 {
			continue
		}
		if prevCount == len(q.attrRes) {
			result[uri] = accepted
		} else {
			out := make([]wm.Attribute, len(q.partial[uri]), len(q.partial[uri])+len(accepted))
			copy(out, q.partial[uri])
			result[uri] = append(out, accepted...)
		}
	}
	return result
}

// updatePartial records a matched attribute in the URI's partial buffer,
// replacing any previous value in the same (name, origin) slot.
func (q *Query) updatePartial(uri wm.URI, attr wm.Attribute) {
	buf := q.partial[uri]
	for i := range buf {
		if buf[i].Name == attr.Name && buf[i].Origin == attr.Origin {
			buf[i] = attr
			return
		}
	}
	q.partial[uri] = append(buf, attr)
}

// invalidateAttributes applies an expiration or deletion of specific
// attributes: the partial buffer drops them, queued copies are stamped with
// the supplied expiration, and previously delivered attributes are re-sent
// as expired husks. If a dropped attribute was the only match for one of
// the patterns the URI reverts to partial coverage.
func (q *Query) invalidateAttributes(uri wm.URI, removed []wm.Attribute) {
	gone := make(map[wm.Key]struct{}, len(removed))
	expirationOf := make(map[string]wm.Time, len(removed))
	for _, a := range removed {
		gone[a.Key()] = struct{}{}
		expirationOf[a.Name] = a.Expiration
	}

	if buf, ok := q.partial[uri]; ok {
		kept := buf[:0]
		for _, a := range buf {
			if _, dropped := gone[a.Key()]; !dropped {
				kept = append(kept, a)
			}
		}
		q.partial[uri] = kept
		// Recompute coverage from what remains; a pattern whose only match
		// is gone reverts the URI to partial.
		if matches, ok := q.uriMatches[uri]; ok {
			for i := range matches {
				delete(matches, i)
			}
			for _, a := range kept {
				for i := range q.acceptedIndices(a.Name) {
					matches[i] = struct{}{}
				}
			}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if attrs, ok := q.queued[uri]; ok {
		for i := range attrs {
			if exp, hit := expirationOf[attrs[i].Name]; hit {
				attrs[i].Expiration = exp
				attrs[i].Data = nil
				delete(q.delivered[uri], attrs[i].Name)
			}
		}
	}
	// Expire attributes the client saw earlier but that are no longer in
	// the queue.
	if names, ok := q.delivered[uri]; ok {
		for name := range names {
			if exp, hit := expirationOf[name]; hit {
				q.queued[uri] = append(q.queued[uri],
					wm.Attribute{Name: name, Creation: exp, Expiration: exp})
				delete(names, name)
			}
		}
	}
}

// invalidateObject applies the expiration or deletion of a whole object.
// The matching caches forget the URI and the client is shown a synthetic
// creation attribute carrying the death timestamp.
func (q *Query) invalidateObject(uri wm.URI, creation wm.Attribute) {
	if accepted, ok := q.uriAccepted[uri]; ok && !accepted {
		delete(q.uriAccepted, uri)
		return
	}
	known := q.uriAccepted[uri]
	delete(q.partial, uri)
	delete(q.uriAccepted, uri)
	delete(q.uriMatches, uri)

	q.mu.Lock()
	defer q.mu.Unlock()
	seen := q.delivered[uri]
	if !known && len(seen) == 0 {
		return
	}
	if attrs, ok := q.queued[uri]; ok {
		for i := range attrs {
			attrs[i].Expiration = creation.Expiration
		}
	}
	q.queued[uri] = append(q.queued[uri], wm.Attribute{
		Name:       wm.CreationAttribute,
		Creation:   creation.Expiration,
		Expiration: creation.Expiration,
	})
	delete(q.delivered, uri)
}

// enqueue places matched data on the output queue, collapsing repeated
// updates to the same (name, origin) slot.
func (q *Query) enqueue(ws wm.WorldState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for uri, attrs := range ws {
		state := q.queued[uri]
		for _, entry := range attrs {
			replaced := false
			for i := range state {
				if state[i].Name == entry.Name && state[i].Origin == entry.Origin {
					state[i] = entry
					replaced = true
					break
				}
			}
			if !replaced {
				state = append(state, entry)
				seen := q.delivered[uri]
				if seen == nil {
					seen = make(map[string]struct{})
					q.delivered[uri] = seen
				}
				seen[entry.Name] = struct{}{}
			}
		}
		q.queued[uri] = state
	}
}

// Drain returns everything queued since the last call and clears the queue.
// When the query was created without payload data, payloads are elided.
func (q *Query) Drain() wm.WorldState {
	q.mu.Lock()
	data := q.queued
	q.queued = make(wm.WorldState)
	q.mu.Unlock()
	if len(data) == 0 {
		return data
	}
	if !q.getData {
		for _, attrs := range data {
			for i := range attrs {
				attrs[i].Data = nil
			}
		}
	}
	return data
}

// Seed populates the query from the current state before any deltas flow,
// so the first drain of a new subscription carries the matching world state.
func (q *Query) Seed(current wm.WorldState) {
	if matched := q.showInterested(current, ""); len(matched) > 0 {
		q.enqueue(matched)
	}
}
