// Package topic implements the pure topic-string helpers the session core
// needs: normalization (spec §4.A) and the "$SYS" wildcard exclusion rule
// (spec §6). Topic-tree subscription matching itself belongs to the
// pub/sub fabric (see package ascoltatore) and is out of this module's
// core scope.
package topic

import "strings"

// Normalize collapses runs of '/' to a single '/' and strips a trailing
// '/' from a non-root segment. It is deterministic and idempotent:
// Normalize(Normalize(t)) == Normalize(t) for every input t.
func Normalize(t string) string {
	if t == "" {
		return t
	}

	var b strings.Builder
	b.Grow(len(t))

	lastWasSlash := false
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c == '/' {
			if lastWasSlash {
				continue
			}
			lastWasSlash = true
			b.WriteByte(c)
			continue
		}
		lastWasSlash = false
		b.WriteByte(c)
	}

	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = out[:len(out)-1]
	}
	return out
}

// SysWildcardExcluded reports whether subTopic is a wildcard filter that
// must not be allowed to match a "$SYS"-rooted topic (spec §6: "wildcards
// may not match $SYS at the root"). Per spec §4.F, the exclusion applies
// when the published topic begins with "$SYS" and the subscription filter
// carries a wildcard ('#' or '+') within its first two characters.
func SysWildcardExcluded(publishedTopic, subTopic string) bool {
	if !strings.HasPrefix(publishedTopic, "$SYS") {
		return false
	}
	prefix := subTopic
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return strings.ContainsAny(prefix, "#+")
}
