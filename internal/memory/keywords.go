package memory

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are dropped during keyword extraction. Small on purpose: the
// overlap scoring tolerates noise better than it tolerates missing terms.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "not": {}, "no": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "by": {}, "for": {},
	"with": {}, "from": {}, "into": {}, "over": {}, "about": {}, "as": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"i": {}, "we": {}, "you": {}, "they": {}, "he": {}, "she": {},
	"do": {}, "does": {}, "did": {}, "done": {}, "have": {}, "has": {}, "had": {},
	"will": {}, "would": {}, "should": {}, "can": {}, "could": {}, "may": {},
	"but": {}, "if": {}, "then": {}, "else": {}, "so": {}, "than": {},
	"when": {}, "where": {}, "how": {}, "what": {}, "which": {}, "who": {},
	"all": {}, "each": {}, "some": {}, "any": {}, "very": {}, "just": {},
	"use": {}, "using": {}, "used": {},
}

// ExtractKeywords lowercases the text, splits on anything that is not a
// letter or digit (CJK characters count as letters), and keeps tokens longer
// than one rune that are not stop words. The result is sorted and unique.
func ExtractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var token []rune
	flush := func() {
		if len(token) > 1 {
			word := string(token)
			if _, stop := stopWords[word]; !stop {
				seen[word] = struct{}{}
			}
		}
		token = token[:0]
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			token = append(token, r)
			continue
		}
		flush()
	}
	flush()

	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// keywordSet builds a set from a keyword slice, lowercased.
func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|. Empty sets overlap nothing.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlapRatio scores how much of the query set appears in the entry set.
func overlapRatio(query, entry map[string]struct{}) float64 {
	if len(query) == 0 || len(entry) == 0 {
		return 0
	}
	hits := 0
	for k := range query {
		if _, ok := entry[k]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
