// Package matcher locates a claimed author inside a record's author
// list. Matching runs in two passes: exact membership of cleaned name
// variants, then a Levenshtein scan over every (author, variant) pair
// with a substring fallback for near misses.
package matcher

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/pkg/models"
	"github.com/adsabs/orcid-claims/pkg/names"
)

// DefaultMinRatio is the similarity floor used when no override is
// configured.
const DefaultMinRatio = 0.9

// Ratio scores the similarity of two strings as
// 1 - distance/max(len), where distance is the Levenshtein edit
// distance over runes. Equal strings score 1, fully different ones 0.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	d := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// ExactPosition scans authors for one whose cleaned lowercase form, or
// the ASCII transliteration of it, appears among the claim's name
// variants. Blank authors and blank variants never match. Returns -1
// when nothing matches.
func ExactPosition(authors []string, facts models.AuthorFacts) int {
	variants := make(map[string]struct{})
	for _, v := range facts.AllVariants() {
		c := strings.ToLower(names.Cleanup(v))
		if c == "" {
			continue
		}
		variants[c] = struct{}{}
	}
	if len(variants) == 0 {
		return -1
	}
	for i, author := range authors {
		c := strings.ToLower(names.Cleanup(author))
		if c == "" {
			continue
		}
		if _, ok := variants[c]; ok {
			return i
		}
		if _, ok := variants[names.ToASCII(c)]; ok {
			return i
		}
	}
	return -1
}

// pair scores one (author, variant) combination.
type pair struct {
	ratio float64
	aidx  int
	vidx  int
}

// FindPosition returns the index of the author closest to any of the
// name variants, or -1. All pairs are scored on cleaned lowercase
// forms; authors whose transliteration differs are scored again in
// ASCII and that ranking wins only when strictly better. When the best
// ratio falls below minRatio, a substring containment between the best
// pair (in either direction) still counts as a match.
func FindPosition(authors, variants []string, minRatio float64) int {
	al := make([]string, len(authors))
	asc := make([]string, len(authors))
	for i, a := range authors {
		al[i] = strings.ToLower(names.Cleanup(a))
		asc[i] = names.ToASCII(al[i])
	}

	nv := make([]string, len(variants))
	res := make([]pair, 0, len(authors)*len(variants))
	resASC := make([]pair, 0, len(authors)*len(variants))
	for vidx, v := range variants {
		nv[vidx] = strings.ToLower(names.Cleanup(v))
		if strings.TrimSpace(nv[vidx]) == "" {
			continue
		}
		for aidx := range al {
			p := pair{Ratio(al[aidx], nv[vidx]), aidx, vidx}
			res = append(res, p)
			if asc[aidx] != al[aidx] {
				resASC = append(resASC, pair{Ratio(asc[aidx], nv[vidx]), aidx, vidx})
			} else {
				resASC = append(resASC, p)
			}
		}
	}
	if len(res) == 0 {
		return -1
	}

	// Stable keeps generation order among ties, so earlier variants
	// and earlier authors win.
	sort.SliceStable(res, func(i, j int) bool { return res[i].ratio > res[j].ratio })
	sort.SliceStable(resASC, func(i, j int) bool { return resASC[i].ratio > resASC[j].ratio })

	best := res[0]
	if resASC[0].ratio > best.ratio {
		best = resASC[0]
	}

	if best.ratio < minRatio {
		author, variant := al[best.aidx], nv[best.vidx]
		if strings.Contains(author, variant) || strings.Contains(variant, author) {
			log.Debug().
				Str("author", author).
				Str("variant", variant).
				Float64("ratio", best.ratio).
				Float64("required", minRatio).
				Msg("using submatch")
			return best.aidx
		}
		log.Debug().
			Str("author", author).
			Str("variant", variant).
			Float64("ratio", best.ratio).
			Float64("required", minRatio).
			Msg("no match found")
		return -1
	}
	return best.aidx
}
