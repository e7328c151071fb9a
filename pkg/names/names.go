// Package names holds the name-normalization tools shared by the
// matching and harvesting layers: cleanup, ORCID iD normalization,
// short-form generation and ASCII transliteration.
package names

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Cleanup strips periods from a name and collapses whitespace runs to
// single spaces. Case is preserved; callers lowercase when comparing.
func Cleanup(name string) string {
	if name == "" {
		return ""
	}
	name = strings.ReplaceAll(name, ".", "")
	return strings.Join(strings.Fields(name), " ")
}

// NormalizeOrcidID strips hyphens and lowercases an ORCID iD so that
// differently formatted iDs compare equal.
func NormalizeOrcidID(orcid string) string {
	return strings.ToLower(strings.ReplaceAll(orcid, "-", ""))
}

// ShortForms derives abbreviated variants of a "Last, First Middle"
// name: each multi-letter given name initialized one at a time, plus
// the all-initials form progressively truncated from the right. Names
// without a comma, or with a single already-initialized given name,
// produce nothing.
func ShortForms(name string) []string {
	name = Cleanup(name)
	surname, rest, found := strings.Cut(name, ",")
	if !found {
		return nil
	}
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 && len([]rune(parts[0])) == 1 {
		return nil
	}

	seen := make(map[string]struct{})
	add := func(given []string) {
		seen[surname+", "+strings.Join(given, " ")] = struct{}{}
	}

	for i, p := range parts {
		r := []rune(p)
		if len(r) > 1 {
			w := slices.Clone(parts)
			w[i] = string(r[:1])
			add(w)
		}
	}

	initials := make([]string, len(parts))
	for i, p := range parts {
		initials[i] = string([]rune(p)[:1])
	}
	for len(initials) > 0 {
		add(initials)
		initials = initials[:len(initials)-1]
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// deaccent decomposes characters and drops combining marks, turning
// e.g. "Müller" into "Muller".
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// folds maps Latin letters that survive decomposition unchanged.
var folds = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ı", "i",
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "Th",
	"ħ", "h", "Ħ", "H",
	"ŋ", "n", "Ŋ", "N",
	"ŧ", "t", "Ŧ", "T",
	"ĸ", "k",
)

// ToASCII transliterates accented and special Latin letters to plain
// ASCII. Runes with no known mapping pass through unchanged, so the
// result equals the input for names that are already ASCII.
func ToASCII(s string) string {
	out, _, err := transform.String(deaccent, s)
	if err != nil {
		out = s
	}
	return folds.Replace(out)
}
