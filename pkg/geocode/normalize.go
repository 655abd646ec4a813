package geocode

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Simplify strips diacritics and collapses runs of whitespace.
func Simplify(address string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, address)
	if err != nil {
		s = address
	}
	return strings.Join(strings.Fields(s), " ")
}

// postalLocality matches a 5-digit postal code followed by a locality name.
var postalLocality = regexp.MustCompile(`\b(\d{5})\s+([^\d,;]+)`)

// PostalLocality returns "postal-code locality" when the address contains one.
func PostalLocality(address string) (string, bool) {
	m := postalLocality.FindStringSubmatch(address)
	if m == nil {
		return "", false
	}
	locality := strings.Join(strings.Fields(m[2]), " ")
	if locality == "" {
		return "", false
	}
	return m[1] + " " + locality, true
}

// FallbackQueries returns the distinct queries tried for an address, in order:
// the address as given, its simplified form, then postal code and locality.
func FallbackQueries(address string) []string {
	given := strings.TrimSpace(address)
	if given == "" {
		return nil
	}
	out := []string{given}
	add := func(q string) {
		for _, existing := range out {
			if existing == q {
				return
			}
		}
		out = append(out, q)
	}
	add(Simplify(given))
	if pl, ok := PostalLocality(given); ok {
		add(pl)
	}
	return out
}
