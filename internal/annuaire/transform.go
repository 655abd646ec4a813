package annuaire

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ModifiedAtLayout is the DD/MM/YYYY HH:MM:SS format of date_modification.
const ModifiedAtLayout = "02/01/2006 15:04:05"

// ErrInvalid marks a record that cannot be persisted.
var ErrInvalid = eris.New("annuaire: invalid record")

// Transform maps one raw entry to a Record. It has no side effects; structural
// problems in optional fields degrade to empty values instead of errors.
func Transform(raw Raw) (Record, error) {
	if raw == nil {
		return Record{}, eris.Wrap(ErrInvalid, "empty entry")
	}

	rec := Record{
		ExternalID:  str(raw["id"]),
		Name:        strings.TrimSpace(str(raw["nom"])),
		Description: strings.TrimSpace(str(raw["mission"])),
	}
	if rec.ExternalID == "" {
		return rec, eris.Wrap(ErrInvalid, "missing id")
	}

	if addr, ok := first(raw["adresse"]).(map[string]any); ok {
		rec.Address = strings.TrimSpace(str(addr["numero_voie"]))
		rec.PostalCode = strings.TrimSpace(str(addr["code_postal"]))
		rec.City = strings.TrimSpace(str(addr["nom_commune"]))
		rec.Latitude = ParseCoordinate(addr["latitude"])
		rec.Longitude = ParseCoordinate(addr["longitude"])
	}

	rec.Phone = contactValue(raw["telephone"])
	rec.Email = contactValue(raw["adresse_courriel"])
	rec.Website = contactValue(raw["site_internet"])
	rec.OpeningHours = BuildOpeningHours(raw["plage_ouverture"])
	rec.ModifiedAt = ParseModifiedAt(str(raw["date_modification"]))

	return rec, nil
}

// Validate checks the structural invariants a record must satisfy before it is
// handed to the store: a non-empty name and a non-empty address.
func Validate(rec Record) error {
	var missing []string
	if rec.Name == "" {
		missing = append(missing, "name")
	}
	if rec.Address == "" {
		missing = append(missing, "address")
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrInvalid, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseCoordinate parses a latitude or longitude. The dataset uses "" and "0"
// for unknown positions, so those and any value equal to 0 map to nil.
func ParseCoordinate(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", "."))
		if s == "" || s == "0" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if f == 0 {
		return nil
	}
	return &f
}

// ParseModifiedAt parses date_modification, returning nil when absent or malformed.
func ParseModifiedAt(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(ModifiedAtLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

// BuildOpeningHours expands the plage_ouverture ranges into a weekly matrix.
// A range covering several days attaches the same slots to each day of the
// inclusive span, wrapping past Sunday when the end day comes first (samedi
// to lundi covers Saturday, Sunday and Monday). Ranges naming an unknown day
// are skipped.
func BuildOpeningHours(v any) OpeningHours {
	var hours OpeningHours
	for i := range hours {
		hours[i].Ranges = []TimeRange{}
	}

	ranges, ok := v.([]any)
	if !ok {
		return hours
	}

	for _, item := range ranges {
		plage, ok := item.(map[string]any)
		if !ok {
			continue
		}

		start, ok := ParseWeekday(str(plage["nom_jour_debut"]))
		if !ok {
			continue
		}
		end := start
		if endName := strings.TrimSpace(str(plage["nom_jour_fin"])); endName != "" {
			end, ok = ParseWeekday(endName)
			if !ok {
				continue
			}
		}
		slots := timeSlots(plage)
		for d := start; ; d = (d + 1) % 7 {
			hours[d].Open = true
			hours[d].Ranges = append(hours[d].Ranges, slots...)
			if d == end {
				break
			}
		}
	}
	return hours
}

func timeSlots(plage map[string]any) []TimeRange {
	var slots []TimeRange
	for i := 1; i <= 2; i++ {
		start := truncateTime(str(plage[fmt.Sprintf("valeur_heure_debut_%d", i)]))
		end := truncateTime(str(plage[fmt.Sprintf("valeur_heure_fin_%d", i)]))
		if start == "" || end == "" {
			continue
		}
		slots = append(slots, TimeRange{Start: start, End: end})
	}
	return slots
}

// truncateTime keeps the HH:MM prefix of "HH:MM:SS".
func truncateTime(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 5 {
		return s[:5]
	}
	return s
}

// ParseWeekday resolves a French day name, ignoring case and accents.
func ParseWeekday(name string) (Weekday, bool) {
	folded := foldName(name)
	for i, n := range weekdayNames {
		if folded == n {
			return Weekday(i), true
		}
	}
	return 0, false
}

func foldName(s string) string {
	s, _, _ = transform.String(
		transform.Chain(
			norm.NFD,
			runes.Remove(runes.In(unicode.Mn)),
			norm.NFC,
		),
		strings.TrimSpace(strings.ToLower(s)),
	)
	return s
}

// contactValue returns the first element of a contact list. Elements are either
// plain strings or objects carrying the value under "valeur".
func contactValue(v any) *string {
	var s string
	switch t := first(v).(type) {
	case string:
		s = t
	case map[string]any:
		s = str(t["valeur"])
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func first(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return list[0]
}

// str renders scalar JSON values as strings. Numbers decoded as float64 are
// printed without exponent so numeric identifiers survive.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
