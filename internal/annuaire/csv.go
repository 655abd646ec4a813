package annuaire

import (
	"strings"

	"github.com/rotisserie/eris"
)

// CSVColumns lists the flat columns of the CSV export, in file order.
var CSVColumns = []string{
	"id", "nom", "adresse", "code_postal", "commune", "latitude", "longitude",
	"telephone", "email", "site_internet", "mission", "date_modification",
}

// ColumnIndex maps lower-cased header names to their position.
func ColumnIndex(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		m[strings.ToLower(strings.TrimSpace(col))] = i
	}
	return m
}

// FromCSV maps one CSV row to a Record. The flat format carries no opening
// hours, so every day is closed.
func FromCSV(colIdx map[string]int, row []string) (Record, error) {
	get := func(name string) string {
		idx, ok := colIdx[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rec := Record{
		ExternalID:   get("id"),
		Name:         get("nom"),
		Address:      get("adresse"),
		PostalCode:   get("code_postal"),
		City:         get("commune"),
		Latitude:     ParseCoordinate(get("latitude")),
		Longitude:    ParseCoordinate(get("longitude")),
		Phone:        optional(get("telephone")),
		Email:        optional(get("email")),
		Website:      optional(get("site_internet")),
		OpeningHours: BuildOpeningHours(nil),
		Description:  get("mission"),
		ModifiedAt:   ParseModifiedAt(get("date_modification")),
	}
	if rec.ExternalID == "" {
		return rec, eris.Wrap(ErrInvalid, "missing id")
	}
	return rec, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
