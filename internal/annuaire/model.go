// Package annuaire maps raw public-service directory entries into normalized records.
package annuaire

import "time"

// Raw is one undecoded-shape entry of the source array, as produced by the JSON
// object parser. It is consumed immediately by Transform.
type Raw = map[string]any

// Record is the normalized shape of one public-service entry.
type Record struct {
	ExternalID   string       `json:"external_id"`
	Name         string       `json:"name"`
	Address      string       `json:"address"`
	PostalCode   string       `json:"postal_code"`
	City         string       `json:"city"`
	Latitude     *float64     `json:"latitude,omitempty"`
	Longitude    *float64     `json:"longitude,omitempty"`
	Phone        *string      `json:"phone,omitempty"`
	Email        *string      `json:"email,omitempty"`
	Website      *string      `json:"website,omitempty"`
	OpeningHours OpeningHours `json:"opening_hours"`
	Description  string       `json:"description,omitempty"`
	ModifiedAt   *time.Time   `json:"modified_at,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (r Record) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Weekday indexes OpeningHours from Monday (0) to Sunday (6).
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [7]string{"lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi", "dimanche"}

// String returns the French day name.
func (d Weekday) String() string {
	if d < Monday || d > Sunday {
		return "unknown"
	}
	return weekdayNames[d]
}

// TimeRange is one opening slot in HH:MM form.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DaySchedule describes a single weekday.
type DaySchedule struct {
	Open   bool        `json:"open"`
	Ranges []TimeRange `json:"ranges"`
}

// OpeningHours is a fixed Monday..Sunday matrix.
type OpeningHours [7]DaySchedule
