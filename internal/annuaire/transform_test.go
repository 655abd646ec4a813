package annuaire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRaw(t *testing.T, s string) Raw {
	t.Helper()
	var raw Raw
	require.NoError(t, json.Unmarshal([]byte(s), &raw))
	return raw
}

const mairieJSON = `{
	"id": "b4c1e2f0-0001",
	"nom": "Mairie de Saint-Étienne",
	"mission": "Accueil et état civil",
	"date_modification": "27/09/2023 11:03:19",
	"adresse": [
		{
			"numero_voie": "Place de l'Hôtel de Ville",
			"complement1": "Bâtiment A",
			"code_postal": "42000",
			"nom_commune": "Saint-Étienne",
			"latitude": "45.4397",
			"longitude": "4.3872"
		},
		{"numero_voie": "BP 503", "code_postal": "42007", "nom_commune": "Saint-Étienne Cedex 1"}
	],
	"telephone": [{"valeur": "04 77 48 77 48", "description": "standard"}, {"valeur": "04 77 00 00 00"}],
	"adresse_courriel": ["contact@saint-etienne.fr", "autre@saint-etienne.fr"],
	"site_internet": [{"libelle": "Site", "valeur": "https://www.saint-etienne.fr"}],
	"plage_ouverture": [
		{
			"nom_jour_debut": "Lundi",
			"nom_jour_fin": "Vendredi",
			"valeur_heure_debut_1": "08:30:00",
			"valeur_heure_fin_1": "12:00:00",
			"valeur_heure_debut_2": "13:30:00",
			"valeur_heure_fin_2": "17:00:00"
		},
		{"nom_jour_debut": "Samedi", "valeur_heure_debut_1": "09:00:00", "valeur_heure_fin_1": "12:00:00"}
	]
}`

func TestTransform_FullRecord(t *testing.T) {
	rec, err := Transform(decodeRaw(t, mairieJSON))
	require.NoError(t, err)

	assert.Equal(t, "b4c1e2f0-0001", rec.ExternalID)
	assert.Equal(t, "Mairie de Saint-Étienne", rec.Name)
	assert.Equal(t, "Place de l'Hôtel de Ville", rec.Address, "only the street line of the first address is used")
	assert.Equal(t, "42000", rec.PostalCode)
	assert.Equal(t, "Saint-Étienne", rec.City)
	require.NotNil(t, rec.Latitude)
	require.NotNil(t, rec.Longitude)
	assert.InDelta(t, 45.4397, *rec.Latitude, 1e-9)
	assert.InDelta(t, 4.3872, *rec.Longitude, 1e-9)

	require.NotNil(t, rec.Phone)
	assert.Equal(t, "04 77 48 77 48", *rec.Phone)
	require.NotNil(t, rec.Email)
	assert.Equal(t, "contact@saint-etienne.fr", *rec.Email)
	require.NotNil(t, rec.Website)
	assert.Equal(t, "https://www.saint-etienne.fr", *rec.Website)
	assert.Equal(t, "Accueil et état civil", rec.Description)

	require.NotNil(t, rec.ModifiedAt)
	assert.Equal(t, time.Date(2023, 9, 27, 11, 3, 19, 0, time.UTC), *rec.ModifiedAt)

	for d := Monday; d <= Friday; d++ {
		assert.True(t, rec.OpeningHours[d].Open, d.String())
		assert.Equal(t, []TimeRange{{"08:30", "12:00"}, {"13:30", "17:00"}}, rec.OpeningHours[d].Ranges)
	}
	assert.True(t, rec.OpeningHours[Saturday].Open)
	assert.Equal(t, []TimeRange{{"09:00", "12:00"}}, rec.OpeningHours[Saturday].Ranges)
	assert.False(t, rec.OpeningHours[Sunday].Open)
	assert.Empty(t, rec.OpeningHours[Sunday].Ranges)
}

func TestTransform_ZeroCoordinatesAreAbsent(t *testing.T) {
	for _, tc := range []struct {
		name string
		lat  string
		lng  string
	}{
		{"empty strings", `""`, `""`},
		{"zero strings", `"0"`, `"0"`},
		{"zero decimals", `"0.0"`, `"0.000"`},
		{"zero numbers", `0`, `0.0`},
		{"garbage", `"n/a"`, `"?"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := decodeRaw(t, `{"id":"1","nom":"x","adresse":[{"numero_voie":"1 rue A","latitude":`+tc.lat+`,"longitude":`+tc.lng+`}]}`)
			rec, err := Transform(raw)
			require.NoError(t, err)
			assert.Nil(t, rec.Latitude)
			assert.Nil(t, rec.Longitude)
			assert.False(t, rec.HasCoordinates())
		})
	}
}

func TestTransform_NumericCoordinates(t *testing.T) {
	raw := decodeRaw(t, `{"id":"1","nom":"x","adresse":[{"numero_voie":"1 rue A","latitude":48.85,"longitude":"2,35"}]}`)
	rec, err := Transform(raw)
	require.NoError(t, err)
	require.True(t, rec.HasCoordinates())
	assert.InDelta(t, 48.85, *rec.Latitude, 1e-9)
	assert.InDelta(t, 2.35, *rec.Longitude, 1e-9)
}

func TestTransform_MissingOptionalFields(t *testing.T) {
	rec, err := Transform(decodeRaw(t, `{"id":"42","nom":"Trésorerie"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", rec.ExternalID)
	assert.Empty(t, rec.Address)
	assert.Nil(t, rec.Phone)
	assert.Nil(t, rec.Email)
	assert.Nil(t, rec.Website)
	assert.Nil(t, rec.ModifiedAt)
	for _, day := range rec.OpeningHours {
		assert.False(t, day.Open)
		assert.NotNil(t, day.Ranges)
	}
}

func TestTransform_NumericID(t *testing.T) {
	rec, err := Transform(decodeRaw(t, `{"id":123456789,"nom":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "123456789", rec.ExternalID)
}

func TestTransform_MissingID(t *testing.T) {
	_, err := Transform(decodeRaw(t, `{"nom":"x","adresse":[{"numero_voie":"1 rue A"}]}`))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalid))
}

func TestTransform_Nil(t *testing.T) {
	_, err := Transform(nil)
	require.Error(t, err)
}

func TestBuildOpeningHours_MultiDaySpan(t *testing.T) {
	raw := decodeRaw(t, `{"plage_ouverture":[{"nom_jour_debut":"lundi","nom_jour_fin":"mercredi","valeur_heure_debut_1":"08:00","valeur_heure_fin_1":"12:00"}]}`)
	hours := BuildOpeningHours(raw["plage_ouverture"])

	for _, d := range []Weekday{Monday, Tuesday, Wednesday} {
		assert.True(t, hours[d].Open, d.String())
		assert.Equal(t, []TimeRange{{Start: "08:00", End: "12:00"}}, hours[d].Ranges, d.String())
	}
	for _, d := range []Weekday{Thursday, Friday, Saturday, Sunday} {
		assert.False(t, hours[d].Open, d.String())
		assert.Empty(t, hours[d].Ranges, d.String())
	}
}

func TestBuildOpeningHours_SpanWrapsPastSunday(t *testing.T) {
	raw := decodeRaw(t, `{"plage_ouverture":[{"nom_jour_debut":"samedi","nom_jour_fin":"lundi","valeur_heure_debut_1":"09:00","valeur_heure_fin_1":"18:00"}]}`)
	hours := BuildOpeningHours(raw["plage_ouverture"])

	for _, d := range []Weekday{Saturday, Sunday, Monday} {
		assert.True(t, hours[d].Open, d.String())
		assert.Equal(t, []TimeRange{{Start: "09:00", End: "18:00"}}, hours[d].Ranges, d.String())
	}
	for _, d := range []Weekday{Tuesday, Wednesday, Thursday, Friday} {
		assert.False(t, hours[d].Open, d.String())
	}
}

func TestBuildOpeningHours_UnknownDaySkipped(t *testing.T) {
	raw := decodeRaw(t, `{"plage_ouverture":[
		{"nom_jour_debut":"Funday","valeur_heure_debut_1":"08:00","valeur_heure_fin_1":"12:00"},
		{"nom_jour_debut":"jeudi","nom_jour_fin":"someday","valeur_heure_debut_1":"08:00","valeur_heure_fin_1":"12:00"},
		{"nom_jour_debut":"Dimanche","valeur_heure_debut_1":"10:00:00","valeur_heure_fin_1":"11:30:00"}
	]}`)
	hours := BuildOpeningHours(raw["plage_ouverture"])

	for d := Monday; d <= Saturday; d++ {
		assert.False(t, hours[d].Open, d.String())
	}
	assert.True(t, hours[Sunday].Open)
	assert.Equal(t, []TimeRange{{"10:00", "11:30"}}, hours[Sunday].Ranges)
}

func TestBuildOpeningHours_OpenWithoutSlots(t *testing.T) {
	raw := decodeRaw(t, `{"plage_ouverture":[{"nom_jour_debut":"Mardi"}]}`)
	hours := BuildOpeningHours(raw["plage_ouverture"])
	assert.True(t, hours[Tuesday].Open)
	assert.Empty(t, hours[Tuesday].Ranges)
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in   string
		want Weekday
		ok   bool
	}{
		{"lundi", Monday, true},
		{"MARDI", Tuesday, true},
		{" Mercredi ", Wednesday, true},
		{"dimanche", Sunday, true},
		{"monday", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseWeekday(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseModifiedAt(t *testing.T) {
	assert.Nil(t, ParseModifiedAt(""))
	assert.Nil(t, ParseModifiedAt("2023-09-27"))
	assert.Nil(t, ParseModifiedAt("31/02/2023 10:00:00"))

	got := ParseModifiedAt("01/12/2024 08:15:00")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 12, 1, 8, 15, 0, 0, time.UTC), *got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Record{Name: "Mairie", Address: "1 place"}))

	err := Validate(Record{Name: "Mairie"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "address")

	err = Validate(Record{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name, address")
}

func TestFromCSV(t *testing.T) {
	idx := ColumnIndex(CSVColumns)
	row := []string{"77", "CAF de Lyon", "67 bd Vivier Merle", "69003", "Lyon", "45.76", "0", "3230", "", "https://caf.fr", "Allocations", "02/03/2024 09:00:00"}

	rec, err := FromCSV(idx, row)
	require.NoError(t, err)
	assert.Equal(t, "77", rec.ExternalID)
	assert.Equal(t, "67 bd Vivier Merle", rec.Address)
	require.NotNil(t, rec.Latitude)
	assert.Nil(t, rec.Longitude)
	require.NotNil(t, rec.Phone)
	assert.Equal(t, "3230", *rec.Phone)
	assert.Nil(t, rec.Email)
	require.NotNil(t, rec.ModifiedAt)
	assert.False(t, rec.OpeningHours[Monday].Open)
}

func TestFromCSV_ShortRowAndMissingID(t *testing.T) {
	idx := ColumnIndex([]string{"ID", "Nom"})
	_, err := FromCSV(idx, []string{""})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalid))
}
