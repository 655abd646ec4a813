package reconcile

import "strings"

// BuildAddress assembles the free-text query for a stored record:
// city alone when it is the only part, "address, postal city" when all three
// are present, otherwise the present parts joined by spaces.
func BuildAddress(address, postalCode, city string) string {
	address = strings.TrimSpace(address)
	postalCode = strings.TrimSpace(postalCode)
	city = strings.TrimSpace(city)

	switch {
	case address == "" && postalCode == "" && city != "":
		return city
	case address != "" && postalCode != "" && city != "":
		return address + ", " + postalCode + " " + city
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{address, postalCode, city} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
