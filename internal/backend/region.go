package backend

import "strings"

// Region identifies one of the storage zone's regional endpoints.
type Region string

// Supported regions. "de" (Falkenstein) is the default and is the only
// region whose base URL has no region subdomain.
const (
	RegionFalkenstein  Region = "de"
	RegionLondon       Region = "uk"
	RegionNewYork      Region = "ny"
	RegionLosAngeles   Region = "la"
	RegionSingapore    Region = "sg"
	RegionStockholm    Region = "se"
	RegionSaoPaulo     Region = "br"
	RegionJohannesburg Region = "jh"
	RegionSydney       Region = "syd"

	// RegionPrimary is the default region used when none is configured.
	RegionPrimary = RegionFalkenstein
)

// Valid reports whether r is one of the recognized region codes.
func (r Region) Valid() bool {
	switch Region(strings.ToLower(string(r))) {
	case RegionFalkenstein, RegionLondon, RegionNewYork, RegionLosAngeles,
		RegionSingapore, RegionStockholm, RegionSaoPaulo, RegionJohannesburg, RegionSydney:
		return true
	default:
		return false
	}
}

// BaseURL returns the HTTPS base URL for the region. Unrecognized region
// codes fall back to the default Falkenstein endpoint.
func (r Region) BaseURL() string {
	switch Region(strings.ToLower(string(r))) {
	case RegionFalkenstein, "":
		return "https://storage.bunnycdn.com"
	case RegionLondon:
		return "https://uk.storage.bunnycdn.com"
	case RegionNewYork:
		return "https://ny.storage.bunnycdn.com"
	case RegionLosAngeles:
		return "https://la.storage.bunnycdn.com"
	case RegionSingapore:
		return "https://sg.storage.bunnycdn.com"
	case RegionStockholm:
		return "https://se.storage.bunnycdn.com"
	case RegionSaoPaulo:
		return "https://br.storage.bunnycdn.com"
	case RegionJohannesburg:
		return "https://jh.storage.bunnycdn.com"
	case RegionSydney:
		return "https://syd.storage.bunnycdn.com"
	default:
		return "https://storage.bunnycdn.com"
	}
}
