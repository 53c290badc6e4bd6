// Package regions holds the catalog of network sites a validator may join.
// Each site is named by a lowercase region identifier, the value nodes put
// into their announcements and the leader election rotates over. The default
// rotation order is part of the leader election contract, all nodes of a
// network must use the same list in the same order.
package regions

import "slices"

// Category groups catalog sites by the role of the underlying network
// infrastructure.
type Category string

const (
	MajorExchange       Category = "major-exchange"
	CableLanding        Category = "cable-landing"
	TerrestrialCrossing Category = "terrestrial-crossing"
	RegionalExchange    Category = "regional-exchange"
	EmergingPoint       Category = "emerging-point"
)

// Names of the default rotation, the major internet exchange sites of the
// catalog.
const (
	Frankfurt = "frankfurt"
	Amsterdam = "amsterdam"
	London    = "london"
	Ashburn   = "ashburn"
	NewYork   = "new-york"
	Tokyo     = "tokyo"
	Singapore = "singapore"
	HongKong  = "hong-kong"
	Sydney    = "sydney"
	SaoPaulo  = "sao-paulo"
)

// Region is a catalog entry describing the site behind a region name.
type Region struct {
	Name         string // region identifier used in rotations and announcements
	City         string
	Category     Category
	Jurisdiction string // primary legal jurisdiction
	Subdivision  string // state or province within the jurisdiction, when relevant
	Exchange     string // internet exchange operating at the site, when known
}

func (r Region) String() string {
	s := r.Name + " (" + r.City + ", " + r.Jurisdiction
	if r.Subdivision != "" {
		s += "/" + r.Subdivision
	}
	return s + ")"
}

var catalog = []Region{
	// major internet exchanges
	{Name: Frankfurt, City: "Frankfurt", Category: MajorExchange, Jurisdiction: "European Union", Subdivision: "Germany", Exchange: "DE-CIX"},
	{Name: Amsterdam, City: "Amsterdam", Category: MajorExchange, Jurisdiction: "European Union", Subdivision: "Netherlands", Exchange: "AMS-IX"},
	{Name: London, City: "London", Category: MajorExchange, Jurisdiction: "United Kingdom", Exchange: "LINX"},
	{Name: Ashburn, City: "Ashburn VA", Category: MajorExchange, Jurisdiction: "United States", Subdivision: "Federal", Exchange: "Equinix"},
	{Name: NewYork, City: "New York/NJ", Category: MajorExchange, Jurisdiction: "United States", Subdivision: "Federal", Exchange: "NYIIX"},
	{Name: Tokyo, City: "Tokyo", Category: MajorExchange, Jurisdiction: "Japan", Exchange: "JPNAP"},
	{Name: Singapore, City: "Singapore", Category: MajorExchange, Jurisdiction: "Singapore", Exchange: "SGIX"},
	{Name: HongKong, City: "Hong Kong", Category: MajorExchange, Jurisdiction: "Hong Kong SAR", Exchange: "HKIX"},
	{Name: Sydney, City: "Sydney", Category: MajorExchange, Jurisdiction: "Australia", Exchange: "IX Australia"},
	{Name: SaoPaulo, City: "São Paulo", Category: MajorExchange, Jurisdiction: "Brazil", Exchange: "IX.br"},
	// submarine cable landings
	{Name: "marseille", City: "Marseille", Category: CableLanding, Jurisdiction: "European Union", Subdivision: "France"},
	{Name: "los-angeles", City: "Los Angeles", Category: CableLanding, Jurisdiction: "United States", Subdivision: "California"},
	{Name: "seattle", City: "Seattle", Category: CableLanding, Jurisdiction: "United States", Subdivision: "Washington"},
	{Name: "miami", City: "Miami", Category: CableLanding, Jurisdiction: "United States", Subdivision: "Florida"},
	{Name: "toronto", City: "Toronto", Category: CableLanding, Jurisdiction: "Canada", Subdivision: "Ontario"},
	{Name: "dubai", City: "Dubai", Category: CableLanding, Jurisdiction: "UAE"},
	{Name: "mumbai", City: "Mumbai", Category: CableLanding, Jurisdiction: "India"},
	{Name: "chennai", City: "Chennai", Category: CableLanding, Jurisdiction: "India"},
	{Name: "fortaleza", City: "Fortaleza", Category: CableLanding, Jurisdiction: "Brazil"},
	{Name: "manila", City: "Manila", Category: CableLanding, Jurisdiction: "Philippines"},
	// strategic terrestrial crossings
	{Name: "stockholm", City: "Stockholm", Category: TerrestrialCrossing, Jurisdiction: "European Union", Subdivision: "Sweden"},
	{Name: "beijing", City: "Beijing", Category: TerrestrialCrossing, Jurisdiction: "China"},
	{Name: "warsaw", City: "Warsaw", Category: TerrestrialCrossing, Jurisdiction: "European Union", Subdivision: "Poland"},
	{Name: "istanbul", City: "Istanbul", Category: TerrestrialCrossing, Jurisdiction: "Turkey"},
	{Name: "cairo", City: "Cairo", Category: TerrestrialCrossing, Jurisdiction: "Egypt"},
	{Name: "moscow", City: "Moscow", Category: TerrestrialCrossing, Jurisdiction: "Russia"},
	{Name: "seoul", City: "Seoul", Category: TerrestrialCrossing, Jurisdiction: "South Korea"},
	{Name: "taipei", City: "Taipei", Category: TerrestrialCrossing, Jurisdiction: "Taiwan"},
	{Name: "jakarta", City: "Jakarta", Category: TerrestrialCrossing, Jurisdiction: "Indonesia"},
	{Name: "auckland", City: "Auckland", Category: TerrestrialCrossing, Jurisdiction: "New Zealand"},
	// regional internet exchanges
	{Name: "paris", City: "Paris", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "France", Exchange: "France-IX"},
	{Name: "madrid", City: "Madrid", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Spain", Exchange: "ESPANIX"},
	{Name: "milan", City: "Milan", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Italy", Exchange: "MIX"},
	{Name: "vienna", City: "Vienna", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Austria", Exchange: "VIX"},
	{Name: "prague", City: "Prague", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Czech Republic", Exchange: "NIX.CZ"},
	{Name: "copenhagen", City: "Copenhagen", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Denmark", Exchange: "Netnod"},
	{Name: "helsinki", City: "Helsinki", Category: RegionalExchange, Jurisdiction: "European Union", Subdivision: "Finland", Exchange: "FICIX"},
	{Name: "tel-aviv", City: "Tel Aviv", Category: RegionalExchange, Jurisdiction: "Israel", Exchange: "IIX"},
	{Name: "johannesburg", City: "Johannesburg", Category: RegionalExchange, Jurisdiction: "South Africa", Exchange: "NAPAfrica"},
	{Name: "lagos", City: "Lagos", Category: RegionalExchange, Jurisdiction: "Nigeria", Exchange: "IXPN"},
	// emerging strategic points
	{Name: "dublin", City: "Dublin", Category: EmergingPoint, Jurisdiction: "European Union", Subdivision: "Ireland"},
	{Name: "montreal", City: "Montreal", Category: EmergingPoint, Jurisdiction: "Canada", Subdivision: "Quebec"},
	{Name: "nairobi", City: "Nairobi", Category: EmergingPoint, Jurisdiction: "Kenya"},
	{Name: "cape-town", City: "Cape Town", Category: EmergingPoint, Jurisdiction: "South Africa"},
	{Name: "panama-city", City: "Panama City", Category: EmergingPoint, Jurisdiction: "Panama"},
	{Name: "santiago", City: "Santiago", Category: EmergingPoint, Jurisdiction: "Chile"},
	{Name: "vancouver", City: "Vancouver", Category: EmergingPoint, Jurisdiction: "Canada", Subdivision: "British Columbia"},
	{Name: "perth", City: "Perth", Category: EmergingPoint, Jurisdiction: "Australia"},
	{Name: "kuala-lumpur", City: "Kuala Lumpur", Category: EmergingPoint, Jurisdiction: "Malaysia"},
	{Name: "muscat", City: "Muscat", Category: EmergingPoint, Jurisdiction: "Oman"},
}

// Default returns the rotation a network runs on unless configured
// otherwise, the major internet exchange sites in catalog order.
func Default() []string {
	var names []string
	for _, r := range catalog {
		if r.Category == MajorExchange {
			names = append(names, r.Name)
		}
	}
	return names
}

// Catalog returns all known sites in catalog order.
func Catalog() []Region {
	return slices.Clone(catalog)
}

// Lookup returns the catalog entry of the named region.
func Lookup(name string) (Region, bool) {
	for _, r := range catalog {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Valid reports whether name is a catalog region.
func Valid(name string) bool {
	_, ok := Lookup(name)
	return ok
}
