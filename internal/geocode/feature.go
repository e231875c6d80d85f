package geocode

// Feature is a GeoJSON address feature as returned by the address API and as
// submitted with a new space.
type Feature struct {
	Properties Properties `json:"properties"`
	Geometry   Geometry   `json:"geometry"`
}

// Geometry holds a GeoJSON point. Coordinates are [lon, lat].
type Geometry struct {
	Type        string    `json:"type,omitempty"`
	Coordinates []float64 `json:"coordinates"`
}

// Properties are the address attributes of a feature.
type Properties struct {
	Label       string   `json:"label,omitempty"`
	Name        string   `json:"name,omitempty"`
	HouseNumber string   `json:"housenumber,omitempty"`
	Street      string   `json:"street,omitempty"`
	City        string   `json:"city,omitempty"`
	CityCode    string   `json:"citycode,omitempty"`
	PostCode    string   `json:"postcode,omitempty"`
	Context     string   `json:"context,omitempty"`
	Type        string   `json:"type,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Point returns the feature's longitude and latitude. It prefers the
// geometry, then x/y, then explicit longitude/latitude properties.
func (f Feature) Point() (lon, lat float64, ok bool) {
	if len(f.Geometry.Coordinates) >= 2 {
		return f.Geometry.Coordinates[0], f.Geometry.Coordinates[1], true
	}
	if f.Properties.X != nil && f.Properties.Y != nil {
		return *f.Properties.X, *f.Properties.Y, true
	}
	if f.Properties.Longitude != nil && f.Properties.Latitude != nil {
		return *f.Properties.Longitude, *f.Properties.Latitude, true
	}
	return 0, 0, false
}

// Candidate is one address match.
type Candidate struct {
	Label       string
	City        string
	CityCode    string
	PostCode    string
	Context     string
	Street      string
	HouseNumber string
	Longitude   float64
	Latitude    float64
	HasPoint    bool
}

func candidateFrom(feature Feature) Candidate {
	lon, lat, ok := feature.Point()
	return Candidate{
		Label:       feature.Properties.Label,
		City:        feature.Properties.City,
		CityCode:    feature.Properties.CityCode,
		PostCode:    feature.Properties.PostCode,
		Context:     feature.Properties.Context,
		Street:      feature.Properties.Street,
		HouseNumber: feature.Properties.HouseNumber,
		Longitude:   lon,
		Latitude:    lat,
		HasPoint:    ok,
	}
}
