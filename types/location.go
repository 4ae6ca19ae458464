package types

// PointType is the only GeoJSON geometry type stored for users.
const PointType = "Point"

// Location is a GeoJSON point. Coordinates are ordered [longitude, latitude].
type Location struct {
	// Type is the GeoJSON geometry type. Always "Point".
	Type string `json:"type" bson:"type" validate:"omitempty,eq=Point"`

	// Coordinates holds exactly two values: longitude then latitude.
	Coordinates []float64 `json:"coordinates" bson:"coordinates" validate:"omitempty,len=2,lonlat"`
}

// NewPoint builds a Location from a longitude/latitude pair.
func NewPoint(lon, lat float64) *Location {
	return &Location{Type: PointType, Coordinates: []float64{lon, lat}}
}

// Complete reports whether the location carries a usable coordinate pair.
func (l *Location) Complete() bool {
	return l != nil && len(l.Coordinates) == 2
}

// Lon returns the longitude. It panics if the location is incomplete.
func (l *Location) Lon() float64 {
	return l.Coordinates[0]
}

// Lat returns the latitude. It panics if the location is incomplete.
func (l *Location) Lat() float64 {
	return l.Coordinates[1]
}
