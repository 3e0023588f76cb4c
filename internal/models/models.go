package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Location represents a geographic coordinate
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Route is a row of the routes table
type Route struct {
	ID    string `json:"route_id"`
	Title string `json:"route_title"`
}

// Direction is a row of the directions table
type Direction struct {
	ID      string `json:"direction_id"`
	RouteID string `json:"route_id"`
	Title   string `json:"direction_title"`
	Name    string `json:"direction_name"`
}

// Stop is a row of the stops table.
// A stop keeps only the last direction it was ingested under.
type Stop struct {
	ID          string  `json:"stop_id"`
	Title       string  `json:"stop_title"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Tag         string  `json:"stop_tag"`
	DirectionID string  `json:"direction_id"`
}

// HasPosition reports whether both coordinates are known. Unknown
// coordinates are NaN and are stored as NULL.
func (s Stop) HasPosition() bool {
	return !math.IsNaN(s.Lat) && !math.IsNaN(s.Lon)
}

// JoinedStop is a stop with its direction and route columns joined in
type JoinedStop struct {
	Stop
	DirectionTitle string `json:"direction_title"`
	DirectionName  string `json:"direction_name"`
	RouteID        string `json:"route_id"`
	RouteTitle     string `json:"route_title"`
}

// NearbyStop is a joined stop ranked by distance from a query point
type NearbyStop struct {
	JoinedStop
	DistanceMeters float64 `json:"distance"`
}

// NearbyStopResponse is the API response format for a nearby stop
type NearbyStopResponse struct {
	Distance       float64 `json:"distance"`
	StopID         string  `json:"stop_id"`
	StopTitle      string  `json:"stop_title"`
	StopLat        float64 `json:"stop_lat"`
	StopLon        float64 `json:"stop_lon"`
	DirectionID    string  `json:"direction_id"`
	DirectionTitle string  `json:"direction_title"`
	DirectionName  string  `json:"direction_name"`
	RouteID        string  `json:"route_id"`
}

// ConvertToResponse converts a NearbyStop to NearbyStopResponse format
func (s *NearbyStop) ConvertToResponse() NearbyStopResponse {
	return NearbyStopResponse{
		Distance:       s.DistanceMeters,
		StopID:         s.ID,
		StopTitle:      s.Title,
		StopLat:        s.Lat,
		StopLon:        s.Lon,
		DirectionID:    s.DirectionID,
		DirectionTitle: s.DirectionTitle,
		DirectionName:  s.DirectionName,
		RouteID:        s.RouteID,
	}
}

// FeedStop is a stop as described by a routeConfig response
type FeedStop struct {
	Title  string  `json:"title"`
	StopID string  `json:"stopId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Tag    string  `json:"stop_tag"`
}

// CatalogDocument is the nested route -> directions -> stops document that
// ingestion flattens. Keys are human route labels and double as route titles.
type CatalogDocument map[string]RouteDocument

// RouteDocument is one route entry of a CatalogDocument
type RouteDocument struct {
	RouteID    *string                      `json:"route_id"`
	Directions map[string]DirectionDocument `json:"directions"`
}

// DirectionDocument is one direction of a RouteDocument
type DirectionDocument struct {
	DirectionID    string         `json:"direction_id"`
	DirectionTitle string         `json:"direction_title"`
	DirectionName  string         `json:"direction_name"`
	Stops          []StopDocument `json:"stops"`
}

// StopDocument is a stop inside a DirectionDocument. StopID is nil when the
// feed omits stopId, which happens for some timing points. Lat and Lon are
// nil when absent or null.
type StopDocument struct {
	StopID *string `json:"stopId"`
	Title  string  `json:"title"`
	Lat    *Coord  `json:"lat"`
	Lon    *Coord  `json:"lon"`
	Tag    string  `json:"stop_tag"`
}

// Coord is a coordinate that decodes from either a JSON number or a numeric
// string, since the feed carries every attribute as text. An empty string
// decodes as NaN.
type Coord float64

// NewCoord returns a pointer to f as a Coord
func NewCoord(f float64) *Coord {
	c := Coord(f)
	return &c
}

// Float returns the coordinate, or NaN when c is nil
func (c *Coord) Float() float64 {
	if c == nil {
		return math.NaN()
	}
	return float64(*c)
}

// MarshalJSON implements json.Marshaler. NaN encodes as null.
func (c Coord) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(c)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(c))
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Coord) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*c = Coord(math.NaN())
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	*c = Coord(f)
	return nil
}

// Prediction is a single arrival/departure prediction for a stop
type Prediction struct {
	Time              time.Time `json:"time"`
	Seconds           int       `json:"sec"`
	Minutes           int       `json:"min"`
	IsDeparture       bool      `json:"isDepart"`
	Branch            string    `json:"branch"`
	DirTag            string    `json:"dir_tag"`
	Vehicle           string    `json:"vehicle"`
	Block             string    `json:"block"`
	TripTag           string    `json:"tripTag"`
	AffectedByLayover bool      `json:"affectedByLayover"`
	Delayed           bool      `json:"delayed"`
}

// Vehicle is a reported vehicle position
type Vehicle struct {
	ID              string  `json:"id"`
	Route           string  `json:"route"`
	DirTag          string  `json:"dir_tag,omitempty"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	SecsSinceReport int     `json:"time"`
	Predictable     bool    `json:"predictable"`
	SpeedKmHr       float64 `json:"speed"`
	Heading         int     `json:"heading"`
}

// IngestRun records one ingestion pass
type IngestRun struct {
	ID         string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Routes     int       `json:"routes"`
	Directions int       `json:"directions"`
	Stops      int       `json:"stops"`
	Skipped    int       `json:"skipped"`
}

// CatalogCounts holds table row counts
type CatalogCounts struct {
	Routes     int `json:"routes"`
	Directions int `json:"directions"`
	Stops      int `json:"stops"`
}
