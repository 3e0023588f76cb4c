package feed

import "encoding/xml"

// body is the root element of every publicXMLFeed response
type body struct {
	XMLName     xml.Name             `xml:"body"`
	Error       *errorElement        `xml:"Error"`
	Routes      []routeElement       `xml:"route"`
	Predictions []predictionsElement `xml:"predictions"`
	Vehicles    []vehicleElement     `xml:"vehicle"`
	LastTime    *lastTimeElement     `xml:"lastTime"`
}

type errorElement struct {
	ShouldRetry bool   `xml:"shouldRetry,attr"`
	Message     string `xml:",chardata"`
}

type routeElement struct {
	Tag        string             `xml:"tag,attr"`
	Title      string             `xml:"title,attr"`
	Stops      []stopElement      `xml:"stop"`
	Directions []directionElement `xml:"direction"`
	Paths      []pathElement      `xml:"path"`
}

// stopElement is used both for full stop definitions under <route> and for
// the tag-only references under <direction>
type stopElement struct {
	Tag    string  `xml:"tag,attr"`
	Title  string  `xml:"title,attr"`
	Lat    float64 `xml:"lat,attr"`
	Lon    float64 `xml:"lon,attr"`
	StopID string  `xml:"stopId,attr"`
}

type directionElement struct {
	Tag   string        `xml:"tag,attr"`
	Title string        `xml:"title,attr"`
	Name  string        `xml:"name,attr"`
	Stops []stopElement `xml:"stop"`
}

type pathElement struct {
	Points []pointElement `xml:"point"`
}

type pointElement struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
}

type predictionsElement struct {
	RouteTag   string                      `xml:"routeTag,attr"`
	RouteTitle string                      `xml:"routeTitle,attr"`
	StopTitle  string                      `xml:"stopTitle,attr"`
	StopTag    string                      `xml:"stopTag,attr"`
	Directions []predictionDirectionElement `xml:"direction"`
}

type predictionDirectionElement struct {
	Title       string              `xml:"title,attr"`
	Predictions []predictionElement `xml:"prediction"`
}

type predictionElement struct {
	EpochTime         int64  `xml:"epochTime,attr"`
	Seconds           int    `xml:"seconds,attr"`
	Minutes           int    `xml:"minutes,attr"`
	IsDeparture       bool   `xml:"isDeparture,attr"`
	Branch            string `xml:"branch,attr"`
	DirTag            string `xml:"dirTag,attr"`
	Vehicle           string `xml:"vehicle,attr"`
	Block             string `xml:"block,attr"`
	TripTag           string `xml:"tripTag,attr"`
	AffectedByLayover bool   `xml:"affectedByLayover,attr"`
	Delayed           bool   `xml:"delayed,attr"`
}

type vehicleElement struct {
	ID              string  `xml:"id,attr"`
	RouteTag        string  `xml:"routeTag,attr"`
	DirTag          string  `xml:"dirTag,attr"`
	Lat             float64 `xml:"lat,attr"`
	Lon             float64 `xml:"lon,attr"`
	SecsSinceReport int     `xml:"secsSinceReport,attr"`
	Predictable     bool    `xml:"predictable,attr"`
	Heading         int     `xml:"heading,attr"`
	SpeedKmHr       float64 `xml:"speedKmHr,attr"`
}

type lastTimeElement struct {
	Time int64 `xml:"time,attr"`
}
