package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jusunglee/ttc-go/internal/models"
)

// DefaultBaseURL is the TTC publicXMLFeed endpoint
const DefaultBaseURL = "https://retro.umoiq.com/service/publicXMLFeed"

// Options configures a Client
type Options struct {
	BaseURL       string
	Agency        string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	Concurrency   int
}

// Client fetches and parses the publicXMLFeed
type Client struct {
	baseURL       string
	agency        string
	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
	concurrency   int
}

// NewClient creates a feed client. Zero fields in opts get defaults.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Agency == "" {
		opts.Agency = "ttc"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Client{
		baseURL: opts.BaseURL,
		agency:  opts.Agency,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		concurrency:   opts.Concurrency,
	}
}

// Routes returns every route of the agency in feed order
func (c *Client) Routes(ctx context.Context) ([]models.Route, error) {
	b, err := c.fetch(ctx, "routeList", nil)
	if err != nil {
		return nil, err
	}

	routes := make([]models.Route, 0, len(b.Routes))
	for _, r := range b.Routes {
		routes = append(routes, models.Route{ID: r.Tag, Title: r.Title})
	}
	return routes, nil
}

func (c *Client) routeConfig(ctx context.Context, route string, terse bool) (*routeElement, error) {
	params := url.Values{"r": {route}}
	if terse {
		// terse drops the path points, which stop lookups don't need
		params.Set("terse", "")
	}
	b, err := c.fetch(ctx, "routeConfig", params)
	if err != nil {
		return nil, err
	}
	if len(b.Routes) == 0 {
		return nil, fmt.Errorf("%w: route %s", models.ErrNotFound, route)
	}
	return &b.Routes[0], nil
}

// Stops returns the stops of a route keyed by stop tag
func (c *Client) Stops(ctx context.Context, route string) (map[string]models.FeedStop, error) {
	r, err := c.routeConfig(ctx, route, true)
	if err != nil {
		return nil, err
	}
	return stopsByTag(r), nil
}

func stopsByTag(r *routeElement) map[string]models.FeedStop {
	stops := make(map[string]models.FeedStop, len(r.Stops))
	for _, s := range r.Stops {
		stops[s.Tag] = models.FeedStop{
			Title:  s.Title,
			StopID: s.StopID,
			Lat:    s.Lat,
			Lon:    s.Lon,
			Tag:    s.Tag,
		}
	}
	return stops
}

// RouteDirectionsAndStops returns the route with each direction's stops
// resolved against the route's stop list. Direction stop references with no
// matching stop are dropped.
func (c *Client) RouteDirectionsAndStops(ctx context.Context, route string) (models.RouteDocument, error) {
	r, err := c.routeConfig(ctx, route, true)
	if err != nil {
		return models.RouteDocument{}, err
	}
	return routeDocument(route, r), nil
}

func routeDocument(route string, r *routeElement) models.RouteDocument {
	routeID := route
	doc := models.RouteDocument{
		RouteID:    &routeID,
		Directions: make(map[string]models.DirectionDocument, len(r.Directions)),
	}

	stops := stopsByTag(r)
	for _, d := range r.Directions {
		dir := models.DirectionDocument{
			DirectionID:    d.Tag,
			DirectionTitle: d.Title,
			DirectionName:  d.Name,
			Stops:          []models.StopDocument{},
		}
		for _, ref := range d.Stops {
			s, ok := stops[ref.Tag]
			if !ok {
				continue
			}
			sd := models.StopDocument{
				Title: s.Title,
				Lat:   models.NewCoord(s.Lat),
				Lon:   models.NewCoord(s.Lon),
				Tag:   s.Tag,
			}
			if s.StopID != "" {
				id := s.StopID
				sd.StopID = &id
			}
			dir.Stops = append(dir.Stops, sd)
		}
		doc.Directions[d.Tag] = dir
	}
	return doc
}

// Paths returns the polylines that draw a route
func (c *Client) Paths(ctx context.Context, route string) ([][]models.Location, error) {
	r, err := c.routeConfig(ctx, route, false)
	if err != nil {
		return nil, err
	}

	paths := make([][]models.Location, 0, len(r.Paths))
	for _, p := range r.Paths {
		line := make([]models.Location, 0, len(p.Points))
		for _, pt := range p.Points {
			line = append(line, models.Location{Lat: pt.Lat, Lon: pt.Lon})
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// Predictions returns arrival predictions for a stop keyed by route title
func (c *Client) Predictions(ctx context.Context, stopID string) (map[string][]models.Prediction, error) {
	b, err := c.fetch(ctx, "predictions", url.Values{"stopId": {stopID}})
	if err != nil {
		return nil, err
	}

	predictions := make(map[string][]models.Prediction, len(b.Predictions))
	for _, ps := range b.Predictions {
		list := predictions[ps.RouteTitle]
		if list == nil {
			list = []models.Prediction{}
		}
		for _, d := range ps.Directions {
			for _, p := range d.Predictions {
				list = append(list, models.Prediction{
					Time:              time.UnixMilli(p.EpochTime).UTC(),
					Seconds:           p.Seconds,
					Minutes:           p.Minutes,
					IsDeparture:       p.IsDeparture,
					Branch:            p.Branch,
					DirTag:            p.DirTag,
					Vehicle:           p.Vehicle,
					Block:             p.Block,
					TripTag:           p.TripTag,
					AffectedByLayover: p.AffectedByLayover,
					Delayed:           p.Delayed,
				})
			}
		}
		predictions[ps.RouteTitle] = list
	}
	return predictions, nil
}

func toVehicle(v vehicleElement) models.Vehicle {
	return models.Vehicle{
		ID:              v.ID,
		Route:           v.RouteTag,
		DirTag:          v.DirTag,
		Lat:             v.Lat,
		Lon:             v.Lon,
		SecsSinceReport: v.SecsSinceReport,
		Predictable:     v.Predictable,
		SpeedKmHr:       v.SpeedKmHr,
		Heading:         v.Heading,
	}
}

// Vehicle returns the last reported position of one vehicle
func (c *Client) Vehicle(ctx context.Context, id string) (models.Vehicle, error) {
	b, err := c.fetch(ctx, "vehicleLocation", url.Values{"v": {id}})
	if err != nil {
		return models.Vehicle{}, err
	}
	if len(b.Vehicles) == 0 {
		return models.Vehicle{}, fmt.Errorf("%w: vehicle %s", models.ErrNotFound, id)
	}
	return toVehicle(b.Vehicles[0]), nil
}

// Vehicles returns the vehicles on a route that reported after since, keyed
// by vehicle id. A zero since asks for every recent report.
func (c *Client) Vehicles(ctx context.Context, route string, since time.Time) (map[string]models.Vehicle, error) {
	var t int64
	if !since.IsZero() {
		t = since.UnixMilli()
	}
	b, err := c.fetch(ctx, "vehicleLocations", url.Values{
		"r": {route},
		"t": {strconv.FormatInt(t, 10)},
	})
	if err != nil {
		return nil, err
	}

	vehicles := make(map[string]models.Vehicle, len(b.Vehicles))
	for _, v := range b.Vehicles {
		vehicles[v.ID] = toVehicle(v)
	}
	return vehicles, nil
}

// CatalogDocument fetches directions and stops for every route concurrently
// and assembles them into a document keyed by route title. Keys are assigned
// in the order of routes: a route whose title is empty or already taken
// falls back to its tag, then to "title (tag)". A route that fails to load
// is logged and left out; the call fails only when no route loads or ctx is
// done.
func (c *Client) CatalogDocument(ctx context.Context, routes []models.Route) (models.CatalogDocument, error) {
	var (
		mu      sync.Mutex
		results = make([]*models.RouteDocument, len(routes))
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, route := range routes {
		i, route := i, route
		g.Go(func() error {
			rd, err := c.RouteDirectionsAndStops(gctx, route.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("Failed to fetch route config", "route", route.ID, "error", err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			results[i] = &rd
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc := make(models.CatalogDocument, len(routes))
	for i, route := range routes {
		if results[i] == nil {
			continue
		}
		key := documentKey(doc, route)
		if key == "" {
			slog.Warn("Dropping route with no free document key", "route", route.ID, "title", route.Title)
			continue
		}
		doc[key] = *results[i]
	}

	if len(doc) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return doc, nil
}

// documentKey picks the first unused key for route, or "" if every
// candidate is taken
func documentKey(doc models.CatalogDocument, route models.Route) string {
	candidates := []string{route.Title, route.ID}
	if route.Title != "" {
		candidates = append(candidates, route.Title+" ("+route.ID+")")
	}
	for _, key := range candidates {
		if key == "" {
			continue
		}
		if _, taken := doc[key]; !taken {
			return key
		}
	}
	return ""
}

// RouteIDs returns the ids of routes, sorted
func RouteIDs(routes []models.Route) []string {
	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return ids
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// fetch issues one feed command and decodes the body, retrying transient
// failures with exponential backoff
func (c *Client) fetch(ctx context.Context, command string, params url.Values) (*body, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("command", command)
	q.Set("a", c.agency)
	u := c.baseURL + "?" + q.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	var policy backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)

	var result *body
	op := func() error {
		b, err := c.fetchOnce(ctx, u)
		if err != nil {
			return err
		}
		result = b
		return nil
	}
	notify := func(err error, d time.Duration) {
		slog.Warn("Feed request failed, retrying", "command", command, "backoff", d, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, models.ErrMalformedDocument) || errors.Is(err, models.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", models.ErrUpstreamUnavailable, command, err)
	}
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, u string) (*body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := &statusError{code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err))
	}

	var b body
	if err := xml.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %w", models.ErrMalformedDocument, err))
	}

	if b.Error != nil {
		err := fmt.Errorf("%w: feed error: %s", models.ErrUpstreamUnavailable, strings.TrimSpace(b.Error.Message))
		if b.Error.ShouldRetry {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	return &b, nil
}
