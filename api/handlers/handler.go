package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jusunglee/ttc-go/internal/feed"
	"github.com/jusunglee/ttc-go/internal/models"
	"github.com/jusunglee/ttc-go/pkg/ttc"
)

// Handler handles HTTP requests
type Handler struct {
	client         ttc.Client
	defaultNearest int
	now            func() time.Time
}

// NewHandler creates a new HTTP handler. defaultNearest is the number of
// stops returned by the closest-stops endpoint when num is omitted.
func NewHandler(client ttc.Client, defaultNearest int) *Handler {
	if defaultNearest <= 0 {
		defaultNearest = 5
	}
	return &Handler{client: client, defaultNearest: defaultNearest, now: time.Now}
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	get := []string{http.MethodGet, http.MethodOptions}

	r.HandleFunc("/health", h.handleHealth).Methods(get...)
	r.HandleFunc("/api/routes", h.handleRoutes).Methods(get...)
	r.HandleFunc("/api/routes/stops", h.handleStops).Methods(get...)
	r.HandleFunc("/api/routes/stops/lines", h.handleStopLines).Methods(get...)
	r.HandleFunc("/api/routes/stops/arrival", h.handleArrival).Methods(get...)
	r.HandleFunc("/api/routes/stops/closest", h.handleClosest).Methods(get...)
	r.HandleFunc("/api/routes/vehicles", h.handleVehicles).Methods(get...)
	r.HandleFunc("/api/routes/vehicles.pb", h.handleVehiclesProto).Methods(get...)
	r.HandleFunc("/api/vehicle", h.handleVehicle).Methods(get...)
}

// Response wraps API responses
type Response struct {
	Data    interface{} `json:"data"`
	Updated string      `json:"updated,omitempty"`
}

// ClosestResponse is the closest-stops payload: stops keyed by stop tag, and
// the tags in ascending distance order
type ClosestResponse struct {
	Data  map[string]models.NearbyStopResponse `json:"data"`
	Order []string                             `json:"order"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.client.GetCatalogStatus(r.Context())
	if err != nil {
		h.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"catalog": status,
	})
}

func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.client.GetRoutes(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}

	data := make(map[string]string, len(routes))
	for _, route := range routes {
		data[route.ID] = route.Title
	}
	h.writeData(w, data)
}

func (h *Handler) handleStops(w http.ResponseWriter, r *http.Request) {
	route, ok := h.requireParam(w, r, "r")
	if !ok {
		return
	}

	stops, err := h.client.GetStops(r.Context(), route)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeData(w, stops)
}

func (h *Handler) handleStopLines(w http.ResponseWriter, r *http.Request) {
	route, ok := h.requireParam(w, r, "r")
	if !ok {
		return
	}

	lines, err := h.client.GetStopLines(r.Context(), route)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	// Encode as [[lat, lon], ...] per line, the shape map polylines expect
	data := make([][][2]float64, len(lines))
	for i, line := range lines {
		data[i] = make([][2]float64, len(line))
		for j, pt := range line {
			data[i][j] = [2]float64{pt.Lat, pt.Lon}
		}
	}
	h.writeData(w, data)
}

func (h *Handler) handleArrival(w http.ResponseWriter, r *http.Request) {
	stopID, ok := h.requireParam(w, r, "stopid")
	if !ok {
		return
	}

	predictions, err := h.client.GetPredictions(r.Context(), stopID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeData(w, predictions)
}

func (h *Handler) handleClosest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	latStr := q.Get("lat")
	lonStr := q.Get("lon")

	if latStr == "" || lonStr == "" {
		h.writeError(w, "Missing lat/lon parameter", http.StatusBadRequest)
		return
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		h.writeError(w, "Invalid lat parameter", http.StatusBadRequest)
		return
	}

	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		h.writeError(w, "Invalid lon parameter", http.StatusBadRequest)
		return
	}

	limit := h.defaultNearest
	if numStr := q.Get("num"); numStr != "" {
		limit, err = strconv.Atoi(numStr)
		if err != nil {
			h.writeError(w, "Invalid num parameter", http.StatusBadRequest)
			return
		}
	}

	stops, err := h.client.GetClosestStops(r.Context(), lat, lon, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	resp := ClosestResponse{
		Data:  make(map[string]models.NearbyStopResponse, len(stops)),
		Order: make([]string, 0, len(stops)),
	}
	for _, stop := range stops {
		// Stops sharing a tag collapse to the nearer one
		if _, seen := resp.Data[stop.Tag]; seen {
			continue
		}
		resp.Data[stop.Tag] = stop.ConvertToResponse()
		resp.Order = append(resp.Order, stop.Tag)
	}
	h.writeJSON(w, resp)
}

func (h *Handler) handleVehicles(w http.ResponseWriter, r *http.Request) {
	route, ok := h.requireParam(w, r, "route")
	if !ok {
		return
	}

	vehicles, err := h.client.GetVehicles(r.Context(), route, time.Time{})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeData(w, vehicles)
}

func (h *Handler) handleVehiclesProto(w http.ResponseWriter, r *http.Request) {
	route, ok := h.requireParam(w, r, "route")
	if !ok {
		return
	}

	vehicles, err := h.client.GetVehicles(r.Context(), route, time.Time{})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	data, err := feed.MarshalVehicles(vehicles, h.now())
	if err != nil {
		h.writeError(w, "Failed to encode feed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(data)
}

func (h *Handler) handleVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParam(w, r, "id")
	if !ok {
		return
	}

	vehicle, err := h.client.GetVehicle(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeData(w, vehicle)
}

func (h *Handler) requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		h.writeError(w, "Missing "+name+" parameter", http.StatusBadRequest)
		return "", false
	}
	return v, true
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, Response{
		Data:    data,
		Updated: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.writeError(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeErr maps an error kind to a status code
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrUpstreamUnavailable), errors.Is(err, models.ErrMalformedDocument):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	}
	h.writeError(w, err.Error(), status)
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
