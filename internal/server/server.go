// Package server exposes the mosaic assembler over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"aerial-imagery/internal/geo"
	"aerial-imagery/internal/mosaic"
)

// Assembler is the part of the mosaic assembler the HTTP layer needs.
type Assembler interface {
	Assemble(ctx context.Context, box geo.BoundingBox) (*mosaic.Mosaic, error)
}

// Server implements the mosaic retrieval API.
type Server struct {
	assembler Assembler
	startTime time.Time
	version   string
}

// New creates a new server instance.
func New(assembler Assembler, version string) *Server {
	return &Server{
		assembler: assembler,
		startTime: time.Now(),
		version:   version,
	}
}

// Routes mounts the API handlers on a router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Post("/mosaic", s.CreateMosaic)
}

// MosaicRequest is the body of POST /mosaic.
type MosaicRequest struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	SizeMeters float64 `json:"size_meters"`
	Crop       bool    `json:"crop"`
	Format     string  `json:"format,omitempty"` // "jpeg" (default) or "png"
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
}

// ErrorResponse is the body of any non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// GetHealth implements the health check endpoint.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// CreateMosaic implements the main retrieval endpoint: it computes the
// bounding box for the requested center and size, assembles the mosaic
// at the finest available level, and answers with the encoded image.
func (s *Server) CreateMosaic(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	var req MosaicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON",
			"Invalid JSON in request body", requestID)
		return
	}

	if req.Format == "" {
		req.Format = "jpeg"
	}
	if req.Format != "jpeg" && req.Format != "png" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT",
			fmt.Sprintf("unknown format %q", req.Format), requestID)
		return
	}

	box, err := geo.ComputeBoundingBox(geo.Point{Lat: req.Lat, Lon: req.Lon}, req.SizeMeters)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), requestID)
		return
	}

	m, err := s.assembler.Assemble(r.Context(), box)
	if err != nil {
		s.handleAssemblyError(w, err, requestID)
		return
	}

	var img image.Image = m.Image
	if req.Crop {
		img = m.Crop()
	}

	var buf bytes.Buffer
	switch req.Format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to encode mosaic", requestID)
		return
	}

	if req.Format == "png" {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "image/jpeg")
	}
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Mosaic-Level", strconv.Itoa(m.Level))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// handleAssemblyError maps assembler error kinds onto HTTP statuses.
func (s *Server) handleAssemblyError(w http.ResponseWriter, err error, requestID string) {
	switch {
	case errors.Is(err, mosaic.ErrInvalidInput):
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), requestID)
	case errors.Is(err, mosaic.ErrNoImagery):
		s.writeErrorResponse(w, http.StatusNotFound, "NO_IMAGERY", err.Error(), requestID)
	case errors.Is(err, mosaic.ErrTileUnavailable):
		s.writeErrorResponse(w, http.StatusBadGateway, "TILE_UNAVAILABLE", err.Error(), requestID)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "TILE_SERVER_TIMEOUT",
			"Tile server requests timed out", requestID)
	default:
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", requestID)
	}
}

// writeErrorResponse writes a standard error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message, requestID string) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding error response: %v", err)
	}
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
