package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"bustracker/internal/transit"
)

const (
	defaultFixLimit = 100
	maxFixLimit     = 1000
)

type healthResponse struct {
	Status            string `json:"status"`
	Database          string `json:"database"`
	NATS              string `json:"nats"`
	ActiveSimulations int    `json:"activeSimulations"`
}

func (s *Server) health(c *fiber.Ctx) error {
	resp := healthResponse{Status: "ok", Database: "ok", NATS: "disabled"}
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()
	code := fiber.StatusOK
	if err := s.Store.Ping(ctx); err != nil {
		slog.Warn("health: database ping failed", "err", err)
		resp.Status, resp.Database = "degraded", "unreachable"
		code = fiber.StatusServiceUnavailable
	}
	if s.Feed != nil {
		resp.NATS = "disconnected"
		if s.Feed.Connected() {
			resp.NATS = "connected"
		}
	}
	if s.Simulations != nil {
		resp.ActiveSimulations = len(s.Simulations.Active())
	}
	return c.Status(code).JSON(resp)
}

func (s *Server) createRoute(c *fiber.Ctx) error {
	var r transit.Route
	if err := parseBody(c, &r); err != nil {
		return err
	}
	r.ID = strings.TrimSpace(r.ID)
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.Routes.CreateRoute(c.UserContext(), &r); err != nil {
		return err
	}
	slog.Info("route created", "route", r.ID, "stops", len(r.Stops), "by", username(c))
	return c.Status(fiber.StatusCreated).JSON(&r)
}

func (s *Server) getRoute(c *fiber.Ctx) error {
	r, err := s.Routes.GetRoute(c.UserContext(), c.Params("routeId"))
	if err != nil {
		return err
	}
	return c.JSON(r)
}

type createTripRequest struct {
	TripID         string    `json:"tripId"`
	RouteID        string    `json:"routeId"`
	Registration   string    `json:"registrationNumber"`
	ScheduledStart time.Time `json:"scheduledStartTime"`
	ScheduledEnd   time.Time `json:"scheduledEndTime"`
}

func (s *Server) createTrip(c *fiber.Ctx) error {
	var req createTripRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.RouteID) == "" {
		return badRequest("routeId is required")
	}
	ctx := c.UserContext()
	route, err := s.Routes.GetRoute(ctx, req.RouteID)
	if err != nil {
		return err
	}
	trip, err := transit.NewTrip(req.TripID, req.Registration, route, req.ScheduledStart, req.ScheduledEnd)
	if err != nil {
		return err
	}
	if err := s.Store.CreateTrip(ctx, trip); err != nil {
		return err
	}
	slog.Info("trip created", "trip", trip.ID, "route", trip.RouteID, "bus", trip.BusRegistration, "by", username(c))
	return c.Status(fiber.StatusCreated).JSON(trip)
}

func (s *Server) getTrip(c *fiber.Ctx) error {
	trip, err := s.Store.GetTrip(c.UserContext(), c.Params("tripId"))
	if err != nil {
		return err
	}
	return c.JSON(trip)
}

func (s *Server) simulate(c *fiber.Ctx) error {
	ack, err := s.Simulations.Start(c.UserContext(), c.Params("tripId"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(ack)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	id := c.Params("tripId")
	if err := s.Simulations.Cancel(c.UserContext(), id); err != nil {
		return err
	}
	trip, err := s.Store.GetTrip(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(trip)
}

func (s *Server) progress(c *fiber.Ctx) error {
	rep, err := s.Progress.Current(c.UserContext(), c.Params("tripId"))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) busLocation(c *fiber.Ctx) error {
	rep, err := s.Progress.CurrentForBus(c.UserContext(), c.Params("registration"))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) locations(c *fiber.Ctx) error {
	limit, err := queryLimit(c, defaultFixLimit, maxFixLimit)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	trip, err := s.Store.GetTrip(ctx, c.Params("tripId"))
	if err != nil {
		return err
	}
	fixes, err := s.Store.ListFixes(ctx, trip.ID, limit)
	if err != nil {
		return err
	}
	if fixes == nil {
		fixes = []transit.Fix{}
	}
	return c.JSON(fiber.Map{"tripId": trip.ID, "count": len(fixes), "locations": fixes})
}

type locationRequest struct {
	TripID      string            `json:"tripId"`
	Coordinates *transit.Position `json:"coordinates"`
	Speed       float64           `json:"speed"`
	Heading     float64           `json:"heading"`
	Status      transit.Movement  `json:"status"`
	Source      transit.Source    `json:"source"`
	Timestamp   *time.Time        `json:"timestamp"`
}

func (r *locationRequest) validate() error {
	if strings.TrimSpace(r.TripID) == "" {
		return badRequest("tripId is required")
	}
	if r.Coordinates == nil {
		return badRequest("coordinates are required as [lon, lat]")
	}
	if err := r.Coordinates.Validate(); err != nil {
		return err
	}
	if r.Speed < 0 {
		return badRequest("speed must not be negative")
	}
	if r.Heading < 0 || r.Heading >= 360 {
		return badRequest("heading must be in [0, 360)")
	}
	switch r.Status {
	case "":
		r.Status = transit.MovementMoving
	case transit.MovementMoving, transit.MovementStopped:
	default:
		return badRequest(fmt.Sprintf("status %q: want moving or stopped", r.Status))
	}
	// simulation fixes only come from the engine
	switch r.Source {
	case "":
		r.Source = transit.SourceGPS
	case transit.SourceGPS, transit.SourceManual:
	default:
		return badRequest(fmt.Sprintf("source %q: want gps or manual", r.Source))
	}
	return nil
}

func (s *Server) recordLocation(c *fiber.Ctx) error {
	var req locationRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	ctx := c.UserContext()
	trip, err := s.Store.GetTrip(ctx, req.TripID)
	if err != nil {
		return err
	}
	if trip.Status.Terminal() {
		return fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, transit.ErrAlreadyTerminal)
	}

	ts := s.now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	fix := transit.Fix{
		ID:              uuid.NewString(),
		BusRegistration: trip.BusRegistration,
		TripID:          trip.ID,
		Timestamp:       ts,
		Position:        *req.Coordinates,
		SpeedKmh:        req.Speed,
		Heading:         req.Heading,
		Movement:        req.Status,
		Source:          req.Source,
	}
	if err := s.Store.AppendFix(ctx, fix); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.Fixes.WithLabelValues(string(fix.Source)).Inc()
	}
	if s.Feed != nil {
		if err := s.Feed.PublishFix(fix); err != nil {
			slog.Warn("publish fix failed", "trip", fix.TripID, "err", err)
		}
	}
	return c.Status(fiber.StatusCreated).JSON(fix)
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

func username(c *fiber.Ctx) string {
	if cl := claimsFrom(c); cl != nil {
		return cl.Username
	}
	return ""
}
