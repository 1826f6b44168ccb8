package api

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"bustracker/internal/transit"
)

const (
	defaultTripLimit = 100
	maxTripLimit     = 1000
)

// scheduledTrip is the rider-facing view of an upcoming or running trip.
// Dates and clock times are rendered in the server's configured zone.
type scheduledTrip struct {
	TripID        string         `json:"tripId"`
	RouteID       string         `json:"routeId"`
	RouteName     string         `json:"routeName"`
	Registration  string         `json:"registrationNumber"`
	Status        transit.Status `json:"status"`
	ScheduledDate string         `json:"scheduledDate"`
	StartTime     string         `json:"startTime"`
	EndTime       string         `json:"endTime"`
	CurrentStop   string         `json:"currentStop,omitempty"`
}

func (s *Server) listTrips(c *fiber.Ctx) error {
	f, err := s.tripFilter(c)
	if err != nil {
		return err
	}
	if raw := c.Query("status"); raw != "" {
		st, err := transit.ParseStatus(raw)
		if err != nil {
			return err
		}
		f.Statuses = []transit.Status{st}
	}
	trips, err := s.Store.ListTrips(c.UserContext(), f)
	if err != nil {
		return err
	}
	if trips == nil {
		trips = []*transit.Trip{}
	}
	return c.JSON(fiber.Map{"count": len(trips), "trips": trips})
}

func (s *Server) scheduledTrips(c *fiber.Ctx) error {
	f, err := s.tripFilter(c)
	if err != nil {
		return err
	}
	f.Statuses = []transit.Status{transit.StatusScheduled, transit.StatusInProgress}
	ctx := c.UserContext()
	trips, err := s.Store.ListTrips(ctx, f)
	if err != nil {
		return err
	}

	names := make(map[string]string)
	out := make([]scheduledTrip, 0, len(trips))
	for _, t := range trips {
		name, ok := names[t.RouteID]
		if !ok {
			r, err := s.Routes.GetRoute(ctx, t.RouteID)
			switch {
			case err == nil:
				name = r.Name
			case !errors.Is(err, transit.ErrNotFound):
				return err
			}
			names[t.RouteID] = name
		}
		start, end := t.ScheduledStart.In(s.Location), t.ScheduledEnd.In(s.Location)
		out = append(out, scheduledTrip{
			TripID:        t.ID,
			RouteID:       t.RouteID,
			RouteName:     name,
			Registration:  t.BusRegistration,
			Status:        t.Status,
			ScheduledDate: start.Format(time.DateOnly),
			StartTime:     start.Format("15:04"),
			EndTime:       end.Format("15:04"),
			CurrentStop:   t.CurrentStop,
		})
	}
	return c.JSON(fiber.Map{"count": len(out), "timezone": s.Location.String(), "trips": out})
}

// tripFilter reads routeId, date and limit. A date covers that whole local day.
func (s *Server) tripFilter(c *fiber.Ctx) (transit.TripFilter, error) {
	f := transit.TripFilter{RouteID: strings.TrimSpace(c.Query("routeId"))}
	if raw := c.Query("date"); raw != "" {
		day, err := time.ParseInLocation(time.DateOnly, raw, s.Location)
		if err != nil {
			return f, badRequest("date must be YYYY-MM-DD")
		}
		f.From, f.To = day, day.AddDate(0, 0, 1)
	}
	limit, err := queryLimit(c, defaultTripLimit, maxTripLimit)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func queryLimit(c *fiber.Ctx, def, ceiling int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest("limit must be a positive integer")
	}
	return min(n, ceiling), nil
}

func (s *Server) startTrip(c *fiber.Ctx) error {
	trip, err := s.Simulations.MarkStarted(c.UserContext(), c.Params("tripId"))
	if err != nil {
		return err
	}
	slog.Info("trip marked started", "trip", trip.ID, "by", username(c))
	return c.JSON(trip)
}

func (s *Server) completeTrip(c *fiber.Ctx) error {
	trip, err := s.Simulations.MarkCompleted(c.UserContext(), c.Params("tripId"))
	if err != nil {
		return err
	}
	slog.Info("trip marked completed", "trip", trip.ID, "by", username(c))
	return c.JSON(trip)
}
