package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/transit"
)

type Store interface {
	GetTrip(ctx context.Context, tripID string) (*transit.Trip, error)
	LatestFix(ctx context.Context, tripID string) (*transit.Fix, error)
	LatestTripForBus(ctx context.Context, registration string) (*transit.Trip, error)
}

type RouteSource interface {
	GetRoute(ctx context.Context, routeID string) (*transit.Route, error)
}

// Service loads what Reconstruct needs. It only reads.
type Service struct {
	store   Store
	routes  RouteSource
	metrics *mmetrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(store Store, routes RouteSource, metrics *mmetrics.Collector) *Service {
	return &Service{
		store:   store,
		routes:  routes,
		metrics: metrics,
		tracer:  otel.Tracer("bustracker/progress"),
		now:     time.Now,
	}
}

func (s *Service) Current(ctx context.Context, tripID string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "progress.current", trace.WithAttributes(attribute.String("trip_id", tripID)))
	defer span.End()

	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("load trip %s: %w", tripID, err))
	}
	return s.report(ctx, span, trip)
}

// CurrentForBus reports on the bus's most recent open trip, or its most
// recent trip of any status when none is open.
func (s *Service) CurrentForBus(ctx context.Context, registration string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "progress.current_for_bus", trace.WithAttributes(attribute.String("registration", registration)))
	defer span.End()

	reg, err := transit.NormalizeRegistration(registration)
	if err != nil {
		return nil, s.fail(span, err)
	}
	trip, err := s.store.LatestTripForBus(ctx, reg)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("latest trip for %s: %w", reg, err))
	}
	span.SetAttributes(attribute.String("trip_id", trip.ID))
	return s.report(ctx, span, trip)
}

func (s *Service) report(ctx context.Context, span trace.Span, trip *transit.Trip) (*Report, error) {
	if trip.Status.Terminal() {
		s.count("completed")
		return Reconstruct(trip, nil, nil, s.now()), nil
	}
	route, err := s.routes.GetRoute(ctx, trip.RouteID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("load route %s: %w", trip.RouteID, err))
	}
	fix, err := s.store.LatestFix(ctx, trip.ID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("latest fix for %s: %w", trip.ID, err))
	}
	r := Reconstruct(trip, route, fix, s.now())
	span.SetAttributes(
		attribute.String("location.source", string(r.CurrentLocation.Source)),
		attribute.Int("upcoming_stops", len(r.UpcomingStops)),
	)
	s.count("ok")
	return r, nil
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, transit.ErrNotFound) {
		s.count("not_found")
	} else {
		s.count("error")
	}
	return err
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.ProgressQueries.WithLabelValues(result).Inc()
	}
}
