package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustracker/internal/transit"
)

const DefaultSubjectPrefix = "bus.fixes"

// NATSPublisher pushes every stored fix to <prefix>.<registration>.<trip>.
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bustracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

type FixMessage struct {
	ID              string           `json:"id"`
	TripID          string           `json:"tripId"`
	BusRegistration string           `json:"registrationNumber"`
	Timestamp       time.Time        `json:"timestamp"`
	Position        transit.Position `json:"coordinates"`
	SpeedKmh        float64          `json:"speed"`
	Heading         float64          `json:"heading"`
	Movement        transit.Movement `json:"status"`
	Source          transit.Source   `json:"source"`
}

func (p *NATSPublisher) PublishFix(fix transit.Fix) error {
	subject := Subject(p.prefix, fix.BusRegistration, fix.TripID)
	b, err := json.Marshal(FixMessage{
		ID:              fix.ID,
		TripID:          fix.TripID,
		BusRegistration: fix.BusRegistration,
		Timestamp:       fix.Timestamp.UTC(),
		Position:        fix.Position,
		SpeedKmh:        fix.SpeedKmh,
		Heading:         fix.Heading,
		Movement:        fix.Movement,
		Source:          fix.Source,
	})
	if err != nil {
		return err
	}
	if p.logSubjects {
		slog.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject builds the subject a fix is published on.
func Subject(prefix, registration, tripID string) string {
	return fmt.Sprintf("%s.%s.%s", strings.Trim(prefix, "."), subjectToken(registration), subjectToken(tripID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
