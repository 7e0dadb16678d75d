package eightsleep

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultDeviceInterval matches the cadence the presence heuristic was
	// tuned for: the rising/falling trend windows assume one poll a minute.
	DefaultDeviceInterval = time.Minute
	// DefaultUserInterval is how often sessions and trends are refreshed.
	// Session aggregates only move every few minutes, so polling faster
	// just burns request budget.
	DefaultUserInterval = 5 * time.Minute
)

// SessionSaver persists the session whenever it changes, so a restart can
// resume without a fresh login.
type SessionSaver interface {
	SaveSession(ctx context.Context, session Session) error
}

// StatePublisher receives per-user state after every successful device poll.
type StatePublisher interface {
	PublishState(user *User) error
}

// StatusPublisher is optionally implemented by publishers that also emit a
// per-device status message alongside the per-user state.
type StatusPublisher interface {
	PublishStatus() error
}

// CommandSubscriber is optionally implemented by publishers that accept
// inbound commands; it is attached once Start has assigned the users.
type CommandSubscriber interface {
	SubscribeCommands(ctx context.Context) error
}

// Service drives the polling cadence for a Client and fans fresh state out
// to metrics, the state publisher, and the session cache.
type Service struct {
	client  *Client
	metrics *MetricsCollector

	deviceInterval time.Duration
	userInterval   time.Duration

	saver     SessionSaver
	publisher StatePublisher

	pollErrors *prometheus.CounterVec

	lastSavedToken string
}

type ServiceOption func(*Service)

func WithMetrics(collector *MetricsCollector) ServiceOption {
	return func(s *Service) { s.metrics = collector }
}

func WithSessionSaver(saver SessionSaver) ServiceOption {
	return func(s *Service) { s.saver = saver }
}

func WithPublisher(publisher StatePublisher) ServiceOption {
	return func(s *Service) { s.publisher = publisher }
}

func WithDeviceInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.deviceInterval = d
		}
	}
}

func WithUserInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.userInterval = d
		}
	}
}

func NewService(client *Client, opts ...ServiceOption) *Service {
	s := &Service{
		client:         client,
		deviceInterval: DefaultDeviceInterval,
		userInterval:   DefaultUserInterval,
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eightsleep_poll_errors_total",
			Help: "Poll failures by kind",
		}, []string{"kind"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collectors returns every Prometheus collector the service feeds.
func (s *Service) Collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{s.pollErrors}
	if s.metrics != nil {
		collectors = append(collectors, s.metrics)
	}
	return collectors
}

// Run starts the client and polls until ctx is cancelled. The first device
// and user polls happen immediately so state is populated before the first
// scrape. A failed poll is logged and retried on the next tick; only a
// failed Start is terminal.
func (s *Service) Run(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}
	s.saveSession(ctx)

	if subscriber, ok := s.publisher.(CommandSubscriber); ok {
		if err := subscriber.SubscribeCommands(ctx); err != nil {
			log.Printf("eightsleep: command subscribe failed: %v", err)
		}
	}

	s.pollDevice(ctx)
	s.pollUsers(ctx)

	deviceTicker := time.NewTicker(s.deviceInterval)
	defer deviceTicker.Stop()
	userTicker := time.NewTicker(s.userInterval)
	defer userTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.client.Stop()
			return nil
		case <-deviceTicker.C:
			s.pollDevice(ctx)
		case <-userTicker.C:
			s.pollUsers(ctx)
		}
	}
}

func (s *Service) pollDevice(ctx context.Context) {
	err := s.client.UpdateDeviceData(ctx)
	if s.metrics != nil {
		s.metrics.MarkDevicePoll(err)
	}
	if err != nil {
		s.pollErrors.WithLabelValues("device").Inc()
		log.Printf("eightsleep: device poll failed: %v", err)
		return
	}
	s.saveSession(ctx)
	s.publish()
}

func (s *Service) pollUsers(ctx context.Context) {
	err := s.client.UpdateUserData(ctx)
	if s.metrics != nil {
		s.metrics.MarkUserPoll(err)
	}
	if err != nil {
		s.pollErrors.WithLabelValues("user").Inc()
		log.Printf("eightsleep: user poll failed: %v", err)
		return
	}
	s.saveSession(ctx)
}

// saveSession pushes the session to the saver when the token changed, which
// happens on the first login and after every transparent re-login.
func (s *Service) saveSession(ctx context.Context) {
	if s.saver == nil {
		return
	}
	session := s.client.CurrentSession()
	if session.Token == "" || session.Token == s.lastSavedToken {
		return
	}
	if err := s.saver.SaveSession(ctx, session); err != nil {
		log.Printf("eightsleep: session save failed: %v", err)
		return
	}
	s.lastSavedToken = session.Token
}

func (s *Service) publish() {
	if s.publisher == nil {
		return
	}
	for _, user := range s.client.Users() {
		if err := s.publisher.PublishState(user); err != nil {
			log.Printf("eightsleep: state publish failed: %v", err)
		}
	}
	if statusPublisher, ok := s.publisher.(StatusPublisher); ok {
		if err := statusPublisher.PublishStatus(); err != nil {
			log.Printf("eightsleep: status publish failed: %v", err)
		}
	}
}
