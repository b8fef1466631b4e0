package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/smartplug-ingest-worker/internal/db"
	"github.com/septivank/smartplug-ingest-worker/internal/liveness"
	"github.com/septivank/smartplug-ingest-worker/internal/logging"
	"github.com/septivank/smartplug-ingest-worker/internal/metrics"
	"github.com/septivank/smartplug-ingest-worker/internal/mqtt"
	"github.com/septivank/smartplug-ingest-worker/internal/repository"
	"github.com/septivank/smartplug-ingest-worker/internal/telemetry"
	"go.uber.org/zap"
)

// ErrSourceClosed is returned by Run when the message source closes its channel
var ErrSourceClosed = errors.New("service: message source closed")

// ReadingStore is the persistence gateway used by the ingestion loop
type ReadingStore interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, reading db.Reading) error
	LatestFor(ctx context.Context, friendlyName string) (db.StoredReading, error)
}

// EventPublisher announces stored readings downstream
type EventPublisher interface {
	PublishReading(ctx context.Context, reading db.Reading, synthetic bool) error
}

// Source delivers telemetry publishes and transport errors
type Source interface {
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// IngestorConfig holds ingestor dependencies
type IngestorConfig struct {
	Store          ReadingStore
	Tracker        *liveness.Tracker
	Publisher      EventPublisher // optional
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	StaleThreshold time.Duration
	PollInterval   time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// Ingestor runs the ingestion loop: store readings as they arrive, backfill devices that go silent.
// It is the sole owner of the tracker and must be driven from a single goroutine.
type Ingestor struct {
	store          ReadingStore
	tracker        *liveness.Tracker
	publisher      EventPublisher
	metrics        *metrics.Metrics
	logger         *zap.Logger
	staleThreshold time.Duration
	pollInterval   time.Duration
	now            func() time.Time
}

// NewIngestor creates a new ingestor
func NewIngestor(cfg IngestorConfig) *Ingestor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		store:          cfg.Store,
		tracker:        cfg.Tracker,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		staleThreshold: cfg.StaleThreshold,
		pollInterval:   cfg.PollInterval,
		now:            now,
	}
}

// Run processes messages until ctx is cancelled or a storage error occurs.
// The staleness check runs every poll interval regardless of message traffic.
func (s *Ingestor) Run(ctx context.Context, source Source) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-source.Messages():
			if !ok {
				return ErrSourceClosed
			}
			if err := s.ProcessMessage(ctx, msg.Payload); err != nil {
				return err
			}

		case err := <-source.Errors():
			s.metrics.TransportError()
			s.logger.Error("mqtt transport error, continuing", zap.Error(err))

		case <-ticker.C:
			if err := s.Backfill(ctx); err != nil {
				return err
			}
		}
	}
}

// ProcessMessage decodes one payload and stores it stamped with the current time.
// Malformed payloads and untracked devices are logged and discarded; only
// storage failures are returned.
func (s *Ingestor) ProcessMessage(ctx context.Context, payload []byte) error {
	msg, err := telemetry.Decode(payload)
	if err != nil {
		s.metrics.DecodeFailure()
		s.logger.Warn("discarding malformed telemetry", zap.Error(err), zap.Int("payload_size", len(payload)))
		return nil
	}

	now := s.now()
	name := msg.Device.FriendlyName
	devLogger := logging.WithDevice(s.logger, name)

	if err := s.tracker.Touch(name, now); err != nil {
		if errors.Is(err, liveness.ErrUnknownDevice) {
			s.metrics.UnknownDevice()
			devLogger.Warn("received data for unknown device")
			return nil
		}
		return err
	}

	reading := msg.Reading(now)
	devLogger.Info("received data",
		zap.Float64("current", reading.Current),
		zap.Float64("energy", reading.Energy),
		zap.Int("power", reading.Power),
		zap.Int("voltage", reading.Voltage),
	)

	if err := s.store.Append(ctx, reading); err != nil {
		return fmt.Errorf("failed to store reading for %s: %w", name, err)
	}
	s.metrics.ReadingStored(false)
	s.publish(ctx, reading, false, devLogger)

	return nil
}

// Backfill writes a zero-draw reading for every device silent for longer than the threshold.
// Energy and voltage are frozen at the last stored values. Devices that never reported are skipped.
func (s *Ingestor) Backfill(ctx context.Context) error {
	now := s.now()
	stale := s.tracker.StaleDevices(now, s.staleThreshold)
	s.metrics.StaleDevices(len(stale))

	for _, name := range stale {
		devLogger := logging.WithDevice(s.logger, name)

		latest, err := s.store.LatestFor(ctx, name)
		if errors.Is(err, repository.ErrNotFound) {
			devLogger.Debug("stale device has no stored reading, skipping backfill")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load latest reading for %s: %w", name, err)
		}
		devLogger.Info("no data received for device", zap.Duration("threshold", s.staleThreshold))

		synthetic := latest.Reading.Synthetic(now.Unix())
		if err := s.store.Append(ctx, synthetic); err != nil {
			return fmt.Errorf("failed to store backfill reading for %s: %w", name, err)
		}
		s.metrics.ReadingStored(true)

		if err := s.tracker.Touch(name, now); err != nil {
			return err
		}
		s.publish(ctx, synthetic, true, devLogger)
	}

	return nil
}

func (s *Ingestor) publish(ctx context.Context, reading db.Reading, synthetic bool, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}
	// Log error but don't fail: the reading is already durable
	if err := s.publisher.PublishReading(ctx, reading, synthetic); err != nil {
		logger.Error("failed to publish reading event", zap.Error(err))
	}
}
