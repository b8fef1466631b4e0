package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/septivank/smartplug-ingest-worker/internal/db"
	"github.com/septivank/smartplug-ingest-worker/internal/liveness"
	"github.com/septivank/smartplug-ingest-worker/internal/metrics"
	"github.com/septivank/smartplug-ingest-worker/internal/mqtt"
	"github.com/septivank/smartplug-ingest-worker/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const threshold = 30 * time.Second

var t0 = time.Unix(0, 0)

type memoryStore struct {
	mu        sync.Mutex
	rows      []db.StoredReading
	appendErr error
	latestErr error
}

func (s *memoryStore) EnsureSchema(context.Context) error { return nil }

func (s *memoryStore) Append(_ context.Context, r db.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return &repository.StorageError{Op: "insert reading", Err: s.appendErr}
	}
	s.rows = append(s.rows, db.StoredReading{ID: int64(len(s.rows) + 1), Reading: r})
	return nil
}

func (s *memoryStore) LatestFor(_ context.Context, name string) (db.StoredReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return db.StoredReading{}, &repository.StorageError{Op: "query latest reading", Err: s.latestErr}
	}
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].FriendlyName == name {
			return s.rows[i], nil
		}
	}
	return db.StoredReading{}, repository.ErrNotFound
}

func (s *memoryStore) readings() []db.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Reading, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Reading)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu        sync.Mutex
	synthetic []bool
	err       error
}

func (p *recordingPublisher) PublishReading(_ context.Context, _ db.Reading, synthetic bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthetic = append(p.synthetic, synthetic)
	return p.err
}

type chanSource struct {
	messages chan mqtt.Message
	errors   chan error
}

func newChanSource() *chanSource {
	return &chanSource{messages: make(chan mqtt.Message, 8), errors: make(chan error, 8)}
}

func (s *chanSource) Messages() <-chan mqtt.Message { return s.messages }
func (s *chanSource) Errors() <-chan error          { return s.errors }

type fixture struct {
	store     *memoryStore
	tracker   *liveness.Tracker
	clock     *fakeClock
	publisher *recordingPublisher
	ingestor  *Ingestor
}

func newFixture(t *testing.T, pollInterval time.Duration, devices ...string) *fixture {
	t.Helper()

	f := &fixture{
		store:     &memoryStore{},
		tracker:   liveness.New(),
		clock:     &fakeClock{now: t0},
		publisher: &recordingPublisher{},
	}
	require.NoError(t, f.tracker.Initialize(devices, t0))

	f.ingestor = NewIngestor(IngestorConfig{
		Store:          f.store,
		Tracker:        f.tracker,
		Publisher:      f.publisher,
		Metrics:        metrics.New(),
		Logger:         zap.NewNop(),
		StaleThreshold: threshold,
		PollInterval:   pollInterval,
		Now:            f.clock.Now,
	})
	return f
}

func payload(name string, current, energy float64, power, voltage int) []byte {
	return []byte(fmt.Sprintf(
		`{"current":%g,"device":{"friendlyName":%q},"energy":%g,"power":%d,"state":"ON","voltage":%d}`,
		current, name, energy, power, voltage,
	))
}

func TestProcessMessage_StoresReading(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	f.clock.Set(t0.Add(5 * time.Second))

	require.NoError(t, f.ingestor.ProcessMessage(context.Background(), payload("A", 1.2, 10.0, 264, 220)))

	assert.Equal(t, []db.Reading{{FriendlyName: "A", Timestamp: 5, Current: 1.2, Energy: 10.0, Power: 264, Voltage: 220}}, f.store.readings())
	seen, _ := f.tracker.LastSeen("A")
	assert.Equal(t, t0.Add(5*time.Second), seen)
	assert.Equal(t, []bool{false}, f.publisher.synthetic)
}

func TestProcessMessage_UnknownDeviceDiscarded(t *testing.T) {
	f := newFixture(t, time.Hour, "A")

	require.NoError(t, f.ingestor.ProcessMessage(context.Background(), payload("intruder", 1, 1, 1, 230)))

	assert.Empty(t, f.store.readings())
	_, tracked := f.tracker.LastSeen("intruder")
	assert.False(t, tracked)
	assert.Equal(t, 1, f.tracker.Len())
}

func TestProcessMessage_MalformedDiscarded(t *testing.T) {
	f := newFixture(t, time.Hour, "A")

	for _, p := range []string{``, `{`, `{"device":{"friendlyName":"A"}}`, `{"current":"x","device":{"friendlyName":"A"},"energy":1,"power":1,"voltage":1}`} {
		require.NoError(t, f.ingestor.ProcessMessage(context.Background(), []byte(p)))
	}

	assert.Empty(t, f.store.readings())
	seen, _ := f.tracker.LastSeen("A")
	assert.Equal(t, t0, seen)
}

func TestProcessMessage_StorageErrorIsReturned(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	f.store.appendErr = errors.New("disk full")

	err := f.ingestor.ProcessMessage(context.Background(), payload("A", 1.2, 10.0, 264, 220))

	var storageErr *repository.StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestProcessMessage_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	f.publisher.err = errors.New("channel closed")

	require.NoError(t, f.ingestor.ProcessMessage(context.Background(), payload("A", 1.2, 10.0, 264, 220)))
	assert.Len(t, f.store.readings(), 1)
}

func TestBackfill_ClonesEnergyAndVoltage(t *testing.T) {
	f := newFixture(t, time.Hour, "A", "B")
	ctx := context.Background()

	require.NoError(t, f.ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))

	f.clock.Set(t0.Add(31 * time.Second))
	require.NoError(t, f.ingestor.Backfill(ctx))

	// B is stale too but has never reported, so only A gets a synthetic row
	assert.Equal(t, []db.Reading{
		{FriendlyName: "A", Timestamp: 0, Current: 1.2, Energy: 10.0, Power: 264, Voltage: 220},
		{FriendlyName: "A", Timestamp: 31, Current: 0, Energy: 10.0, Power: 0, Voltage: 220},
	}, f.store.readings())
	assert.Equal(t, []bool{false, true}, f.publisher.synthetic)

	seen, _ := f.tracker.LastSeen("A")
	assert.Equal(t, t0.Add(31*time.Second), seen)
	seenB, _ := f.tracker.LastSeen("B")
	assert.Equal(t, t0, seenB)
}

func TestBackfill_DoesNotRepeatImmediately(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	ctx := context.Background()

	require.NoError(t, f.ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))
	f.clock.Set(t0.Add(31 * time.Second))
	require.NoError(t, f.ingestor.Backfill(ctx))

	f.clock.Set(t0.Add(32 * time.Second))
	assert.NotContains(t, f.tracker.StaleDevices(f.clock.Now(), threshold), "A")
	require.NoError(t, f.ingestor.Backfill(ctx))

	assert.Len(t, f.store.readings(), 2)
}

func TestBackfill_FreshDevicesUntouched(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	ctx := context.Background()

	require.NoError(t, f.ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))
	f.clock.Set(t0.Add(29 * time.Second))
	require.NoError(t, f.ingestor.Backfill(ctx))

	assert.Len(t, f.store.readings(), 1)
}

func TestBackfill_StorageErrorIsReturned(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	ctx := context.Background()
	require.NoError(t, f.ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))

	f.store.latestErr = errors.New("database is locked")
	f.clock.Set(t0.Add(31 * time.Second))

	err := f.ingestor.Backfill(ctx)

	var storageErr *repository.StorageError
	require.ErrorAs(t, err, &storageErr)
	seen, _ := f.tracker.LastSeen("A")
	assert.Equal(t, t0, seen, "liveness must not be reset when backfill fails")
}

func TestBackfill_NeverReportedDeviceIsQuiet(t *testing.T) {
	f := newFixture(t, time.Hour, "A", "B")
	core, logs := observer.New(zapcore.DebugLevel)
	f.ingestor.logger = zap.New(core)
	ctx := context.Background()

	require.NoError(t, f.ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))
	f.clock.Set(t0.Add(31 * time.Second))
	require.NoError(t, f.ingestor.Backfill(ctx))

	for _, entry := range logs.All() {
		if entry.ContextMap()["friendly_name"] == "B" {
			assert.Equal(t, zapcore.DebugLevel, entry.Level, entry.Message)
		}
	}
	assert.Equal(t, 1, logs.FilterMessage("no data received for device").FilterField(zap.String("friendly_name", "A")).Len())
}

func TestBackfill_WithSQLite(t *testing.T) {
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "readings.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	store := repository.NewSQLite(sqlDB)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))

	tracker := liveness.New()
	require.NoError(t, tracker.Initialize([]string{"A", "B"}, t0))
	clock := &fakeClock{now: t0}

	ingestor := NewIngestor(IngestorConfig{
		Store:          store,
		Tracker:        tracker,
		Logger:         zap.NewNop(),
		StaleThreshold: threshold,
		PollInterval:   time.Hour,
		Now:            clock.Now,
	})

	require.NoError(t, ingestor.ProcessMessage(ctx, payload("A", 1.2, 10.0, 264, 220)))
	clock.Set(t0.Add(31 * time.Second))
	require.NoError(t, ingestor.Backfill(ctx))

	latest, err := store.LatestFor(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, db.Reading{FriendlyName: "A", Timestamp: 31, Current: 0, Energy: 10.0, Power: 0, Voltage: 220}, latest.Reading)

	_, err = store.LatestFor(ctx, "B")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func runIngestor(t *testing.T, f *fixture, source Source) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ingestor.Run(ctx, source) }()
	return cancel, done
}

func TestRun_MessageThenStaleTick(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, "A")
	source := newChanSource()
	cancel, done := runIngestor(t, f, source)
	defer cancel()

	source.messages <- mqtt.Message{Topic: "zigbee2mqtt/A", Payload: payload("A", 1.2, 10.0, 264, 220)}
	require.Eventually(t, func() bool { return len(f.store.readings()) == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Set(t0.Add(31 * time.Second))
	require.Eventually(t, func() bool { return len(f.store.readings()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	synthetic := f.store.readings()[1]
	assert.Equal(t, db.Reading{FriendlyName: "A", Timestamp: 31, Current: 0, Energy: 10.0, Power: 0, Voltage: 220}, synthetic)
}

func TestRun_BackfillsSilentDeviceWhileOthersReport(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, "A", "B")
	source := newChanSource()
	cancel, done := runIngestor(t, f, source)
	defer cancel()

	source.messages <- mqtt.Message{Topic: "zigbee2mqtt/B", Payload: payload("B", 0.5, 3.0, 110, 229)}
	require.Eventually(t, func() bool { return len(f.store.readings()) == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Set(t0.Add(31 * time.Second))

	stop := make(chan struct{})
	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case source.messages <- mqtt.Message{Topic: "zigbee2mqtt/A", Payload: payload("A", 1.2, 10.0, 264, 220)}:
				case <-stop:
					return
				}
			}
		}
	}()

	syntheticForB := func() bool {
		for _, r := range f.store.readings() {
			if r.FriendlyName == "B" && r.Timestamp == 31 {
				return true
			}
		}
		return false
	}
	assert.Eventually(t, syntheticForB, 2*time.Second, 5*time.Millisecond)

	close(stop)
	<-feederDone
	cancel()
	assert.NoError(t, <-done)

	for _, r := range f.store.readings() {
		if r.FriendlyName == "B" && r.Timestamp == 31 {
			assert.Equal(t, db.Reading{FriendlyName: "B", Timestamp: 31, Current: 0, Energy: 3.0, Power: 0, Voltage: 229}, r)
		}
	}
}

func TestRun_TransportErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	source := newChanSource()
	cancel, done := runIngestor(t, f, source)
	defer cancel()

	source.errors <- mqtt.ErrConnectionLost
	source.messages <- mqtt.Message{Payload: payload("A", 1.2, 10.0, 264, 220)}

	require.Eventually(t, func() bool { return len(f.store.readings()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRun_StorageErrorStopsLoop(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	f.store.appendErr = errors.New("disk I/O error")
	source := newChanSource()
	cancel, done := runIngestor(t, f, source)
	defer cancel()

	source.messages <- mqtt.Message{Payload: payload("A", 1.2, 10.0, 264, 220)}

	select {
	case err := <-done:
		var storageErr *repository.StorageError
		assert.ErrorAs(t, err, &storageErr)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after storage error")
	}
}

func TestRun_SourceClosed(t *testing.T) {
	f := newFixture(t, time.Hour, "A")
	source := newChanSource()
	close(source.messages)

	cancel, done := runIngestor(t, f, source)
	defer cancel()

	assert.ErrorIs(t, <-done, ErrSourceClosed)
}
