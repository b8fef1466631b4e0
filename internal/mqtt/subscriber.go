package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/smartplug-ingest-worker/internal/config"
	"go.uber.org/zap"
)

const (
	// messageBuffer is the hand-off queue between paho and the ingest loop
	messageBuffer = 30
	errorBuffer   = 8
)

// Message is one publish received on a device topic
type Message struct {
	Topic   string
	Payload []byte
}

// Subscriber receives telemetry for every tracked device.
//
// Paho invokes handlers on its own goroutine; Subscriber hands each publish
// over a buffered channel so a single consumer can process them in order.
// Connection-level failures, including an unreachable broker at startup, are
// reported on Errors() and never close the message channel.
type Subscriber struct {
	client pahomqtt.Client
	topics []string
	logger *zap.Logger

	messages chan Message
	errors   chan error
	done     chan struct{}

	retryInterval time.Duration
	closeOnce     sync.Once
}

// NewSubscriber prepares a subscriber for one topic per device; it does not connect
func NewSubscriber(cfg config.MQTTConfig, clientID string, devices []string, logger *zap.Logger) *Subscriber {
	topics := make([]string, 0, len(devices))
	for _, device := range devices {
		topics = append(topics, cfg.DeviceTopic(device))
	}

	s := &Subscriber{
		topics:   topics,
		logger:   logger,
		messages: make(chan Message, messageBuffer),
		errors:   make(chan error, errorBuffer),
		done:     make(chan struct{}),

		retryInterval: connectRetryInterval,
	}

	opts := buildClientOptions(cfg, clientID)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.reportError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.logger.Info("reconnecting to mqtt broker")
	})

	s.client = pahomqtt.NewClient(opts)
	return s
}

// Start connects in the background and returns immediately.
// Failed attempts are reported on Errors() as ErrConnectionFailed and retried
// until the broker answers or Close is called. Device topics are subscribed
// from the OnConnect handler, so the first connect and every reconnect share one path.
func (s *Subscriber) Start() {
	go s.connectLoop()
}

func (s *Subscriber) connectLoop() {
	for {
		token := s.client.Connect()
		select {
		case <-token.Done():
		case <-s.done:
			return
		}

		err := token.Error()
		if err == nil {
			// Close may have run while the attempt was in flight
			select {
			case <-s.done:
				s.client.Disconnect(disconnectQuiesceMillis)
			default:
			}
			return
		}
		s.reportError(fmt.Errorf("%w: %w", ErrConnectionFailed, err))

		select {
		case <-time.After(s.retryInterval):
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) subscribeAll() error {
	for _, topic := range s.topics {
		token := s.client.Subscribe(topic, QoSExactlyOnce, s.onMessage)
		if !token.WaitTimeout(defaultSubscribeTimeout) {
			return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, defaultSubscribeTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		s.logger.Debug("subscribed to topic", zap.String("topic", topic))
	}
	return nil
}

// handleConnect subscribes every device topic; the clean session drops them on each connect
func (s *Subscriber) handleConnect() {
	s.logger.Info("connected to mqtt broker, subscribing", zap.Int("topics", len(s.topics)))
	if err := s.subscribeAll(); err != nil {
		s.reportError(err)
	}
}

func (s *Subscriber) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	m := Message{Topic: msg.Topic(), Payload: msg.Payload()}
	select {
	case s.messages <- m:
	case <-s.done:
	}
}

func (s *Subscriber) reportError(err error) {
	select {
	case s.errors <- err:
	default:
		s.logger.Error("dropping mqtt error, consumer is behind", zap.Error(err))
	}
}

// Messages returns the channel of received publishes
func (s *Subscriber) Messages() <-chan Message {
	return s.messages
}

// Errors returns the channel of transport errors
func (s *Subscriber) Errors() <-chan error {
	return s.errors
}

// Topics returns the subscribed topics in device order
func (s *Subscriber) Topics() []string {
	return s.topics
}

// Close disconnects from the broker. Pending handler deliveries are abandoned.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(disconnectQuiesceMillis)
		}
	})
}
