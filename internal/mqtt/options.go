package mqtt

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/septivank/smartplug-ingest-worker/internal/config"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultSubscribeTimeout = 5 * time.Second
	defaultKeepAlive        = 30 * time.Second
	maxReconnectInterval    = time.Minute
	connectRetryInterval    = 5 * time.Second

	// disconnectQuiesceMillis is how long Disconnect waits for in-flight work.
	disconnectQuiesceMillis = 250

	// QoSExactlyOnce is the delivery level requested for every device topic.
	QoSExactlyOnce byte = 2

	tlsMinVersion = tls.VersionTLS12
)

// NewClientID returns a client id unique to this process, e.g. "smartplug-ingest-worker-1f0c2a9b"
func NewClientID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// brokerURL normalises the configured server into a paho broker URL.
// "mqtt://host" and bare "host" map to tcp, "mqtts://host" to ssl.
func brokerURL(server string, port int) string {
	scheme := "tcp"
	host := server
	if i := strings.Index(server, "://"); i >= 0 {
		host = server[i+3:]
		switch strings.ToLower(server[:i]) {
		case "mqtts", "ssl", "tls":
			scheme = "ssl"
		case "ws":
			scheme = "ws"
		case "wss":
			scheme = "wss"
		}
	}
	host = strings.TrimSuffix(host, "/")
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	broker := brokerURL(cfg.Server, cfg.Port)
	opts.AddBroker(broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// subscriptions are restored by the OnConnect handler after a reconnect
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(true)

	if strings.HasPrefix(broker, "ssl://") || strings.HasPrefix(broker, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}
