// Package mqttsink publishes sensor readings to an MQTT broker.
//
// Readings go to <prefix>/reading/<sensor> as JSON. The sink announces
// itself on <prefix>/status with a retained online message and leaves a
// last will so subscribers see it go offline on a crash.
package mqttsink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/arloliu/go-sdi12/internal/pool"
	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/poller"
)

var (
	ErrNotConnected     = errors.New("mqttsink: client not connected")
	ErrConnectionFailed = errors.New("mqttsink: connection failed")
	ErrPublishFailed    = errors.New("mqttsink: publish failed")
	ErrInvalidConfig    = errors.New("mqttsink: invalid config")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// Config is the broker connection and topic layout.
type Config struct {
	Host        string
	Port        int
	ClientID    string
	Username    string
	Password    string
	TLS         bool
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// Validate checks cfg for missing or out of range fields.
func (cfg Config) Validate() error {
	switch {
	case cfg.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	case cfg.Port < 1 || cfg.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	case cfg.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	case cfg.TopicPrefix == "":
		return fmt.Errorf("%w: topic prefix is required", ErrInvalidConfig)
	case cfg.QoS > maxQoS:
		return fmt.Errorf("%w: qos %d", ErrInvalidConfig, cfg.QoS)
	}

	return nil
}

// ReadingTopic returns the topic readings of sensor are published to.
func (cfg Config) ReadingTopic(sensor string) string {
	return fmt.Sprintf("%s/reading/%s", cfg.TopicPrefix, sensor)
}

// StatusTopic returns the topic of the sink's online status.
func (cfg Config) StatusTopic() string {
	return cfg.TopicPrefix + "/status"
}

// Sink is a poller.Sink publishing to MQTT.
type Sink struct {
	client pahomqtt.Client
	cfg    Config
	logger logger.Logger
}

var _ poller.Sink = (*Sink)(nil)

// Connect connects to the broker described by cfg.
func Connect(cfg Config, l logger.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := buildClientOptions(cfg)
	opts.SetWill(cfg.StatusTopic(), statusPayload(cfg.ClientID, "offline", "unexpected_disconnect"), 1, true)

	s := newSink(nil, cfg, l)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { s.publishStatus("online", "") })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn("connection lost", "error", err)
	})
	s.client = pahomqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s.logger.Info("connected", "broker", brokerURL(cfg))

	return s, nil
}

func newSink(client pahomqtt.Client, cfg Config, l logger.Logger) *Sink {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Sink{client: client, cfg: cfg, logger: l.With("component", "mqttsink")}
}

func brokerURL(cfg Config) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return opts
}

// payload is the JSON body of a reading message.
type payload struct {
	Sensor  string    `json:"sensor"`
	Address string    `json:"address"`
	Time    time.Time `json:"time"`
	Values  []float64 `json:"values"`
	Result  string    `json:"result"`
	Error   string    `json:"error,omitempty"`
}

func encodeReading(r poller.Reading) ([]byte, error) {
	p := payload{
		Sensor:  r.Sensor,
		Address: r.Address.String(),
		Time:    r.Time.UTC(),
		Values:  r.Values,
		Result:  r.Result.String(),
	}
	if p.Values == nil {
		p.Values = []float64{}
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}

	return json.Marshal(p)
}

// Publish sends r to its reading topic and waits for the broker to accept it.
func (s *Sink) Publish(ctx context.Context, r poller.Reading) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}

	body, err := encodeReading(r)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublishFailed, err)
	}

	token := s.client.Publish(s.cfg.ReadingTopic(r.Sensor), s.cfg.QoS, s.cfg.Retain, body)

	timer := pool.GetTimer(defaultPublishTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// Close announces a graceful shutdown and disconnects.
func (s *Sink) Close() error {
	if s.client.IsConnected() {
		token := s.publishStatus("offline", "graceful_shutdown")
		token.WaitTimeout(defaultPublishTimeout)
	}
	s.client.Disconnect(defaultDisconnectQuiesce)

	return nil
}

func (s *Sink) publishStatus(status, reason string) pahomqtt.Token {
	return s.client.Publish(s.cfg.StatusTopic(), 1, true, statusPayload(s.cfg.ClientID, status, reason))
}

func statusPayload(clientID, status, reason string) string {
	body, _ := json.Marshal(struct {
		Status    string `json:"status"`
		ClientID  string `json:"client_id"`
		Reason    string `json:"reason,omitempty"`
		Timestamp string `json:"timestamp"`
	}{status, clientID, reason, time.Now().UTC().Format(time.RFC3339)})

	return string(body)
}
