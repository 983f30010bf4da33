package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hixprotocol/hix/pkg/logger"
)

const (
	defaultBroker   = "tcp://localhost:1883"
	defaultClientID = "hix-node"
	connectTimeout  = 10 * time.Second
)

// Topics maps each channel to an MQTT topic.
type Topics struct {
	Acceleration string
	Rotation     string
	Distance     string
}

// DefaultTopics returns the topics a device publishes on.
func DefaultTopics() Topics {
	return Topics{
		Acceleration: "hix/sensors/accel",
		Rotation:     "hix/sensors/gyro",
		Distance:     "hix/sensors/distance",
	}
}

// MQTTOption configures an MQTTSource.
type MQTTOption func(*MQTTSource)

// WithBroker sets the broker URL.
func WithBroker(url string) MQTTOption {
	return func(s *MQTTSource) {
		if url != "" {
			s.broker = url
		}
	}
}

// WithClientID sets the MQTT client id.
func WithClientID(id string) MQTTOption {
	return func(s *MQTTSource) {
		if id != "" {
			s.clientID = id
		}
	}
}

// WithTopics overrides the subscribed topics. Empty topics are skipped.
func WithTopics(t Topics) MQTTOption {
	return func(s *MQTTSource) {
		s.topics = t
	}
}

// MQTTSource reads JSON readings from an MQTT broker.
type MQTTSource struct {
	broker   string
	clientID string
	topics   Topics

	mu       sync.Mutex
	client   mqtt.Client
	listener Listener

	logger logger.Logger
}

// NewMQTTSource creates an unconnected MQTTSource.
func NewMQTTSource(opts ...MQTTOption) *MQTTSource {
	s := &MQTTSource{
		broker:   defaultBroker,
		clientID: defaultClientID,
		topics:   DefaultTopics(),
		logger:   logger.Get().Named("sensor.mqtt"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe connects to the broker and starts delivering readings to l.
func (s *MQTTSource) Subscribe(ctx context.Context, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return ErrSubscribed
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return fmt.Errorf("connect %s: %w", s.broker, tokenErr(token))
	}

	s.listener = l
	subs := map[string]string{
		s.topics.Acceleration: ChannelAcceleration,
		s.topics.Rotation:     ChannelRotation,
		s.topics.Distance:     ChannelDistance,
	}
	for topic, channel := range subs {
		if topic == "" {
			continue
		}
		token := client.Subscribe(topic, 0, s.handler(channel))
		token.Wait()
		if token.Error() != nil {
			client.Disconnect(0)
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		s.logger.Info(ctx, "subscribed", logger.String("topic", topic), logger.String("channel", channel))
	}

	s.client = client
	return nil
}

// Unsubscribe disconnects from the broker. No reading is delivered after it
// returns.
func (s *MQTTSource) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	s.client.Disconnect(250)
	s.client = nil
	s.listener = nil
	return nil
}

// handler decodes one message for channel and dispatches it.
func (s *MQTTSource) handler(channel string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		r, err := Decode(msg.Payload(), channel)
		if err != nil {
			s.logger.Debug(context.Background(), "dropping malformed reading",
				logger.String("topic", msg.Topic()), logger.Error(err))
			return
		}

		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l == nil {
			return
		}
		_ = Dispatch(l, r)
	}
}

func tokenErr(t mqtt.Token) error {
	if err := t.Error(); err != nil {
		return err
	}
	return fmt.Errorf("timed out after %s", connectTimeout)
}
