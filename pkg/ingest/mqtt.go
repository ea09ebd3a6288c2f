// Package ingest feeds house telemetry from an MQTT broker into the engine
// and answers each reading with the phase the house should be on.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

const connectTimeout = 10 * time.Second

// Submitter accepts telemetry. It is implemented by the controller.
type Submitter interface {
	SubmitTelemetry(ctx context.Context, t types.Telemetry) (types.Phase, types.CycleStatus, error)
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PhaseReply is published after every accepted reading.
type PhaseReply struct {
	HouseID string      `json:"houseID"`
	Phase   types.Phase `json:"phase"`
	Switch  bool        `json:"switch"`
}

// Config describes the broker and topics.
type Config struct {
	Broker   string
	ClientID string
	// Topic may end in a wildcard, in which case the last topic level is
	// used as the house id when the payload doesn't carry one.
	Topic string
	// ReplyPrefix is followed by "/{houseID}". Empty disables replies.
	ReplyPrefix string
}

// Subscriber consumes telemetry from MQTT.
type Subscriber struct {
	cfg    Config
	client mqtt.Client
	submit Submitter
	reply  publisher
}

// Configured returns a Subscriber built from flags. It is disabled when no
// broker is given.
func Configured() *Subscriber {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL for telemetry, e.g. tcp://localhost:1883 (empty disables MQTT)")
	clientID := lflag.String("mqtt-client-id", "phaserudder", "MQTT client id")
	topic := lflag.String("mqtt-topic", "phaserudder/telemetry/+", "MQTT topic to subscribe to for telemetry")
	replyPrefix := lflag.String("mqtt-reply-prefix", "phaserudder/phase", "MQTT topic prefix for phase replies (empty disables replies)")

	s := &Subscriber{}
	lflag.Do(func() {
		s.cfg = Config{
			Broker:      *broker,
			ClientID:    *clientID,
			Topic:       *topic,
			ReplyPrefix: *replyPrefix,
		}
	})
	return s
}

// NewSubscriber returns a Subscriber for cfg.
func NewSubscriber(cfg Config) *Subscriber {
	return &Subscriber{cfg: cfg}
}

// Enabled returns true if a broker is configured.
func (s *Subscriber) Enabled() bool {
	return s.cfg.Broker != ""
}

// Start connects to the broker and subscribes. Messages are handled until
// Close is called.
func (s *Subscriber) Start(ctx context.Context, submit Submitter) error {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.Topic == "" {
		return errors.New("mqtt topic must not be empty")
	}
	s.submit = submit

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			// subscriptions don't survive a reconnect with a clean session
			if err := s.subscribe(ctx, c); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to resubscribe", slog.Any("error", err))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	s.client = client
	s.reply = client

	log.Ctx(ctx).InfoContext(ctx, "mqtt subscriber started", slog.String("broker", s.cfg.Broker), slog.String("topic", s.cfg.Topic))
	return nil
}

func (s *Subscriber) subscribe(ctx context.Context, c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(ctx, msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// handle decodes one message, submits it and publishes the reply.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) {
	t, err := decode(topic, payload)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping telemetry message", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	ctx = log.WithHouse(ctx, t.HouseID)

	phase, status, err := s.submit.SubmitTelemetry(ctx, t)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "telemetry rejected", slog.Any("error", err))
		return
	}
	if status.PersistError != "" {
		log.Ctx(ctx).WarnContext(ctx, "telemetry accepted but not persisted", slog.String("error", status.PersistError))
	}

	if s.reply == nil || s.cfg.ReplyPrefix == "" {
		return
	}
	reply := PhaseReply{
		HouseID: t.HouseID,
		Phase:   phase,
		Switch:  status.Recommendation != nil && status.Recommendation.HouseID == t.HouseID,
	}
	b, err := json.Marshal(reply)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal phase reply", slog.Any("error", err))
		return
	}
	token := s.reply.Publish(s.cfg.ReplyPrefix+"/"+t.HouseID, 1, true, b)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish phase reply", slog.Any("error", err))
		}
	}()
}

// decode parses a telemetry payload. A missing house id is taken from the
// last topic level.
func decode(topic string, payload []byte) (types.Telemetry, error) {
	var t types.Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("%w: %w", types.ErrInvalidTelemetry, err)
	}
	if t.HouseID == "" {
		if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
			t.HouseID = topic[i+1:]
		}
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
