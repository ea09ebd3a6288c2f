// Package notify publishes applied phase switches to Kafka so downstream
// systems (field crews, dashboards, the switching hardware) can act on them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/segmentio/kafka-go"

	"github.com/phaserudder/phaserudder/pkg/common"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SwitchMessage is the payload written for every applied switch.
type SwitchMessage struct {
	types.SwitchEvent
	FeederID string `json:"feederID,omitempty"`
	Conflict bool   `json:"conflict"`
}

// KafkaPublisher writes switch events to a topic from a background loop.
// PublishSwitch never blocks; events are dropped when the queue is full.
type KafkaPublisher struct {
	writer   messageWriter
	feederID string
	queue    chan SwitchMessage

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Configured returns a publisher built from flags. It is disabled when no
// brokers are given.
func Configured() *KafkaPublisher {
	brokers := lflag.String("kafka-brokers", "", "Comma separated Kafka brokers for switch events (empty disables publishing)")
	topic := lflag.String("kafka-topic", "phaserudder.switches", "Kafka topic for switch events")
	feederID := lflag.String("kafka-feeder-id", "", "Feeder id added to every published event")

	p := newPublisher(nil, "", defaultQueueSize)
	lflag.Do(func() {
		var addrs []string
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				addrs = append(addrs, b)
			}
		}
		if len(addrs) == 0 {
			return
		}
		w, err := newWriter(addrs, *topic)
		if err != nil {
			panic(fmt.Sprintf("kafka publisher init failed: %v", err))
		}
		p.writer = w
		p.feederID = *feederID
	})
	return p
}

// NewKafkaPublisher returns a publisher writing to topic on brokers. Start
// must be called before events are delivered.
func NewKafkaPublisher(brokers []string, topic, feederID string) (*KafkaPublisher, error) {
	w, err := newWriter(brokers, topic)
	if err != nil {
		return nil, err
	}
	return newPublisher(w, feederID, defaultQueueSize), nil
}

func newWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: common.UserAgent()},
	}, nil
}

func newPublisher(w messageWriter, feederID string, queueSize int) *KafkaPublisher {
	return &KafkaPublisher{
		writer:   w,
		feederID: feederID,
		queue:    make(chan SwitchMessage, queueSize),
	}
}

// Enabled returns true if the publisher has somewhere to write.
func (p *KafkaPublisher) Enabled() bool {
	return p.writer != nil
}

// Start launches the delivery loop. It returns immediately.
func (p *KafkaPublisher) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.cancel = cancel
		p.wg.Add(1)
		go p.run(runCtx)
	})
}

// PublishSwitch queues an event for delivery.
func (p *KafkaPublisher) PublishSwitch(ctx context.Context, event types.SwitchEvent) {
	msg := SwitchMessage{
		SwitchEvent: event,
		FeederID:    p.feederID,
		Conflict:    strings.Contains(strings.ToUpper(event.Reason), types.ConflictMarker),
	}
	if !p.Enabled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped++
		log.Ctx(ctx).WarnContext(ctx, "switch event queue full, dropping", slog.String("eventID", event.ID))
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (p *KafkaPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			p.write(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, msg SwitchMessage) {
	value, err := json.Marshal(msg)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal switch event", slog.Any("error", err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = p.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(msg.HouseID),
		Value: value,
		Time:  msg.Timestamp,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to publish switch event",
			slog.String("eventID", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "published switch event", slog.String("eventID", msg.ID))
}

// Close delivers whatever is already queued and closes the writer.
func (p *KafkaPublisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		if p.cancel != nil {
			p.cancel()
		}
		err = p.writer.Close()
	})
	return err
}
