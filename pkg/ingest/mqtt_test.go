package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/phaserudder/phaserudder/pkg/types"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SubmitTelemetry(ctx context.Context, t types.Telemetry) (types.Phase, types.CycleStatus, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(types.Phase), args.Get(1).(types.CycleStatus), args.Error(2)
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func TestDecode(t *testing.T) {
	tel, err := decode("phaserudder/telemetry/h1", []byte(`{"phase":"L2","voltage":231.5,"current":4.2,"powerKW":0.97}`))
	require.NoError(t, err)
	assert.Equal(t, types.Telemetry{HouseID: "h1", Phase: "L2", Voltage: 231.5, Current: 4.2, PowerKW: 0.97}, tel)

	tel, err = decode("phaserudder/telemetry/h1", []byte(`{"houseID":"h9","phase":"L1","powerKW":-1}`))
	require.NoError(t, err)
	assert.Equal(t, "h9", tel.HouseID)

	_, err = decode("phaserudder/telemetry/", []byte(`{"phase":"L1"}`))
	assert.ErrorIs(t, err, types.ErrInvalidTelemetry)

	_, err = decode("phaserudder/telemetry/h1", []byte(`not json`))
	assert.ErrorIs(t, err, types.ErrInvalidTelemetry)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("submits and replies", func(t *testing.T) {
		sub := &mockSubmitter{}
		sub.On("SubmitTelemetry", mock.Anything, types.Telemetry{HouseID: "h1", Phase: "L1", PowerKW: 2}).
			Return(types.PhaseL2, types.CycleStatus{
				Recommendation: &types.RecommendedSwitch{HouseID: "h1", ToPhase: types.PhaseL2},
			}, nil).Once()
		pub := &fakePublisher{}
		s := NewSubscriber(Config{Topic: "t/+", ReplyPrefix: "phase"})
		s.submit = sub
		s.reply = pub

		s.handle(ctx, "t/h1", []byte(`{"phase":"L1","powerKW":2}`))
		sub.AssertExpectations(t)

		pub.mu.Lock()
		defer pub.mu.Unlock()
		require.Len(t, pub.msgs, 1)
		assert.Equal(t, "phase/h1", pub.msgs[0].topic)
		assert.True(t, pub.msgs[0].retained)
		var reply PhaseReply
		require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &reply))
		assert.Equal(t, PhaseReply{HouseID: "h1", Phase: types.PhaseL2, Switch: true}, reply)
	})

	t.Run("rejected telemetry gets no reply", func(t *testing.T) {
		sub := &mockSubmitter{}
		sub.On("SubmitTelemetry", mock.Anything, mock.Anything).
			Return(types.Phase(""), types.CycleStatus{}, types.ErrInvalidPhase).Once()
		pub := &fakePublisher{}
		s := NewSubscriber(Config{Topic: "t/+", ReplyPrefix: "phase"})
		s.submit = sub
		s.reply = pub

		s.handle(ctx, "t/h1", []byte(`{"phase":"L7","powerKW":2}`))
		sub.AssertExpectations(t)
		assert.Empty(t, pub.msgs)
	})

	t.Run("bad payload is dropped", func(t *testing.T) {
		sub := &mockSubmitter{}
		s := NewSubscriber(Config{Topic: "t/+"})
		s.submit = sub
		s.handle(ctx, "t/h1", []byte(`{`))
		sub.AssertNotCalled(t, "SubmitTelemetry", mock.Anything, mock.Anything)
	})

	t.Run("replies disabled", func(t *testing.T) {
		sub := &mockSubmitter{}
		sub.On("SubmitTelemetry", mock.Anything, mock.Anything).
			Return(types.PhaseL1, types.CycleStatus{PersistError: errors.New("boom").Error()}, nil).Once()
		pub := &fakePublisher{}
		s := NewSubscriber(Config{Topic: "t/+"})
		s.submit = sub
		s.reply = pub
		s.handle(ctx, "t/h1", []byte(`{"phase":"L1"}`))
		sub.AssertExpectations(t)
		assert.Empty(t, pub.msgs)
	})
}

func TestDisabled(t *testing.T) {
	s := NewSubscriber(Config{})
	assert.False(t, s.Enabled())
	assert.NoError(t, s.Start(context.Background(), &mockSubmitter{}))
	s.Close()
}
