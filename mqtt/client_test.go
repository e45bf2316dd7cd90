package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"elm327-client/common"
	"elm327-client/obd"
)

// MockMQTTClient для тестирования
type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Connect() mqttLib.Token {
	args := m.Called()
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqttLib.MessageHandler) mqttLib.Token {
	args := m.Called(filters, callback)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqttLib.Token {
	args := m.Called(topics)
	return args.Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqttLib.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) OptionsReader() mqttLib.ClientOptionsReader {
	args := m.Called()
	return args.Get(0).(mqttLib.ClientOptionsReader)
}

// doneToken - уже завершённый токен
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                       { return true }
func (t doneToken) WaitTimeout(_ time.Duration) bool { return true }
func (t doneToken) Error() error                     { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// mockMQTTMessage для входящих команд
type mockMQTTMessage struct {
	topic   string
	payload []byte
}

func (m *mockMQTTMessage) Duplicate() bool   { return false }
func (m *mockMQTTMessage) Qos() byte         { return 1 }
func (m *mockMQTTMessage) Retained() bool    { return false }
func (m *mockMQTTMessage) Topic() string     { return m.topic }
func (m *mockMQTTMessage) MessageID() uint16 { return 1 }
func (m *mockMQTTMessage) Payload() []byte   { return m.payload }
func (m *mockMQTTMessage) Ack()              {}

// fakeSession отдаёт события из собственной шины и записывает запросы
type fakeSession struct {
	bus *obd.Bus

	mu      sync.Mutex
	queries []string
	frames  map[string]string
	dtcs    []common.DtcCode
	dtcErr  error
	cleared int
}

func newFakeSession() *fakeSession {
	return &fakeSession{bus: obd.NewBus(), frames: map[string]string{}}
}

func (s *fakeSession) Subscribe(buffer int) (<-chan obd.Event, func()) {
	return s.bus.Subscribe(buffer)
}

func (s *fakeSession) Query(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, cmd)
	if frame, ok := s.frames[cmd]; ok {
		return frame, nil
	}
	return "", &obd.CommandError{Cmd: cmd, Err: obd.ErrAdapter, Cause: errors.New("?")}
}

func (s *fakeSession) ReadDTCs(ctx context.Context) ([]common.DtcCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dtcs, s.dtcErr
}

func (s *fakeSession) ClearDTCs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

type published struct {
	topic   string
	payload []byte
}

// startClient запускает клиента поверх мока и собирает опубликованные сообщения
func startClient(t *testing.T, config Config, session Session) (*Client, *MockMQTTClient, <-chan published) {
	t.Helper()

	mockClient := new(MockMQTTClient)
	out := make(chan published, 64)

	mockClient.On("Connect").Return(doneToken{})
	mockClient.On("IsConnected").Return(true).Maybe()
	mockClient.On("Disconnect", uint(1000)).Return().Maybe()
	mockClient.On("Publish", mock.Anything, config.QoS, false, mock.Anything).
		Run(func(args mock.Arguments) {
			out <- published{topic: args.String(0), payload: args.Get(3).([]byte)}
		}).
		Return(doneToken{})

	client := NewClient(config, "TEST123", session)
	client.newClient = func(opts *mqttLib.ClientOptions) mqttLib.Client {
		assert.Equal(t, config.Broker, opts.Servers[0].String())
		return mockClient
	}
	require.NoError(t, client.Start())
	t.Cleanup(func() { client.Stop() })
	return client, mockClient, out
}

func waitPublished(t *testing.T, out <-chan published, topic string) published {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-out:
			if p.topic == topic {
				return p
			}
		case <-timeout:
			t.Fatalf("timeout waiting for publish to %s", topic)
			return published{}
		}
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "tcp://localhost:1883", config.Broker)
	assert.Equal(t, "car/telemetry", config.DataTopic)
	assert.Equal(t, "car/command", config.CommandTopic)
	assert.Equal(t, byte(1), config.QoS)
	assert.Equal(t, EncodingJSON, config.Encoding)
	assert.True(t, config.AutoReconnect)
}

func TestGenerateClientID(t *testing.T) {
	id1 := generateClientID()
	id2 := generateClientID()

	assert.True(t, strings.HasPrefix(id1, "elm327-client-"))
	assert.Len(t, id1, len("elm327-client-")+8)
	assert.NotEqual(t, id1, id2)
}

func TestNewClientFillsDefaults(t *testing.T) {
	client := NewClient(Config{Broker: "tcp://b:1883"}, "TEST123", newFakeSession())

	assert.NotEmpty(t, client.config.ClientID)
	assert.Equal(t, EncodingJSON, client.config.Encoding)
	assert.Equal(t, "TEST123", client.VIN())
	assert.False(t, client.IsConnected())

	client.SetVIN("WVW999")
	assert.Equal(t, "WVW999", client.VIN())
}

func TestTelemetryMessages(t *testing.T) {
	client := NewClient(DefaultConfig(), "TEST123", newFakeSession())
	now := time.Now()

	msgs := client.telemetryMessages(obd.Event{
		Type: obd.EventData,
		Time: now,
		PID:  "0C",
		Snapshot: &common.TelemetrySnapshot{
			EngineRPM:       floatPtr(1726),
			FuelConsumption: floatPtr(7.5),
		},
	})
	require.Len(t, msgs, 2)

	assert.Equal(t, "TEST123", msgs[0].VIN)
	assert.Equal(t, "0C", msgs[0].PID)
	assert.Equal(t, "engine_rpm", msgs[0].Metric)
	assert.Equal(t, 1726.0, msgs[0].Value)
	assert.Equal(t, "rpm", msgs[0].Unit)
	assert.Equal(t, now, msgs[0].Timestamp)

	assert.Equal(t, "fuel_consumption", msgs[1].Metric)
	assert.Equal(t, 7.5, msgs[1].Value)

	// поле очищено после ошибки декодирования
	msgs = client.telemetryMessages(obd.Event{
		Type:     obd.EventData,
		PID:      "0C",
		Snapshot: &common.TelemetrySnapshot{},
	})
	assert.Empty(t, msgs)
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("Connect").Return(doneToken{err: errors.New("connection refused")})

	client := NewClient(DefaultConfig(), "TEST123", newFakeSession())
	client.newClient = func(*mqttLib.ClientOptions) mqttLib.Client { return mockClient }

	err := client.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOnConnectSubscribesToCommands(t *testing.T) {
	mockClient := new(MockMQTTClient)
	mockClient.On("Subscribe", "car/command/+/request", byte(1), mock.Anything).Return(doneToken{})

	client := NewClient(DefaultConfig(), "TEST123", newFakeSession())
	client.onConnectHandler(mockClient)

	mockClient.AssertExpectations(t)
}

func TestPublishesDataAndEvents(t *testing.T) {
	session := newFakeSession()
	_, _, out := startClient(t, DefaultConfig(), session)

	session.bus.Publish(obd.Event{
		Type:     obd.EventData,
		PID:      "0D",
		Snapshot: &common.TelemetrySnapshot{VehicleSpeed: floatPtr(50)},
	})
	p := waitPublished(t, out, "car/telemetry/TEST123/vehicle_speed")

	var msg TelemetryMessage
	require.NoError(t, json.Unmarshal(p.payload, &msg))
	assert.Equal(t, "0D", msg.PID)
	assert.Equal(t, 50.0, msg.Value)
	assert.Equal(t, "km/h", msg.Unit)

	session.bus.Publish(obd.Event{Type: obd.EventState, State: obd.StateFailed, Message: "link dropped"})
	p = waitPublished(t, out, "car/telemetry/TEST123/events")

	var ev EventMessage
	require.NoError(t, json.Unmarshal(p.payload, &ev))
	assert.Equal(t, "state", ev.Type)
	assert.Equal(t, "failed", ev.State)
	assert.Equal(t, "link dropped", ev.Message)
}

func TestCommandReadDTCError(t *testing.T) {
	session := newFakeSession()
	session.dtcErr = &obd.CommandError{Cmd: "03", Err: obd.ErrTimeout}
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{
		payload: []byte(`{"command":"read_dtc","correlation_id":"c-5"}`),
	})
	p := waitPublished(t, out, "car/command/TEST123/response")

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(p.payload, &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "timed out")
}

func TestCommandReadDTC(t *testing.T) {
	session := newFakeSession()
	session.dtcs = []common.DtcCode{{Code: "P0143", Raw: [2]byte{0x01, 0x43}}}
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{
		topic:   "car/command/TEST123/request",
		payload: []byte(`{"command":"read_dtc","correlation_id":"c-1"}`),
	})
	p := waitPublished(t, out, "car/command/TEST123/response")

	var resp struct {
		CorrelationID string           `json:"correlation_id"`
		Status        string           `json:"status"`
		Result        []common.DtcCode `json:"result"`
	}
	require.NoError(t, json.Unmarshal(p.payload, &resp))
	assert.Equal(t, "c-1", resp.CorrelationID)
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, "P0143", resp.Result[0].Code)
}

func TestCommandClearDTC(t *testing.T) {
	session := newFakeSession()
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{
		payload: []byte(`{"command":"CLEAR_DTC","correlation_id":"c-2"}`),
	})
	p := waitPublished(t, out, "car/command/TEST123/response")

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(p.payload, &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "cleared", resp.Result)
	assert.Equal(t, 1, session.cleared)
}

func TestCommandRawQueryCBOR(t *testing.T) {
	session := newFakeSession()
	session.frames["010C"] = "41 0C 1A F8"
	config := DefaultConfig()
	config.Encoding = EncodingCBOR
	client, _, out := startClient(t, config, session)

	payload, err := cbor.Marshal(CommandMessage{Command: " 010C ", CorrelationID: "c-3"})
	require.NoError(t, err)
	client.onCommandReceived(nil, &mockMQTTMessage{payload: payload})

	p := waitPublished(t, out, "car/command/TEST123/response")
	var resp struct {
		Status string `cbor:"status"`
		Result struct {
			Raw       string           `cbor:"raw"`
			Telemetry common.Telemetry `cbor:"telemetry"`
		} `cbor:"result"`
	}
	require.NoError(t, cbor.Unmarshal(p.payload, &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "41 0C 1A F8", resp.Result.Raw)
	assert.Equal(t, "engine_rpm", resp.Result.Telemetry.Metric)
	assert.Equal(t, 1726.0, resp.Result.Telemetry.Value)
	assert.Equal(t, []string{"010C"}, session.queries)
}

func TestCommandFailureReportsError(t *testing.T) {
	session := newFakeSession()
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{
		payload: []byte(`{"command":"0902","correlation_id":"c-4"}`),
	})
	p := waitPublished(t, out, "car/command/TEST123/response")

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(p.payload, &resp))
	assert.Equal(t, "c-4", resp.CorrelationID)
	assert.Equal(t, "error", resp.Status)
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.Error, "0902")
	assert.Equal(t, []string{"0902"}, session.queries)
}

func TestCommandRejectsAdapterReconfiguration(t *testing.T) {
	session := newFakeSession()
	client, _, out := startClient(t, DefaultConfig(), session)

	for _, command := range []string{"ATZ", "ATE1", "at h0", "ATSP6", "ATD", "ATXYZ"} {
		client.onCommandReceived(nil, &mockMQTTMessage{
			payload: []byte(`{"command":"` + command + `","correlation_id":"c-at"}`),
		})
		p := waitPublished(t, out, "car/command/TEST123/response")

		var resp CommandResponse
		require.NoError(t, json.Unmarshal(p.payload, &resp))
		assert.Equal(t, "error", resp.Status, command)
		assert.Contains(t, resp.Error, "adapter configuration", command)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.queries)
}

func TestCommandReadOnlyATReachesAdapter(t *testing.T) {
	session := newFakeSession()
	session.frames["ATRV"] = "12.6V"
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{
		payload: []byte(`{"command":"ATRV","correlation_id":"c-rv"}`),
	})
	p := waitPublished(t, out, "car/command/TEST123/response")

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(p.payload, &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]interface{}{"raw": "12.6V"}, resp.Result)
}

func TestChangesAdapterConfig(t *testing.T) {
	for _, command := range []string{"ATZ", "ATWS", "ATE0", "ATL1", "ATS1", "ATH0", "ATSP0", "ATSH7E0", "ATCAF0", "ATAT2", "ATST FF", "ATMA", "ATR0"} {
		assert.True(t, changesAdapterConfig(command), command)
	}
	for _, command := range []string{"ATI", "AT@1", "ATRV", "ATDP", "ATDPN", "at dpn", "010C", "03", "0902"} {
		assert.False(t, changesAdapterConfig(command), command)
	}
}

func TestCommandAfterStopIsDropped(t *testing.T) {
	session := newFakeSession()
	session.frames["010D"] = "41 0D 32"
	client, _, out := startClient(t, DefaultConfig(), session)

	require.NoError(t, client.Stop())
	assert.NotPanics(t, func() {
		client.onCommandReceived(nil, &mockMQTTMessage{
			payload: []byte(`{"command":"010D","correlation_id":"c-late"}`),
		})
	})
	client.wg.Wait()

	select {
	case p := <-out:
		t.Fatalf("unexpected publish to %s", p.topic)
	case <-time.After(50 * time.Millisecond):
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.queries)
}

func TestMalformedCommandIsIgnored(t *testing.T) {
	session := newFakeSession()
	client, _, out := startClient(t, DefaultConfig(), session)

	client.onCommandReceived(nil, &mockMQTTMessage{payload: []byte("not json")})

	select {
	case p := <-out:
		t.Fatalf("unexpected publish to %s", p.topic)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, session.queries)
}
