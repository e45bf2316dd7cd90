package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"

	"elm327-client/common"
	"elm327-client/obd"
)

// Кодировки полезной нагрузки
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Встроенные команды
const (
	CommandReadDTC  = "read_dtc"
	CommandClearDTC = "clear_dtc"
)

// logOutput - куда пишут логгеры новых клиентов
var logOutput io.Writer = os.Stdout

// SetLogOutput перенаправляет лог клиентов, созданных после вызова
func SetLogOutput(w io.Writer) { logOutput = w }

// commandTimeout ограничивает выполнение одной удалённой команды
const commandTimeout = 30 * time.Second

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (генерируется если пустой)
	DataTopic      string        `mapstructure:"data_topic"`      // Базовый топик для данных телеметрии
	CommandTopic   string        `mapstructure:"command_topic"`   // Базовый топик для команд
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      int           `mapstructure:"keep_alive"`      // Интервал keep alive в секундах
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`  // Автоматическое переподключение
	Encoding       string        `mapstructure:"encoding"`        // "json" или "cbor"
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "elm327-client-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		Encoding:       EncodingJSON,
	}
}

// TelemetryMessage представляет сообщение с данными телеметрии для MQTT
type TelemetryMessage struct {
	VIN       string    `json:"vin" cbor:"vin"`
	PID       string    `json:"pid,omitempty" cbor:"pid,omitempty"`
	Metric    string    `json:"metric" cbor:"metric"`
	Value     float64   `json:"value" cbor:"value"`
	Unit      string    `json:"unit" cbor:"unit"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// EventMessage представляет событие сессии для топика events
type EventMessage struct {
	VIN       string    `json:"vin" cbor:"vin"`
	Type      string    `json:"type" cbor:"type"`
	State     string    `json:"state,omitempty" cbor:"state,omitempty"`
	PID       string    `json:"pid,omitempty" cbor:"pid,omitempty"`
	Kind      string    `json:"kind,omitempty" cbor:"kind,omitempty"`
	Message   string    `json:"message,omitempty" cbor:"message,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// CommandMessage представляет входящую команду (используем общий тип)
type CommandMessage = common.CommandMessage

// CommandResponse представляет ответ на команду (используем общий тип)
type CommandResponse = common.CommandResponse

// Session - то, что мост использует от сессии OBD
type Session interface {
	Subscribe(buffer int) (<-chan obd.Event, func())
	Query(ctx context.Context, cmd string) (string, error)
	ReadDTCs(ctx context.Context) ([]common.DtcCode, error)
	ClearDTCs(ctx context.Context) error
}

// Client публикует телеметрию и события сессии и выполняет удалённые команды
type Client struct {
	config           Config
	mqttClient       mqttLib.Client
	newClient        func(*mqttLib.ClientOptions) mqttLib.Client
	session          Session
	commandResponses chan common.CommandResponse
	stopChan         chan struct{}
	stopOnce         sync.Once
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	logger           *log.Logger

	// stopped защищает wg.Add от гонки с wg.Wait в Stop
	stopMu  sync.Mutex
	stopped bool

	mu  sync.RWMutex
	vin string
}

// NewClient создает нового MQTT клиента
func NewClient(config Config, vin string, session Session) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.Encoding == "" {
		config.Encoding = EncodingJSON
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:           config,
		newClient:        mqttLib.NewClient,
		session:          session,
		commandResponses: make(chan common.CommandResponse, 16),
		stopChan:         make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		logger:           log.New(logOutput, "[MQTT-Client] ", log.LstdFlags|log.Lshortfile),
		vin:              vin,
	}
}

// Start подключается к брокеру и запускает публикацию
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	} else {
		c.logger.Println("MQTT authentication: DISABLED (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = c.newClient(opts)
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	events, unsubscribe := c.session.Subscribe(256)

	c.wg.Add(2)
	go c.publishEventsLoop(events, unsubscribe)
	go c.publishResponsesLoop()

	c.logger.Println("MQTT client started successfully")
	return nil
}

// Stop останавливает MQTT клиента
func (c *Client) Stop() error {
	c.logger.Println("Stopping MQTT client...")

	c.stopOnce.Do(func() {
		c.stopMu.Lock()
		c.stopped = true
		c.stopMu.Unlock()
		c.cancel()
		close(c.stopChan)
	})
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(1000)
		c.logger.Println("MQTT client disconnected")
	}
	return nil
}

// onConnectHandler подписывается на команды при каждом (пере)подключении
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")

	commandTopic := fmt.Sprintf("%s/+/request", c.config.CommandTopic)
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to command topic %s: %v", commandTopic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic: %s", commandTopic)
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Printf("Connection lost: %v", err)
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Println("Attempting to reconnect to MQTT broker...")
}

// onCommandReceived разбирает команду и выполняет её вне горутины paho
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Printf("Received command on topic: %s", msg.Topic())

	var cmd CommandMessage
	if err := c.decode(msg.Payload(), &cmd); err != nil {
		c.logger.Printf("Failed to unmarshal command: %v", err)
		return
	}
	c.logger.Printf("Processing command: %s (correlation_id: %s)", cmd.Command, cmd.CorrelationID)

	c.stopMu.Lock()
	if c.stopped {
		c.stopMu.Unlock()
		c.logger.Printf("Client stopped, command %s dropped", cmd.Command)
		return
	}
	c.wg.Add(1)
	c.stopMu.Unlock()

	go func() {
		defer c.wg.Done()
		result, err := c.executeCommand(cmd)
		c.PublishCommandResponse(cmd.CorrelationID, "success", result, err)
	}()
}

// executeCommand выполняет встроенную операцию или передаёт команду адаптеру как есть
func (c *Client) executeCommand(cmd CommandMessage) (interface{}, error) {
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	command := strings.TrimSpace(cmd.Command)
	switch strings.ToLower(command) {
	case "":
		return nil, errors.New("empty command")
	case CommandReadDTC:
		return c.session.ReadDTCs(ctx)
	case CommandClearDTC:
		if err := c.session.ClearDTCs(ctx); err != nil {
			return nil, err
		}
		return "cleared", nil
	}
	if changesAdapterConfig(command) {
		return nil, fmt.Errorf("command %s changes adapter configuration and is not accepted remotely", command)
	}

	frame, err := c.session.Query(ctx, command)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"raw": frame}
	if telemetry, err := obd.ParseResponse(frame); err == nil {
		result["telemetry"] = telemetry
	}
	return result, nil
}

// readOnlyAT - AT-команды, которые не меняют настройку адаптера после инициализации
var readOnlyAT = map[string]bool{
	"I":   true,
	"@1":  true,
	"@2":  true,
	"RV":  true,
	"DP":  true,
	"DPN": true,
	"CS":  true,
	"BD":  true,
	"KW":  true,
	"IGN": true,
	"PPS": true,
}

// changesAdapterConfig: любая AT-команда вне readOnlyAT (ATZ, ATE1, ATH0, ATSP...)
// сломала бы состояние, выставленное при подключении
func changesAdapterConfig(command string) bool {
	compact := strings.ToUpper(strings.ReplaceAll(command, " ", ""))
	rest, ok := strings.CutPrefix(compact, "AT")
	if !ok {
		return false
	}
	return !readOnlyAT[rest]
}

// publishEventsLoop переводит события сессии в сообщения MQTT
func (c *Client) publishEventsLoop(events <-chan obd.Event, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()
	c.logger.Println("Starting events publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Events publish loop stopped")
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Println("Events channel closed")
				return
			}
			if ev.Type == obd.EventData {
				for _, msg := range c.telemetryMessages(ev) {
					if err := c.publishTelemetry(msg); err != nil {
						c.logger.Printf("Failed to publish telemetry: %v", err)
					}
				}
				continue
			}
			if err := c.publishEvent(ev); err != nil {
				c.logger.Printf("Failed to publish event: %v", err)
			}
		}
	}
}

// publishResponsesLoop публикует ответы на команды
func (c *Client) publishResponsesLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting responses publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Responses publish loop stopped")
			return
		case response := <-c.commandResponses:
			if err := c.publishCommandResponse(response); err != nil {
				c.logger.Printf("Failed to publish command response: %v", err)
			}
		}
	}
}

// telemetryMessages возвращает обновлённую метрику и производный расход
func (c *Client) telemetryMessages(ev obd.Event) []*TelemetryMessage {
	if ev.Snapshot == nil {
		return nil
	}
	vin := c.VIN()
	var msgs []*TelemetryMessage

	if def, ok := obd.Lookup(ev.PID); ok {
		if value, ok := def.Value(ev.Snapshot); ok {
			msgs = append(msgs, &TelemetryMessage{
				VIN:       vin,
				PID:       def.PID,
				Metric:    def.Name,
				Value:     value,
				Unit:      def.Unit,
				Timestamp: ev.Time,
			})
		}
	}
	if fc := ev.Snapshot.FuelConsumption; fc != nil {
		msgs = append(msgs, &TelemetryMessage{
			VIN:       vin,
			Metric:    "fuel_consumption",
			Value:     *fc,
			Unit:      "L/100km",
			Timestamp: ev.Time,
		})
	}
	return msgs
}

// publishTelemetry публикует данные телеметрии в MQTT
func (c *Client) publishTelemetry(msg *TelemetryMessage) error {
	topic := fmt.Sprintf("%s/%s/%s", c.config.DataTopic, msg.VIN, msg.Metric)
	if err := c.publish(topic, msg); err != nil {
		return err
	}
	c.logger.Printf("Published telemetry to %s: %.2f %s", topic, msg.Value, msg.Unit)
	return nil
}

// publishEvent публикует событие сессии в топик events
func (c *Client) publishEvent(ev obd.Event) error {
	vin := c.VIN()
	msg := EventMessage{
		VIN:       vin,
		Type:      string(ev.Type),
		State:     string(ev.State),
		PID:       ev.PID,
		Kind:      string(ev.Kind),
		Message:   ev.Message,
		Timestamp: ev.Time,
	}
	return c.publish(fmt.Sprintf("%s/%s/events", c.config.DataTopic, vin), msg)
}

// publishCommandResponse публикует ответ на команду в MQTT
func (c *Client) publishCommandResponse(response CommandResponse) error {
	topic := fmt.Sprintf("%s/%s/response", c.config.CommandTopic, c.VIN())
	if err := c.publish(topic, response); err != nil {
		return err
	}
	c.logger.Printf("Published command response to %s: %s", topic, response.Status)
	return nil
}

func (c *Client) publish(topic string, v interface{}) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := c.encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *Client) encode(v interface{}) ([]byte, error) {
	if c.config.Encoding == EncodingCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

func (c *Client) decode(data []byte, v interface{}) error {
	if c.config.Encoding == EncodingCBOR {
		return cbor.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// SetVIN устанавливает VIN автомобиля
func (c *Client) SetVIN(vin string) {
	c.mu.Lock()
	c.vin = vin
	c.mu.Unlock()
	c.logger.Printf("VIN set to: %s", vin)
}

// VIN возвращает текущий VIN
func (c *Client) VIN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vin
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// PublishCommandResponse ставит ответ в очередь публикации
func (c *Client) PublishCommandResponse(correlationID, status string, result interface{}, err error) {
	response := CommandResponse{
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     time.Now(),
	}
	if err != nil {
		response.Status = "error"
		response.Result = nil
		response.Error = err.Error()
	}

	select {
	case c.commandResponses <- response:
	case <-c.stopChan:
	case <-time.After(1 * time.Second):
		c.logger.Printf("Timeout publishing command response for correlation_id: %s", correlationID)
	}
}
