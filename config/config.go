package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"elm327-client/mqtt"
	"elm327-client/obd"
	"elm327-client/transport"
)

var logger = log.New(os.Stdout, "[Config] ", log.LstdFlags|log.Lshortfile)

// SetLogOutput перенаправляет лог загрузки конфигурации
func SetLogOutput(w io.Writer) { logger.SetOutput(w) }

// EnvPrefix - префикс переменных окружения (ELM327_MQTT_BROKER)
const EnvPrefix = "ELM327"

// Виды транспорта
const (
	TransportSerial    = "serial"
	TransportRFCOMM    = "rfcomm"
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

type TransportConfig struct {
	Kind          string        `mapstructure:"kind"`
	Device        string        `mapstructure:"device"`  // /dev/ttyUSB0 или /dev/rfcomm0
	Baud          int           `mapstructure:"baud"`    // только serial
	Address       string        `mapstructure:"address"` // host:port для WiFi адаптеров
	URL           string        `mapstructure:"url"`     // ws:// или wss://
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	SkipSSLVerify bool          `mapstructure:"skip_ssl_verify"`
	TextFrames    bool          `mapstructure:"text_frames"` // websocket: команды текстовыми сообщениями
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

type Elm327Config struct {
	InitCommands   []string      `mapstructure:"init_commands"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ResetTimeout   time.Duration `mapstructure:"reset_timeout"`
}

type PollingConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	PIDs            []string      `mapstructure:"pids"`
	SkipUnsupported bool          `mapstructure:"skip_unsupported"`
}

type VehicleConfig struct {
	VIN            string  `mapstructure:"vin"`
	Stoichiometric float64 `mapstructure:"stoichiometric"`
	FuelDensity    float64 `mapstructure:"fuel_density"` // г/л
}

type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Уровни логирования: silent отключает логи пакетов
const (
	LogInfo   = "info"
	LogSilent = "silent"
)

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config - полная конфигурация приложения
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Elm327    Elm327Config    `mapstructure:"elm327"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Vehicle   VehicleConfig   `mapstructure:"vehicle"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// flagKeys связывает флаги командной строки с ключами конфигурации
var flagKeys = map[string]string{
	"transport":     "transport.kind",
	"device":        "transport.device",
	"baud":          "transport.baud",
	"address":       "transport.address",
	"url":           "transport.url",
	"username":      "transport.username",
	"no-ssl-verify": "transport.skip_ssl_verify",
	"text-frames":   "transport.text_frames",
	"interval":      "polling.interval",
	"pids":          "polling.pids",
	"vin":           "vehicle.vin",
	"broker":        "mqtt.broker",
	"encoding":      "mqtt.encoding",
	"listen":        "feed.listen",
	"log-level":     "logging.level",
}

// setDefaults - единственный источник значений по умолчанию; длительности хранятся строками
func setDefaults(v *viper.Viper) {
	def := obd.DefaultConfig()

	v.SetDefault("transport.kind", TransportRFCOMM)
	v.SetDefault("transport.device", "/dev/rfcomm0")
	v.SetDefault("transport.baud", 38400)
	v.SetDefault("transport.address", "192.168.0.10:35000")
	v.SetDefault("transport.url", "")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.password", "")
	v.SetDefault("transport.skip_ssl_verify", false)
	v.SetDefault("transport.text_frames", false)
	v.SetDefault("transport.dial_timeout", "10s")
	v.SetDefault("transport.settle_delay", "1s")

	v.SetDefault("elm327.init_commands", def.InitCommands)
	v.SetDefault("elm327.command_timeout", def.CommandTimeout.String())
	v.SetDefault("elm327.reset_timeout", def.ResetTimeout.String())

	v.SetDefault("polling.interval", def.PollInterval.String())
	v.SetDefault("polling.pids", def.PIDs)
	v.SetDefault("polling.skip_unsupported", true)

	v.SetDefault("vehicle.vin", "UNKNOWN")
	v.SetDefault("vehicle.stoichiometric", def.Stoichiometric)
	v.SetDefault("vehicle.fuel_density", def.FuelDensity)

	m := mqtt.DefaultConfig()
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.data_topic", m.DataTopic)
	v.SetDefault("mqtt.command_topic", m.CommandTopic)
	v.SetDefault("mqtt.qos", int(m.QoS))
	v.SetDefault("mqtt.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", m.ConnectTimeout.String())
	v.SetDefault("mqtt.auto_reconnect", m.AutoReconnect)
	v.SetDefault("mqtt.encoding", m.Encoding)

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.listen", ":8080")

	v.SetDefault("logging.level", LogInfo)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Defaults возвращает конфигурацию по умолчанию
func Defaults() Config {
	var cfg Config
	v := viper.New()
	setDefaults(v)
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Printf("Failed to decode defaults: %v", err)
	}
	return cfg
}

// Load читает config.yaml (или файл path), переменные окружения ELM327_* и изменённые флаги.
// Отсутствие файла в путях поиска не ошибка.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/elm327-client")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Println("No config file found, using defaults")
	} else {
		logger.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSerial, TransportRFCOMM:
		if c.Transport.Device == "" {
			return fmt.Errorf("transport.device is required for %s", c.Transport.Kind)
		}
	case TransportTCP:
		if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for tcp")
		}
	case TransportWebSocket:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for websocket")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q (serial, rfcomm, tcp, websocket)", c.Transport.Kind)
	}

	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive, got %v", c.Polling.Interval)
	}
	for _, pid := range c.Polling.PIDs {
		if _, ok := obd.Lookup(pid); !ok {
			return fmt.Errorf("polling.pids: %w: %s", obd.ErrUnknownPID, pid)
		}
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	switch c.MQTT.Encoding {
	case mqtt.EncodingJSON, mqtt.EncodingCBOR:
	default:
		return fmt.Errorf("unknown mqtt.encoding %q (json, cbor)", c.MQTT.Encoding)
	}

	switch c.Logging.Level {
	case LogInfo, LogSilent:
	default:
		return fmt.Errorf("unknown logging.level %q (info, silent)", c.Logging.Level)
	}
	return nil
}

// Dialer собирает транспорт из секции transport
func (c *Config) Dialer() (transport.Dialer, error) {
	t := c.Transport
	switch t.Kind {
	case TransportSerial:
		return transport.SerialDialer{Port: t.Device, BaudRate: t.Baud}, nil
	case TransportRFCOMM:
		return transport.RFCOMMDialer{DevicePath: t.Device, SettleDelay: t.SettleDelay}, nil
	case TransportTCP:
		return transport.SocketDialer{Address: t.Address, Timeout: t.DialTimeout}, nil
	case TransportWebSocket:
		return transport.WebSocketDialer{
			URL:           t.URL,
			Username:      t.Username,
			Password:      t.Password,
			SkipSSLVerify: t.SkipSSLVerify,
			TextFrames:    t.TextFrames,
		}, nil
	}
	return nil, fmt.Errorf("unknown transport.kind %q", t.Kind)
}

// Session собирает параметры сессии OBD
func (c *Config) Session() obd.Config {
	return obd.Config{
		InitCommands:    c.Elm327.InitCommands,
		CommandTimeout:  c.Elm327.CommandTimeout,
		ResetTimeout:    c.Elm327.ResetTimeout,
		PollInterval:    c.Polling.Interval,
		PIDs:            c.Polling.PIDs,
		SkipUnsupported: c.Polling.SkipUnsupported,
		Stoichiometric:  c.Vehicle.Stoichiometric,
		FuelDensity:     c.Vehicle.FuelDensity,
	}
}

// WriteDefault записывает конфигурацию по умолчанию в YAML
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	v := viper.New()
	setDefaults(v)
	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.Printf("Default config written to %s", path)
	return nil
}
