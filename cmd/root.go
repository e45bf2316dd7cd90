package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"elm327-client/config"
	"elm327-client/mqtt"
	"elm327-client/obd"
	"elm327-client/transport"
	"elm327-client/web"
)

var logger = log.New(os.Stdout, "[CLI] ", log.LstdFlags|log.Lshortfile)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "elm327-client",
	Short: "ELM327 OBD-II client",
	Long: `elm327-client talks to an ELM327 OBD-II adapter, polls live engine data,
reads and clears diagnostic trouble codes and bridges telemetry to MQTT.

Connection modes:
  Bluetooth: --transport rfcomm --device /dev/rfcomm0
  Serial:    --transport serial --device /dev/ttyUSB0 [--baud 38400]
  WiFi:      --transport tcp --address 192.168.0.10:35000
  WebSocket: --transport websocket --url ws://host/path [--username user]

Settings are read from config.yaml (current directory or /etc/elm327-client),
then ELM327_* environment variables, then flags. Passwords are read from
ELM327_TRANSPORT_PASSWORD / ELM327_MQTT_PASSWORD or prompted interactively.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file path")

	// Транспорт
	pf.StringP("transport", "t", "", "Transport: serial, rfcomm, tcp, websocket")
	pf.StringP("device", "d", "", "Serial or RFCOMM device")
	pf.IntP("baud", "b", 0, "Baud rate (serial only)")
	pf.String("address", "", "host:port of a WiFi adapter")
	pf.StringP("url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.String("username", "", "Username for HTTP Basic auth")
	pf.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	pf.Bool("text-frames", false, "Send adapter commands as WebSocket text messages")

	// Опрос
	pf.Duration("interval", 0, "Polling interval, e.g. 500ms")
	pf.StringSlice("pids", nil, "PIDs to poll, e.g. 0C,0D,05")
	pf.String("vin", "", "Vehicle VIN used in MQTT topics")

	// Выходы
	pf.String("broker", "", "MQTT broker, e.g. tcp://localhost:1883")
	pf.String("encoding", "", "MQTT payload encoding: json or cbor")
	pf.String("listen", "", "WebSocket feed listen address, e.g. :8080")
	pf.String("log-level", "", "Log level: info or silent")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig читает конфигурацию с учётом флагов команды
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	applyLogging(cfg.Logging.Level)

	t := &cfg.Transport
	if t.Kind == config.TransportWebSocket && t.Username != "" && t.Password == "" {
		if t.Password, err = GetPassword("ELM327_TRANSPORT_PASSWORD", "Adapter password: "); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyLogging перенаправляет логи всех пакетов
func applyLogging(level string) {
	var w io.Writer = os.Stdout
	if level == config.LogSilent {
		w = io.Discard
	}
	logger.SetOutput(w)
	obd.SetLogOutput(w)
	transport.SetLogOutput(w)
	mqtt.SetLogOutput(w)
	web.SetLogOutput(w)
	config.SetLogOutput(w)
}

// signalContext отменяется по SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openSession подключается к адаптеру и проходит инициализацию
func openSession(ctx context.Context, cfg *config.Config) (*obd.Session, error) {
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}
	session, err := obd.NewSession(dialer, cfg.Session())
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect via %s: %w", dialer, err)
	}
	return session, nil
}

// withSession открывает сессию на время одной операции
func withSession(cmd *cobra.Command, fn func(ctx context.Context, session *obd.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Disconnect()
	return fn(ctx, session)
}
