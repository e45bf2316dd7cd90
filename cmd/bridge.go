package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"elm327-client/mqtt"
	"elm327-client/obd"
	"elm327-client/web"
)

var bridgeFeed bool

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Poll continuously and bridge telemetry to MQTT",
	Long: `Connects to the MQTT broker, then keeps an adapter session polling. Lost
adapter links are reconnected with exponential backoff (1s doubling to 60s).
Telemetry goes to <data_topic>/<vin>/<metric>, session events to
<data_topic>/<vin>/events, and commands are accepted on
<command_topic>/+/request (read_dtc, clear_dtc or a raw adapter command).`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeFeed, "feed", false, "Serve the WebSocket feed on feed.listen")
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.MQTT.Username != "" && cfg.MQTT.Password == "" {
		if cfg.MQTT.Password, err = GetPassword("ELM327_MQTT_PASSWORD", "MQTT password: "); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	session, err := obd.NewSession(dialer, cfg.Session())
	if err != nil {
		return err
	}

	client := mqtt.NewClient(cfg.MQTT, cfg.Vehicle.VIN, session)
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	if bridgeFeed || cfg.Feed.Enabled {
		feed := web.New(session)
		go func() {
			if err := feed.Run(ctx, cfg.Feed.Listen); err != nil {
				logger.Printf("Feed stopped: %v", err)
			}
		}()
	}

	logger.Printf("Bridge started: %s -> %s (VIN %s)", dialer, cfg.MQTT.Broker, cfg.Vehicle.VIN)
	err = superviseSession(ctx, session, defaultBackoff)

	if derr := session.Disconnect(); derr != nil && !errors.Is(derr, obd.ErrInvalidTransition) {
		logger.Printf("Disconnect failed: %v", derr)
	}
	if errors.Is(err, context.Canceled) {
		logger.Println("Bridge stopped")
		return nil
	}
	return err
}

// supervised - то, чем управляет супервизор сессии
type supervised interface {
	Subscribe(buffer int) (<-chan obd.Event, func())
	Connect(ctx context.Context) error
	StartReading() error
	State() obd.State
	Reason() string
}

// superviseSession держит сессию в состоянии опроса и переподключается после сбоя.
// Возвращается только при отмене ctx.
func superviseSession(ctx context.Context, s supervised, b backoff) error {
	for {
		if err := connectWithRetry(ctx, logger, "ELM327", s.Connect, b); err != nil {
			return err
		}

		events, unsubscribe := s.Subscribe(256)
		err := s.StartReading()
		if err == nil {
			err = waitFailed(ctx, s, events)
		}
		unsubscribe()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Printf("Session lost: %v, reconnecting", err)
	}
}

// waitFailed ждёт перехода сессии в Failed
func waitFailed(ctx context.Context, s supervised, events <-chan obd.Event) error {
	if s.State() == obd.StateFailed {
		return fmt.Errorf("session failed: %s", s.Reason())
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Type == obd.EventState && ev.State == obd.StateFailed {
				return fmt.Errorf("session failed: %s", ev.Message)
			}
		}
	}
}
