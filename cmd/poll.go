package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"elm327-client/obd"
	"elm327-client/web"
)

var (
	pollCount int
	pollFeed  bool
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll live data and print every reading",
	Long: `Connects to the adapter, runs the init sequence and polls the configured PIDs
round-robin until interrupted. Each reading, error and state change is printed
as one line. With --feed the same events are served on the WebSocket feed.`,
	RunE: runPoll,
}

func init() {
	pollCmd.Flags().IntVarP(&pollCount, "count", "n", 0, "Stop after N readings (0 = until interrupted)")
	pollCmd.Flags().BoolVar(&pollFeed, "feed", false, "Serve the WebSocket feed on feed.listen")
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Connected, protocol %s", obd.ProtocolName(session.Protocol()))))

	if pollFeed || cfg.Feed.Enabled {
		feed := web.New(session)
		go func() {
			if err := feed.Run(ctx, cfg.Feed.Listen); err != nil {
				logger.Printf("Feed stopped: %v", err)
			}
		}()
	}

	events, unsubscribe := session.Subscribe(256)
	defer unsubscribe()

	if err := session.StartReading(); err != nil {
		return err
	}

	readings := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatEvent(ev))

			switch {
			case ev.Type == obd.EventState && ev.State == obd.StateFailed:
				return fmt.Errorf("session failed: %s", ev.Message)
			case ev.Type == obd.EventData:
				readings++
				if pollCount > 0 && readings >= pollCount {
					return nil
				}
			}
		}
	}
}
