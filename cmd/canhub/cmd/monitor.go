package cmd

import (
	"fmt"
	"log"

	"github.com/roffe/canhub"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor a channel for incoming frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetInt("channel")
		arbRate, _ := cmd.Flags().GetInt(flagArbRate)
		dataRate, _ := cmd.Flags().GetInt(flagDataRate)

		bus, err := initBus(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer bus.Close()

		fd := dataRate > arbRate && dataRate > 500_000
		sessionDataRate := 0
		if fd {
			sessionDataRate = dataRate
		}
		// keep the bus from transmitting while we watch
		if err := bus.SetMonitor(channel, true); err != nil {
			return err
		}
		sess := canhub.NewSession(bus, channel)
		if err := sess.Start(arbRate, sessionDataRate); err != nil {
			return err
		}
		log.Println("Entering monitoring mode")

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				frame, err := sess.Recv()
				if err != nil {
					return err
				}
				if frame == nil {
					continue
				}
				fmt.Printf(" %s || %s\n", frame.Timestamp.Format("15:04:05.00000"), frame.ColorString())
			}
		})
		return g.Wait()
	},
}

func init() {
	f := monitorCmd.Flags()
	f.IntP("channel", "c", 0, "channel to monitor")
	f.IntP(flagArbRate, "s", 500_000, "arbitration bitrate in bits/sec")
	f.IntP(flagDataRate, "d", 500_000, "FD data bitrate in bits/sec")
	rootCmd.AddCommand(monitorCmd)
}
