package cmd

import (
	"fmt"
	"strconv"

	"github.com/roffe/canhub"
	"github.com/roffe/canhub/pkg/bar"
	"github.com/spf13/cobra"
)

const (
	flagTxChannel = "tx-channel"
	flagRxChannel = "rx-channel"
	flagArbRate   = "speed-for-arbitration"
	flagDataRate  = "speed-for-data"
	flagID        = "id"
	flagCount     = "count"
)

var txrxCmd = &cobra.Command{
	Use:   "txrx [data bytes]",
	Short: "Transmit a CAN frame and poll the receive channel once",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTxrx,
}

func init() {
	f := txrxCmd.Flags()
	f.IntP(flagTxChannel, "t", 0, "channel to transmit on")
	f.IntP(flagRxChannel, "r", 1, "channel to receive on")
	f.IntP(flagArbRate, "s", 500_000, "arbitration bitrate in bits/sec")
	f.IntP(flagDataRate, "d", 500_000, "FD data bitrate in bits/sec")
	f.Uint32(flagID, 0x01B, "arbitration identifier")
	f.IntP(flagCount, "n", 1, "number of frames to send")
	rootCmd.AddCommand(txrxCmd)
}

func runTxrx(cmd *cobra.Command, args []string) error {
	data := make([]byte, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil || v < 0 || v > 255 {
			return fmt.Errorf("invalid data byte %q", arg)
		}
		data[i] = byte(v)
	}

	txChannel, _ := cmd.Flags().GetInt(flagTxChannel)
	rxChannel, _ := cmd.Flags().GetInt(flagRxChannel)
	arbRate, _ := cmd.Flags().GetInt(flagArbRate)
	dataRate, _ := cmd.Flags().GetInt(flagDataRate)
	identifier, _ := cmd.Flags().GetUint32(flagID)
	count, _ := cmd.Flags().GetInt(flagCount)

	bus, err := initBus(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer bus.Close()

	// FD only pays off when the data phase actually runs faster than
	// arbitration, and the switch is pointless at classic rates.
	fd := dataRate > arbRate && dataRate > 500_000
	sessionDataRate := 0
	if fd {
		sessionDataRate = dataRate
	}

	tx := canhub.NewSession(bus, txChannel)
	rx := canhub.NewSession(bus, rxChannel)
	if err := tx.Start(arbRate, sessionDataRate); err != nil {
		return err
	}
	// The second Start restarts the whole bus, the tx channel keeps its
	// recorded config.
	if err := rx.Start(arbRate, sessionDataRate); err != nil {
		return err
	}
	defer tx.Stop()

	if count > 1 {
		pb := bar.New(count, "sending")
		for i := 0; i < count; i++ {
			if _, err := tx.Send(identifier, data, fd, fd); err != nil {
				return err
			}
			pb.Add(1)
		}
		pb.Finish()
		fmt.Println()
	} else {
		n, err := tx.Send(identifier, data, fd, fd)
		if err != nil {
			return err
		}
		fmt.Println(n)
	}

	frame, err := rx.Recv()
	if err != nil {
		return err
	}
	if frame != nil {
		fmt.Println(frame.ColorString())
	}
	return nil
}
