package cmd

import (
	"context"
	"log"
	"os"

	"github.com/roffe/canhub"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "canhub",
	Short:        "CAN/CAN-FD swish army tool for shared multi-channel adapters",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

const (
	flagPort      = "port"
	flagBaudrate  = "baudrate"
	flagDebug     = "debug"
	flagTransport = "transport"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "*", "com-port, * = print available")
	pf.IntP(flagBaudrate, "b", 115200, "baudrate")
	pf.Bool(flagDebug, false, "debug mode")
	pf.StringP(flagTransport, "a", "cantact", "what transport to use")
}

// initBus acquires the process-wide bus on top of the transport selected by
// the persistent flags and opens it.
func initBus(ctx context.Context, cmd *cobra.Command) (*canhub.Bus, error) {
	name, _ := cmd.Flags().GetString(flagTransport)
	port, _ := cmd.Flags().GetString(flagPort)
	baudrate, _ := cmd.Flags().GetInt(flagBaudrate)
	debug, _ := cmd.Flags().GetBool(flagDebug)

	bus, err := canhub.Shared(func() (canhub.Transport, error) {
		return canhub.NewTransport(name, &canhub.TransportConfig{
			Debug:        debug,
			Port:         port,
			PortBaudrate: baudrate,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := bus.Open(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}
