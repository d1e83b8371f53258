package cmd

import (
	"fmt"

	"github.com/roffe/canhub"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered transports and detected serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("transports:")
		for _, t := range canhub.ListTransports() {
			fmt.Println("  " + t.String())
		}
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return err
		}
		fmt.Println("serial ports:")
		if len(ports) == 0 {
			fmt.Println("  none found")
		}
		for _, port := range ports {
			fmt.Printf("  %s", port.Name)
			if port.IsUSB {
				fmt.Printf(" (USB %s:%s serial %s)", port.VID, port.PID, port.SerialNumber)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
