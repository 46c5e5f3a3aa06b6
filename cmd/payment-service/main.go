package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "payment-service"

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "Payment lifecycle, Mercado Pago reconciliation and settlement polling",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
