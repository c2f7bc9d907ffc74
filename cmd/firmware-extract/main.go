package main

import (
	"fmt"
	"os"

	"github.com/open-edge-platform/firmware-extract/internal/utils/logger"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "firmware-extract",
		Short: "Extracts partition images out of an Android firmware archive",
	}

	rootCmd.AddCommand(createExtractCommand())

	if err := rootCmd.Execute(); err != nil {
		logger.Logger().Errorf("%v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
