package main

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "tbd",
	Short:         "Extract text stubs (.tbd) from Mach-O libraries and dyld shared caches",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(archsCmd)
}
