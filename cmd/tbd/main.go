package main

import (
	"os"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
)

func init() {
	log.SetHandler(clihander.Default)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
