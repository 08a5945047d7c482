// Command streamchat talks to a streaming chat backend, either as a local web server relaying replies
// over SSE or as a one-shot terminal client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "streamchat",
	Short: "Stream chat replies from an inference backend",
	Long: `streamchat sends prompts to a streaming chat backend and follows the reply as it is
generated, reasoning included.

  streamchat serve              # serve the chat endpoints and SSE updates
  streamchat ask "hello there"  # print a single reply in the terminal`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the config file (default <user config dir>/streamchat/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, askCmd)
}
