package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planfirst/sreagent/internal/gateway"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Decide plans from an interactive shell",
	Long: `Start an interactive shell that accepts the same commands as the chat
channels: approve, reject, defer, status and help. Approved plans are
executed right away. Type "exit" or press Ctrl+D to leave.`,
	Run: func(cmd *cobra.Command, args []string) {
		engine, err := newExecutionEngine("executor", false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		actor := operator()
		console := gateway.NewConsoleMessenger(gateway.ConsoleConfig{
			Actor:       actor,
			HistoryFile: historyFile(),
		})
		handler := newHandler(engine, actor)

		if err := console.Listen(cmd.Context(), handler.HandleMessage); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
