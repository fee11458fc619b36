package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikzan/Multimodal-Support-System/internal/backendtest"
)

var demoServerCmd = &cobra.Command{
	Use:   "demo-server",
	Short: "Run a local in-memory backend for trying the chat out",
	Long: `Run a self-contained in-memory backend with the full REST and pub/sub
surface. Nothing is persisted; stopping the server loses all tickets.

Point the other commands at it:
  nova demo-server
  nova widget --api-url <url> --ws-url <ws-url>
  nova dashboard --api-url <url> --ws-url <ws-url>`,
	Args: cobra.NoArgs,
	RunE: runDemoServer,
}

func runDemoServer(cmd *cobra.Command, args []string) error {
	srv := backendtest.NewServer(logger)
	defer srv.Close()

	fmt.Printf("demo backend running\n  api: %s\n  ws:  %s\n", srv.URL(), srv.WSURL())
	fmt.Println("press ctrl-c to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cmd.Context().Done():
	}
	fmt.Println("shutting down")
	return nil
}
