// Command runner executes pipeline stages and reports their output to the
// deploy relay. It can also post a single line or tail a deploy's live log.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type options struct {
	grpcAddr string
	httpURL  string
	deployID int64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatalf("runner: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "runner",
		Short:         "Run pipeline stages and stream their logs to the deploy relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.grpcAddr, "grpc", getEnv("CONTROL_PLANE_ADDR", "localhost:9090"), "relay gRPC address")
	root.PersistentFlags().StringVar(&opts.httpURL, "http", getEnv("CONTROL_PLANE_URL", "http://localhost:8080"), "relay HTTP base URL")
	root.PersistentFlags().Int64Var(&opts.deployID, "deploy-id", 0, "deploy the log lines belong to")
	_ = root.MarkPersistentFlagRequired("deploy-id")

	root.AddCommand(newRunCommand(opts), newSendCommand(opts), newWatchCommand(opts))
	return root
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
