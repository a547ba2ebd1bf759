package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/campusline/chatsync/internal/api"
	"github.com/campusline/chatsync/internal/session"
	"github.com/spf13/cobra"
	grpcstatus "google.golang.org/grpc/status"
)

// Flag variables.
var (
	profileFlag string
	jsonFlag    bool
	timeout     time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Show the daemon's message, not the rpc error wrapper.
		fmt.Fprintf(os.Stderr, "error: %s\n", grpcstatus.Convert(err).Message())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a running chatsyncd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "",
		"profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false,
		"output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"request timeout; watch ignores it")

	rootCmd.AddCommand(
		initCmd,
		statusCmd,
		conversationsCmd,
		openCmd,
		messagesCmd,
		closeCmd,
		sendCmd,
		retryCmd,
		sendImageCmd,
		readCmd,
		typingCmd,
		watchCmd,
		logoutCmd,
	)
}

// dial resolves the profile and connects to its daemon.
func dial() (*api.Client, error) {
	profile, err := session.Resolve(profileFlag)
	if err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a timeout context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
