package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/campusline/chatsync/internal/api"
	"github.com/campusline/chatsync/internal/config"
	"github.com/campusline/chatsync/internal/model"
	"github.com/campusline/chatsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	initAPIBase, initToken, initUserID string
	initDefault                        bool
	refreshFlag                        bool
	pageFlag, limitFlag                int
	captionFlag                        string
	prefixFlag                         string
)

func init() {
	initCmd.Flags().StringVar(&initAPIBase, "api-base-url", "", "REST base URL of the chat backend")
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id; read from the token when empty")
	initCmd.Flags().BoolVar(&initDefault, "default", false, "make this the default profile")
	_ = initCmd.MarkFlagRequired("api-base-url")
	_ = initCmd.MarkFlagRequired("token")

	conversationsCmd.Flags().BoolVar(&refreshFlag, "refresh", false, "fetch from the backend instead of the cache")
	openCmd.Flags().IntVar(&pageFlag, "page", 1, "history page, 1 is the newest")
	openCmd.Flags().IntVar(&limitFlag, "limit", 0, "page size; 0 uses the profile default")
	sendImageCmd.Flags().StringVar(&captionFlag, "caption", "", "text sent with the image")
	watchCmd.Flags().StringVar(&prefixFlag, "prefix", "", "only show events whose kind starts with this")
}

var initCmd = &cobra.Command{
	Use:   "init <profile>",
	Short: "Write a profile's settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := session.ValidateName(name); err != nil {
			return err
		}
		if err := session.EnsureDir(name); err != nil {
			return err
		}
		if err := config.Save(session.ProfilePath(name), &config.ProfileFile{
			APIBaseURL: initAPIBase,
			Token:      initToken,
			UserID:     initUserID,
		}); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
		if initDefault {
			if err := config.Save(session.ConfigPath(), &config.Config{DefaultProfile: name}); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
		}
		fmt.Printf("Profile %q written to %s\n", name, session.ProfilePath(name))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Profile: %s\n", st.Profile)
			fmt.Printf("User:    %s\n", st.UserID)
			fmt.Printf("State:   %s\n", st.State)
			if st.LastError != "" {
				fmt.Printf("Error:   %s\n", st.LastError)
			}
			fmt.Printf("Open:    %s\n", strings.Join(st.ActiveConversations, ", "))
			fmt.Printf("Pending: %d\n", st.PendingSends)
			fmt.Printf("Uptime:  %dms\n", st.UptimeMs)
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			convs, err := c.Conversations(ctx, refreshFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(convs)
				return nil
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, conv := range convs {
				preview := ""
				if conv.LastMessage != nil {
					preview = conv.LastMessage.Content
				}
				fmt.Printf("%-24s %-20s %3d  %s\n", conv.UserID, conv.ProfileName, conv.UnreadCount, preview)
			}
			return nil
		})
	},
}

func printMessages(msgs []model.Message) {
	if jsonFlag {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		flag := ""
		switch m.LocalStatus {
		case model.StatusPending:
			flag = " (sending)"
		case model.StatusFailed:
			flag = " (failed)"
		}
		body := m.Content
		if m.ImageURL != "" {
			body = strings.TrimSpace(body + " [image " + m.ImageURL + "]")
		}
		fmt.Printf("%s  %-12s %s%s  #%s\n", m.CreatedAt, m.SenderID, body, flag, m.ID)
	}
}

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Load a conversation and connect the realtime socket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			msgs, err := c.Open(ctx, args[0], pageFlag, limitFlag)
			if err != nil {
				return err
			}
			printMessages(msgs)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Show the daemon's copy of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			msgs, err := c.Messages(ctx, args[0])
			if err != nil {
				return err
			}
			printMessages(msgs)
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <user-id>",
	Short: "Stop tracking a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.CloseConversation(ctx, args[0])
		})
	},
}

func printSent(m model.Message) {
	if jsonFlag {
		outputJSON(m)
		return
	}
	if m.LocalStatus == model.StatusPending {
		fmt.Printf("Queued %s\n", m.ID)
		return
	}
	fmt.Printf("Sent %s\n", m.ID)
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text>...",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printSent(m)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <user-id> <message-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.Retry(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printSent(m)
			return nil
		})
	},
}

var sendImageCmd = &cobra.Command{
	Use:   "send-image <user-id> <file>",
	Short: "Upload an image and send it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.SendImage(ctx, args[0], filepath.Base(args[1]), data, captionFlag)
			if err != nil {
				return err
			}
			printSent(m)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <user-id> [message-id]",
	Short: "Mark a conversation, or one message in it, read",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if len(args) == 2 {
				return c.MarkRead(ctx, args[0], args[1])
			}
			return c.MarkConversationRead(ctx, args[0])
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <user-id>",
	Short: "Send a typing indicator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Typing(ctx, args[0])
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = c.Watch(ctx, prefixFlag, func(evt api.Event) error {
			if jsonFlag {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%d %-32s %v\n", evt.OccurredAtUnixMs, evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil || errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
			return nil
		}
		return err
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Disconnect and clear cached data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}
