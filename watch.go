package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/client"
)

func newWatchCmd() *cobra.Command {
	var (
		url           string
		token         string
		maxReconnects int
		delay         time.Duration
		debug         bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a board and log column counts on every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("BOARD_TOKEN")
			}
			if token == "" {
				return errors.New("a token is required (--token or BOARD_TOKEN)")
			}
			logger := setupLogging(debug, "text", "")
			c := client.New(client.Options{
				URL:            url,
				Token:          token,
				MaxReconnects:  maxReconnects,
				ReconnectDelay: delay,
				Logger:         logger,
			})
			c.Cache().OnChange(func() {
				n := c.Cache().Counts()
				entry := logger.WithFields(log.Fields{"todo": n.Todo, "inprogress": n.InProgress, "done": n.Done, "total": n.Total})
				if msg := c.Cache().LastError(); msg != "" {
					entry = entry.WithField("last_error", msg)
				}
				entry.Info("board changed")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := c.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:5000/ws", "sync channel URL")
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().IntVar(&maxReconnects, "max-reconnects", 5, "consecutive failed attempts before giving up; negative retries forever")
	cmd.Flags().DurationVar(&delay, "reconnect-delay", time.Second, "delay between attempts")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	return cmd
}
