package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aleph/presence"

	"github.com/spf13/cobra"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Follow online/offline changes published by the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Presence.RedisAddr == "" {
			return errors.New("presence.redis_addr is not set")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := presence.Dial(ctx, cfg.Presence.RedisAddr, cfg.Presence.Channel)
		if err != nil {
			return err
		}
		defer p.Close()

		out := cmd.OutOrStdout()
		return p.Watch(ctx, func(ev presence.Event) {
			state := "offline"
			if ev.IsOnline {
				state = "online"
			}
			fmt.Fprintf(out, "%s %s %s\n", ev.At.Local().Format(time.TimeOnly), ev.UserID, state)
		})
	},
}
