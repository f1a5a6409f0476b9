package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aleph/admin"
	"aleph/config"
	"aleph/db"
	"aleph/presence"
	"aleph/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func runServe(ctx context.Context, c *config.Config) error {
	store, err := db.Open(ctx, c.DB.Driver, c.DB.Path, c.DB.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("module", "main").Str("driver", c.DB.Driver).Msg("store opened")

	if err := db.SeedUsers(ctx, store, c.Server.DefaultUsers); err != nil {
		return err
	}

	var pub server.Presence
	if c.Presence.RedisAddr != "" {
		rp, err := presence.Dial(ctx, c.Presence.RedisAddr, c.Presence.Channel)
		if err != nil {
			return err
		}
		defer rp.Close()
		pub = rp
	}

	srv := server.New(store, &server.ServerConfig{
		Addr:              c.Server.Addr(),
		ReadChunk:         c.Server.ReadChunk,
		MaxFrameBytes:     c.Server.MaxFrameBytes,
		WriteTimeout:      c.Server.WriteTimeout,
		SendQueue:         c.Server.SendQueue,
		MaxConnections:    c.Server.MaxConnections,
		HeartbeatInterval: c.Server.HeartbeatInterval,
		OnlineTimeout:     c.Server.OnlineTimeout,
		CallTimeout:       c.Server.CallTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
	}, pub)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A shutdown from the control socket stops only the relay; take the
		// other listeners down with it.
		defer cancel()
		return srv.Run(gctx)
	})
	if c.Server.ControlSocket != "" {
		g.Go(func() error {
			return srv.ServeControl(gctx, c.Server.ControlSocket)
		})
	}
	if c.Admin.Addr != "" {
		g.Go(func() error {
			return admin.Serve(gctx, c.Admin.Addr, admin.New(srv).Router())
		})
	}

	return g.Wait()
}
