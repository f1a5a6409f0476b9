package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"aleph/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "aleph",
	Short: "aleph relays chat and voice calls",
	Long: `aleph is a chat and voice call relay. The server keeps one session per
user, routes messages and call signalling between them and stores history.
The client talks to it over TCP and streams call audio peer to peer over UDP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return setupLogging(loaded.Log)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); ALEPH_* env vars override it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(presenceCmd)
}

func setupLogging(c config.LogConfig) error {
	level := zerolog.InfoLevel
	if c.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(c.Level))
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(c.Format) {
	case "json":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "", "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}
