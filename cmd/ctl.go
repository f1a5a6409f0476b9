package cmd

import (
	"errors"
	"fmt"
	"strings"

	"aleph/server"

	"github.com/spf13/cobra"
)

var controlSocket string

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Manage a running server over its control socket",
}

var ctlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show connections, sessions and calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "stats")
	},
}

var ctlKickCmd = &cobra.Command{
	Use:   "kick <user>",
	Short: "Disconnect a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "kick|"+args[0])
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "shutdown")
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&controlSocket, "socket", "", "control socket path (default from server.control_socket)")
	ctlCmd.AddCommand(ctlStatsCmd, ctlKickCmd, ctlShutdownCmd)
}

func runControl(cmd *cobra.Command, command string) error {
	path := controlSocket
	if path == "" {
		path = cfg.Server.ControlSocket
	}
	reply, err := server.SendControl(path, command)
	if err != nil {
		return err
	}
	return printControlReply(cmd, reply)
}

func printControlReply(cmd *cobra.Command, reply string) error {
	status, body, _ := strings.Cut(reply, "|")
	switch status {
	case "OK":
		if strings.HasPrefix(body, "connections=") {
			body = strings.ReplaceAll(body, ",", "\n")
		}
		fmt.Fprintln(cmd.OutOrStdout(), body)
		return nil
	case "ERROR":
		return errors.New(body)
	default:
		return fmt.Errorf("unexpected reply %q", reply)
	}
}
