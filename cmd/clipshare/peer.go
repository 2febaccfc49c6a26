package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipshare/internal/control"
	"go.klb.dev/clipshare/internal/engine"
)

// clientCmd builds a daemon-facing command with the shared client flags.
func clientCmd(use, short string, args cobra.PositionalArgs, run func(*cobra.Command, *viper.Viper, []string) error) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    args,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, a []string) error { return run(cmd, v, a) },
	}
	addClientFlags(cmd)
	return cmd
}

func newConnectCmd() *cobra.Command {
	cmd := clientCmd("connect <host[:port]>", "Connect the daemon to a peer", cobra.ExactArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			host, port, err := splitEndpoint(args[0], v.GetInt("port"))
			if err != nil {
				return err
			}
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Connect(ctx, host, port)
				if err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				info := resp.Connection
				peer := info.PeerSource
				if peer == "" {
					peer = "unnamed peer"
				}
				fmt.Printf("connected to %s (%s)\n", info.RemoteAddr, peer)
				return nil
			})
		})
	cmd.Flags().Int("port", engine.DefaultListenPort, "peer port when the address has none")
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	cmd := clientCmd("disconnect", "Close the outbound peer link", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				return c.Disconnect(ctx)
			})
		})
	return cmd
}

func newListenCmd() *cobra.Command {
	cmd := clientCmd("listen", "Accept peer connections", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.StartListening(ctx, v.GetInt("port"))
				if err != nil {
					return fmt.Errorf("listen: %w", err)
				}
				fmt.Printf("listening on %s\n", resp.Addr)
				return nil
			})
		})
	cmd.Flags().Int("port", 0, "listen port (0 = the daemon's listen-port)")
	return cmd
}

func newStopListeningCmd() *cobra.Command {
	cmd := clientCmd("stop-listening", "Stop accepting peers and drop accepted links", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				return c.StopListening(ctx)
			})
		})
	return cmd
}

func newSendCmd() *cobra.Command {
	cmd := clientCmd("send [text...]", "Send a text message to connected peers (stdin when no args)", cobra.ArbitraryArgs,
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = strings.TrimRight(string(data), "\n")
			}
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				return c.SendMessage(ctx, text)
			})
		})
	return cmd
}

func newShareCmd() *cobra.Command {
	cmd := clientCmd("share", "Send the current clipboard to connected peers now", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.SendClipboard(ctx)
				if err != nil {
					return fmt.Errorf("share: %w", err)
				}
				if resp.Warning != "" {
					return fmt.Errorf("share: recorded %s but %s", resp.Record.ID, resp.Warning)
				}
				fmt.Printf("sent %s %s\n", resp.Record.Kind, resp.Record.ID)
				return nil
			})
		})
	return cmd
}

func newSharingCmd() *cobra.Command {
	cmd := clientCmd("sharing [on|off]", "Show or switch automatic sharing", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				if len(args) == 0 {
					st, err := c.Status(ctx)
					if err != nil {
						return err
					}
					fmt.Println(onOff(st.Sharing))
					return nil
				}
				var enabled bool
				switch strings.ToLower(args[0]) {
				case "on", "true", "1":
					enabled = true
				case "off", "false", "0":
				default:
					return fmt.Errorf("want on or off, got %q", args[0])
				}
				resp, err := c.SetSharing(ctx, enabled)
				if err != nil {
					return err
				}
				fmt.Println(onOff(resp.Enabled))
				return nil
			})
		})
	return cmd
}

func newSignalCmd() *cobra.Command {
	cmd := clientCmd("signal <payload>", "Send a payload through the front-to-back channel", cobra.ExactArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				return c.Signal(ctx, args[0])
			})
		})
	return cmd
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
