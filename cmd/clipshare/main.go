// clipshare: peer-to-peer clipboard sharing over TCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "clipshare",
		Short: "Peer-to-peer clipboard sharing",
		Long: `clipshare keeps a clipboard history and shares it with one peer over a
direct TCP connection. Either side can listen; the other connects.

Run "clipshare daemon" on each host, then "clipshare listen" on one and
"clipshare connect <host>" on the other. Text messages travel over the same
link ("clipshare send").

Config file search order (first found wins):
  /etc/clipshare/clipshare.toml
  $HOME/.config/clipshare/clipshare.toml
  path supplied via --config

All flags can be set via CLIPSHARE_<FLAG> env vars or config-file keys.
See "clipshare daemon --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newListenCmd(),
		newStopListeningCmd(),
		newHistoryCmd(),
		newCopyFromCmd(),
		newDeleteCmd(),
		newClearCmd(),
		newSaveCmd(),
		newImageCmd(),
		newSendCmd(),
		newShareCmd(),
		newSharingCmd(),
		newMessagesCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newSignalCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("clipshare %s\n", Version)
		},
	}
}
