package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipshare/internal/control"
	"go.klb.dev/clipshare/internal/peerlink"
)

func newStatusCmd() *cobra.Command {
	cmd := clientCmd("status", "Show the daemon's sharing state and connections", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				if v.GetBool("json") {
					return printJSON(resp)
				}
				printStatus(resp)
				return nil
			})
		})
	cmd.Flags().Bool("json", false, "output raw JSON")
	return cmd
}

func printStatus(st *control.StatusResponse) {
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Source:\t%s\n", st.Source)
	fmt.Fprintf(w, "Clipboard:\t%s\n", st.Clipboard)
	fmt.Fprintf(w, "Sharing:\t%s\n", onOff(st.Sharing))
	fmt.Fprintf(w, "Write-back:\t%s\n", onOff(st.WriteBack))
	if st.Listening {
		fmt.Fprintf(w, "Listening:\t%s\n", st.ListenAddr)
	} else {
		fmt.Fprintf(w, "Listening:\toff\n")
	}
	if st.Reconnecting {
		fmt.Fprintf(w, "Reconnecting:\tyes\n")
	}
	if st.Peer != nil {
		fmt.Fprintf(w, "Last peer:\t%s:%d\n", st.Peer.Address, st.Peer.Port)
	}
	fmt.Fprintf(w, "History:\t%d records (v%d)\n", st.Records, st.HistoryVersion)
	fmt.Fprintf(w, "Messages:\t%d\n", st.Messages)
	fmt.Fprintln(w)
	_ = w.Flush()

	if len(st.Connections) == 0 {
		fmt.Println("No connections.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ROLE\tADDR\tPEER\tSTATE\tCONNECTED\tLAST SEEN\n")
	_, _ = fmt.Fprintf(tw, "----\t----\t----\t-----\t---------\t---------\n")
	for _, p := range st.Connections {
		state := stateColor(p.State).Sprint(p.State)
		if p.Reason != "" {
			state += " (" + p.Reason + ")"
		}
		peer := p.PeerSource
		if peer == "" {
			peer = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Role, p.RemoteAddr, peer, state, age(p.ConnectedAt), age(p.LastSeen))
	}
	_ = tw.Flush()
}

func stateColor(s peerlink.State) *color.Color {
	switch s {
	case peerlink.StateConnected:
		return color.New(color.FgGreen)
	case peerlink.StateFailed:
		return color.New(color.FgRed)
	case peerlink.StateConnecting:
		return color.New(color.FgYellow)
	}
	return color.New(color.Reset)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmtAge(t)
}

func newMessagesCmd() *cobra.Command {
	cmd := clientCmd("messages", "Show sent and received text messages", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Messages(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(resp)
				}
				out := color.New(color.FgBlue)
				in := color.New(color.FgMagenta)
				for _, m := range resp.Messages {
					who := in.Sprint(m.Peer)
					if m.Outgoing {
						who = out.Sprint("me")
					}
					fmt.Printf("%s %s: %s\n", m.At.Local().Format("15:04:05"), who, m.Text)
				}
				return nil
			})
		})
	cmd.Flags().Bool("json", false, "output raw JSON")
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := clientCmd("events", "Stream daemon events until interrupted", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			c, closeFn, err := connect(cmd, v)
			if err != nil {
				return err
			}
			defer closeFn()
			enc := json.NewEncoder(os.Stdout)
			// No timeout: the stream runs until the daemon or the user ends it.
			return c.Events(cmd.Context(), v.GetStringSlice("name"), func(ev *control.EventMessage) error {
				return enc.Encode(ev)
			})
		})
	cmd.Flags().StringSlice("name", nil, "only these events (e.g. clipboard_received,message_received)")
	return cmd
}
