package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipshare/internal/control"
	"go.klb.dev/clipshare/internal/record"
)

func newHistoryCmd() *cobra.Command {
	cmd := clientCmd("history", "List the clipboard history, newest first", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.History(ctx)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				if v.GetBool("json") {
					return printJSON(resp)
				}
				records := resp.Records
				if n := v.GetInt("limit"); n > 0 && len(records) > n {
					records = records[:n]
				}
				printHistory(records, v.GetBool("full-id"))
				return nil
			})
		})
	cmd.Flags().Bool("json", false, "output raw JSON")
	cmd.Flags().Int("limit", 20, "show at most this many records (0 = all)")
	cmd.Flags().Bool("full-id", false, "print complete record ids")
	return cmd
}

func printHistory(records []record.View, fullID bool) {
	if len(records) == 0 {
		fmt.Println("History is empty.")
		return
	}
	dim := color.New(color.Faint).SprintFunc()
	kindColor := map[record.Kind]*color.Color{
		record.KindText:  color.New(color.FgGreen),
		record.KindImage: color.New(color.FgCyan),
	}

	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tKIND\tAGE\tCONTENT\n")
	for _, r := range records {
		id := r.ID
		if !fullID && len(id) > 8 {
			id = id[:8]
		}
		kind := r.Kind.String()
		if c, ok := kindColor[r.Kind]; ok {
			kind = c.Sprint(kind)
		}
		age := "-"
		if t, err := record.ParseTime(r.CreatedAt); err == nil {
			age = fmtAge(t)
		}
		content := dim(fmt.Sprintf("<%d bytes>", r.Size))
		if r.Kind == record.KindText {
			content = oneLine(r.Data, 60)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, kind, age, content)
	}
	_ = tw.Flush()
}

// oneLine flattens s to a single line of at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// resolveID expands a unique id prefix, as printed by "history", to the
// full record id.
func resolveID(ctx context.Context, c *control.Client, prefix string) (string, error) {
	resp, err := c.History(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range resp.Records {
		if r.ID == prefix {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
			}
			match = r.ID
		}
	}
	if match == "" {
		// Let the daemon report it as not found.
		return prefix, nil
	}
	return match, nil
}

func newCopyFromCmd() *cobra.Command {
	return clientCmd("copy-from <id>", "Put a history record back on the clipboard", cobra.ExactArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				id, err := resolveID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.CopyFrom(ctx, id)
				if err != nil {
					return fmt.Errorf("copy-from: %w", err)
				}
				fmt.Printf("copied %s %s\n", resp.Record.Kind, resp.Record.ID)
				return nil
			})
		})
}

func newDeleteCmd() *cobra.Command {
	return clientCmd("delete <id>", "Delete one history record", cobra.ExactArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				id, err := resolveID(ctx, c, args[0])
				if err != nil {
					return err
				}
				return c.Delete(ctx, id)
			})
		})
}

func newClearCmd() *cobra.Command {
	return clientCmd("clear", "Delete the whole clipboard history", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				resp, err := c.ClearHistory(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d records\n", resp.Removed)
				return nil
			})
		})
}

func newSaveCmd() *cobra.Command {
	return clientCmd("save", "Persist the history and last peer now", cobra.NoArgs,
		func(cmd *cobra.Command, v *viper.Viper, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				return c.Save(ctx)
			})
		})
}

func newImageCmd() *cobra.Command {
	cmd := clientCmd("image <id>", "Write an image record to stdout (or --out)", cobra.ExactArgs(1),
		func(cmd *cobra.Command, v *viper.Viper, args []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *control.Client) error {
				id, err := resolveID(ctx, c, args[0])
				if err != nil {
					return err
				}
				resp, err := c.ImageBase64(ctx, id)
				if err != nil {
					return fmt.Errorf("image: %w", err)
				}
				if v.GetBool("base64") {
					fmt.Println(resp.Data)
					return nil
				}
				data, err := base64.StdEncoding.DecodeString(resp.Data)
				if err != nil {
					return fmt.Errorf("image: %w", err)
				}
				if out := v.GetString("out"); out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		})
	cmd.Flags().Bool("base64", false, "print base64 instead of raw bytes")
	cmd.Flags().StringP("out", "o", "", "write to this file")
	return cmd
}
