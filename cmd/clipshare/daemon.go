package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipshare/internal/clip"
	"go.klb.dev/clipshare/internal/control"
	"go.klb.dev/clipshare/internal/engine"
	"go.klb.dev/clipshare/internal/ipc"
	"go.klb.dev/clipshare/internal/monitor"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/store"
)

func newDaemonCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the clipboard sync daemon",
		Long: `Runs the clipshare daemon: it keeps the clipboard history, watches the
local clipboard while sharing is on and exchanges records and text messages
with one peer over TCP.

The other subcommands control a running daemon through its local socket
(owner-only, no token) or, with --server, through the TCP control port.

Config file search order:
  /etc/clipshare/clipshare.toml
  $HOME/.config/clipshare/clipshare.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → CLIPSHARE_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runDaemon(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String("source", defaultSource(), "name announced to peers")
	f.Int("listen-port", engine.DefaultListenPort, "peer listen port")
	f.Bool("listen", false, "accept peers on --listen-port at startup")
	f.String("listen-host", "", "peer listen address (empty = all interfaces)")
	f.String("peer", "", "peer to connect to at startup (host[:port])")
	f.Bool("sharing", false, "share local clipboard changes from the start")
	f.Bool("write-back", true, "put received records on the local clipboard while sharing")
	f.Bool("share-on-connect", true, "turn sharing on after connecting to a peer")
	f.Bool("reconnect", true, "re-dial the peer after an established link drops")
	f.Duration("poll-interval", monitor.DefaultInterval, "clipboard poll interval")
	f.Duration("read-timeout", monitor.DefaultReadTimeout, "timeout for one clipboard read or write")
	f.Duration("ping-interval", peerlink.DefaultPingInterval, "peer keepalive interval")
	f.String("data-dir", defaultDataDir(), "directory for saved history")
	f.String("store", "file", "history store: file|sqlite")
	f.Int("max-records", 0, "history size limit (0 = unlimited)")
	f.Bool("save-on-exit", true, "save history when the daemon stops")
	f.String("control-addr", defaultControlAddr, "TCP control address for gRPC and HTTP (empty = socket only)")
	f.String("control-token", "", "bearer token required on the TCP control port")
	f.String("clipboard", "system", "clipboard backend: system|memory")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clipshare")
	}
	return ".clipshare"
}

func openStore(kind, dir string) (store.Persister, error) {
	switch kind {
	case "", "file":
		return store.NewFileStore(dir)
	case "sqlite":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.OpenSQLite(filepath.Join(dir, "history.db"))
	default:
		return nil, fmt.Errorf("unknown store %q (want file or sqlite)", kind)
	}
}

func daemonConfig(v *viper.Viper) engine.Config {
	return engine.Config{
		Source:         v.GetString("source"),
		ListenPort:     v.GetInt("listen-port"),
		Sharing:        v.GetBool("sharing"),
		WriteBack:      v.GetBool("write-back"),
		ShareOnConnect: v.GetBool("share-on-connect"),
		Reconnect:      v.GetBool("reconnect"),
		MaxRecords:     v.GetInt("max-records"),
		Monitor: monitor.Config{
			Interval:    v.GetDuration("poll-interval"),
			ReadTimeout: v.GetDuration("read-timeout"),
		},
		Link: peerlink.Config{
			ListenHost:   v.GetString("listen-host"),
			PingInterval: v.GetDuration("ping-interval"),
		},
	}
}

func runDaemon(ctx context.Context, v *viper.Viper) error {
	if err := setupLogging(v); err != nil {
		return err
	}
	cfg := daemonConfig(v)

	backend, err := clip.Open(v.GetString("clipboard"))
	if err != nil {
		return err
	}
	defer backend.Close()

	persister, err := openStore(v.GetString("store"), v.GetString("data-dir"))
	if err != nil {
		return err
	}
	defer persister.Close()

	slog.Info("clipshare daemon starting",
		"version", Version,
		"source", cfg.Source,
		"clipboard", backend.Name(),
		"store", v.GetString("store"),
	)

	eng, err := engine.New(cfg, engine.Deps{Backend: backend, Persister: persister})
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		slog.Warn("history not restored", "err", err)
	}

	token := v.GetString("control-token")
	srv, err := control.NewServer(eng, token)
	if err != nil {
		_ = eng.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// IPC socket for the client subcommands
	if ln, err := ipc.Listen(ipc.SocketPath()); err != nil {
		slog.Warn("IPC socket unavailable", "err", err)
	} else {
		go func() {
			if err := srv.ServeIPC(ln); err != nil {
				slog.Error("IPC server stopped", "err", err)
			}
		}()
	}
	if addr := v.GetString("control-addr"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			slog.Warn("control port unavailable", "addr", addr, "err", err)
		} else {
			if token == "" && !isLoopback(ln.Addr()) {
				slog.Warn("control port is reachable from the network without a token", "addr", ln.Addr().String())
			}
			go func() {
				if err := srv.ServeTCP(ln); err != nil {
					slog.Error("control server stopped", "err", err)
				}
			}()
		}
	}

	if v.GetBool("listen") {
		if err := eng.StartListening(0); err != nil {
			slog.Error("peer listener not started", "err", err)
		}
	}
	if peer := v.GetString("peer"); peer != "" {
		go dialPeer(ctx, eng, peer, cfg.ListenPort)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	switch {
	case !v.GetBool("save-on-exit"):
	case !eng.Restored():
		slog.Warn("history not saved on exit: the saved history was never read")
	default:
		if err := eng.Save(shutdownCtx); err != nil {
			slog.Error("history not saved", "err", err)
		}
	}
	return eng.Close()
}

func dialPeer(ctx context.Context, eng *engine.Engine, peer string, defPort int) {
	host, port, err := splitEndpoint(peer, defPort)
	if err != nil {
		slog.Error("bad peer address", "peer", peer, "err", err)
		return
	}
	if _, err := eng.Connect(ctx, host, port); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("startup connect failed", "peer", peer, "err", err)
	}
}

func isLoopback(addr net.Addr) bool {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.IP.IsLoopback()
	}
	return false
}
