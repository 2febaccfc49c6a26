package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.klb.dev/clipshare/internal/control"
	"go.klb.dev/clipshare/internal/ipc"
)

const defaultControlAddr = "127.0.0.1:8753"

func isContainerID(s string) bool {
	if len(s) < 12 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// defaultSource returns a human-readable identifier for this host.
func defaultSource() string {
	for _, env := range []string{
		"CLIPSHARE_SOURCE",
		"CONTAINER_NAME",
		"COMPOSE_SERVICE",
		"SERVICE_NAME",
		"HOSTNAME_FRIENDLY",
	} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	if isContainerID(h) {
		return "container-" + h[:8]
	}
	return h
}

// splitEndpoint parses "host:port" or a bare host, which gets defPort.
func splitEndpoint(s string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		return s, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

// addClientFlags adds the flags every daemon-facing command shares.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", defaultControlAddr, "daemon control address (used when the local socket is absent)")
	f.String("token", "", "control token for --server")
	f.Duration("timeout", 10*time.Second, "request timeout")
	addConfigFlag(cmd)
}

// dialIPC returns a *grpc.ClientConn connected to the local IPC Unix socket.
// The socket is owner-only, so no token is sent.
func dialIPC(path string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		ipc.Target(path),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// dialServer connects to the daemon's TCP control port.
func dialServer(addr, token string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&clientCreds{token: token}))
	}
	return grpc.NewClient(addr, opts...)
}

// connect prefers the local socket unless --server was given explicitly.
func connect(cmd *cobra.Command, v *viper.Viper) (*control.Client, func(), error) {
	var (
		conn *grpc.ClientConn
		err  error
	)
	if path := ipc.SocketPath(); !cmd.Flags().Changed("server") && ipc.IsRunning(path) {
		conn, err = dialIPC(path)
		if err != nil {
			conn = nil
		}
	}
	if conn == nil {
		token := v.GetString("token")
		if token == "" {
			token = v.GetString("control-token")
		}
		conn, err = dialServer(v.GetString("server"), token)
		if err != nil {
			return nil, nil, fmt.Errorf("dial: %w", err)
		}
	}
	return control.NewClient(conn), func() { _ = conn.Close() }, nil
}

// withClient runs fn with a connected client and a request timeout.
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *control.Client) error) error {
	c, closeFn, err := connect(cmd, v)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type clientCreds struct {
	token string
}

func (c *clientCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (c *clientCreds) RequireTransportSecurity() bool { return false }

func fmtAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Local().Format("15:04:05")
}
