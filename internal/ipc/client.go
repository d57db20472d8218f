package ipc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"relay-netctl/internal/service"
)

// Client is a control connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
	*service.ControlClient
}

// Dial prepares a connection to the control socket at path. The connection
// is established lazily on the first RPC.
func Dial(path string) (*Client, error) {
	if path == "" {
		path = DefaultSocket
	}
	conn, err := grpc.NewClient(
		"passthrough:///"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialSocket(ctx, path)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &Client{conn: conn, ControlClient: service.NewControlClient(conn)}, nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
