package ipc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Default client timeouts.
const (
	DefaultDialTimeout     = 2 * time.Second
	DefaultResponseTimeout = 10 * time.Second
)

// Client forwards argv to a running server.
type Client struct {
	Addr            string
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
}

// NewClient creates a client for host:port with default timeouts.
func NewClient(host string, port int) *Client {
	return &Client{
		Addr:            net.JoinHostPort(host, strconv.Itoa(port)),
		DialTimeout:     DefaultDialTimeout,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Send performs one request/response exchange.
func (c *Client) Send(ctx context.Context, argv []string) (Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.DialTimeout}
	dctx := ctx
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(dctx, "ws://"+c.Addr+"/", nil)
	if err != nil {
		return Response{}, &DialError{Addr: c.Addr, Err: err}
	}
	defer conn.Close()

	if argv == nil {
		argv = []string{}
	}
	if err := conn.WriteJSON(Request{Code: CodeRequest, Argv: argv}); err != nil {
		return Response{}, fmt.Errorf("sending request: %w", err)
	}

	if c.ResponseTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.ResponseTimeout))
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return DecodeResponse(data)
}
