// Package client speaks the relay protocol from the sending side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go-relay/internal/protocol"
)

// ErrUnexpectedResponse means the server answered Login with something
// other than LoginResponse.
var ErrUnexpectedResponse = errors.New("client: unexpected response to login")

type Client struct {
	conn net.Conn
	wire *protocol.Conn
}

func Dial(ctx context.Context, addr string, opts protocol.Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, wire: protocol.NewConn(conn, opts)}, nil
}

// Login sends the credentials and waits for the verdict. On rejection the
// server follows up with Quit, which is consumed here.
func (c *Client) Login(username, password string) (bool, error) {
	if err := c.wire.Send(protocol.Login{Username: username, Password: password}); err != nil {
		return false, fmt.Errorf("send login: %w", err)
	}
	m, err := c.wire.Receive()
	if err != nil {
		return false, fmt.Errorf("receive login response: %w", err)
	}
	resp, ok := m.(protocol.LoginResponse)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnexpectedResponse, m.Kind())
	}
	if !resp.Success {
		if m, err := c.wire.Receive(); err == nil && m.Kind() != protocol.KindQuit {
			return false, fmt.Errorf("%w: %s after rejection", ErrUnexpectedResponse, m.Kind())
		}
	}
	return resp.Success, nil
}

func (c *Client) SendText(body string) error {
	return c.wire.Send(protocol.Text{Body: body})
}

func (c *Client) SendFile(name string, content []byte) error {
	return c.wire.Send(protocol.File{Name: name, Content: content})
}

func (c *Client) SendImage(name string, content []byte) error {
	return c.wire.Send(protocol.Image{Name: name, Content: content})
}

// Send writes any message, including ones the server will ignore.
func (c *Client) Send(m protocol.Message) error {
	return c.wire.Send(m)
}

// SendRaw writes bytes as one frame without encoding them.
func (c *Client) SendRaw(payload []byte) error {
	return c.wire.WriteFrame(payload)
}

func (c *Client) Receive() (protocol.Message, error) {
	return c.wire.Receive()
}

// Quit tells the server to end the session and closes the socket.
func (c *Client) Quit() error {
	err := c.wire.Send(protocol.Quit{})
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Conn exposes the socket for deadline control.
func (c *Client) Conn() net.Conn {
	return c.conn
}
