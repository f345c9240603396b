package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// dialer opens the network connection underneath an MQTT session. It is
// installed as the paho client's connection function so every scheme goes
// through the same code path.
type dialer struct {
	timeout time.Duration
	tls     *tls.Config
	wsPath  string
	wsHdr   http.Header
}

func newDialer(opts *ClientOptions) *dialer {
	return &dialer{
		timeout: opts.ConnectTimeout,
		tls:     opts.TLSConfig,
		wsPath:  opts.WebSocketPath,
		wsHdr:   opts.WebSocketHeader,
	}
}

// Dial connects to server according to its scheme.
func (d *dialer) Dial(ctx context.Context, server *url.URL) (net.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	switch server.Scheme {
	case "mqtt", "tcp":
		return d.dialTCP(ctx, server)
	case "mqtts", "ssl", "tls", "tcps":
		return d.dialTLS(ctx, server)
	case "ws":
		return d.dialWS(ctx, server, "ws", DefaultWSPort, nil)
	case "wss":
		return d.dialWS(ctx, server, "wss", DefaultWSSPort, d.tlsConfig(server))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, server.Scheme)
	}
}

func hostPort(server *url.URL, port int) string {
	if server.Port() != "" {
		return server.Host
	}
	return net.JoinHostPort(server.Hostname(), fmt.Sprintf("%d", port))
}

func (d *dialer) tlsConfig(server *url.URL) *tls.Config {
	cfg := &tls.Config{}
	if d.tls != nil {
		cfg = d.tls.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = server.Hostname()
	}
	return cfg
}

func (d *dialer) dialTCP(ctx context.Context, server *url.URL) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout}
	return nd.DialContext(ctx, "tcp", hostPort(server, DefaultPort))
}

func (d *dialer) dialTLS(ctx context.Context, server *url.URL) (net.Conn, error) {
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		Config:    d.tlsConfig(server),
	}
	return td.DialContext(ctx, "tcp", hostPort(server, DefaultTLSPort))
}

func (d *dialer) dialWS(ctx context.Context, server *url.URL, scheme string, port int, tlsConfig *tls.Config) (net.Conn, error) {
	path := server.Path
	if path == "" {
		path = d.wsPath
	}
	target := url.URL{
		Scheme:   scheme,
		Host:     hostPort(server, port),
		Path:     path,
		RawQuery: server.RawQuery,
	}

	wd := websocket.Dialer{
		HandshakeTimeout: d.timeout,
		TLSClientConfig:  tlsConfig,
		Subprotocols:     []string{"mqtt"},
	}

	conn, resp, err := wd.DialContext(ctx, target.String(), d.wsHdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// wsConn presents a WebSocket as a byte stream. MQTT packets may span or
// share binary frames, so reads continue across frame boundaries.
type wsConn struct {
	*websocket.Conn
	r   io.Reader
	rmu sync.Mutex
	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{Conn: conn}
}

// Read implements net.Conn.
func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.r == nil {
			mt, r, err := c.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements net.Conn. Each call is sent as one binary frame.
func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDeadline implements net.Conn.
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
