package mqtt

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	u, err := url.Parse("tcp://" + ln.Addr().String())
	require.NoError(t, err)

	conn, err := newDialer(NewClientOptions()).Dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf)
}

func TestDialUnsupportedScheme(t *testing.T) {
	u, _ := url.Parse("quic://broker:1883")
	_, err := newDialer(NewClientOptions()).Dial(context.Background(), u)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestHostPortDefaults(t *testing.T) {
	u, _ := url.Parse("tcp://broker.local")
	assert.Equal(t, "broker.local:1883", hostPort(u, DefaultPort))

	u, _ = url.Parse("ssl://broker.local:9999")
	assert.Equal(t, "broker.local:9999", hostPort(u, DefaultTLSPort))
}

func TestWebSocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	handshake := make(chan [2]string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handshake <- [2]string{r.URL.Path, conn.Subprotocol()}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"

	conn, err := newDialer(NewClientOptions()).Dial(context.Background(), u)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(" world"))
	require.NoError(t, err)

	// Reads run across frame boundaries.
	buf := make([]byte, 11)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
	hs := <-handshake
	assert.Equal(t, DefaultWebSocketPath, hs[0])
	assert.Equal(t, "mqtt", hs[1])
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSSettings{Mode: TLSDisabled})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = BuildTLSConfig(TLSSettings{Mode: TLSCASigned, Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = BuildTLSConfig(TLSSettings{Mode: TLSCAFile})
	assert.Error(t, err)

	_, err = BuildTLSConfig(TLSSettings{Mode: TLSCAFile, CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)

	_, err = ParseTLSMode("Sometimes")
	assert.Error(t, err)
	mode, err := ParseTLSMode("")
	require.NoError(t, err)
	assert.Equal(t, TLSDisabled, mode)
}

func TestWebSocketHeader(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	site := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site <- r.Header.Get("X-Site")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"

	opts := NewClientOptions()
	WithWebSocketHeader(http.Header{"X-Site": {"plant"}})(opts)
	conn, err := newDialer(opts).Dial(context.Background(), u)
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, "plant", <-site)
}
