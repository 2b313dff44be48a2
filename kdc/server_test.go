package kdc_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/client"
	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/krb5"
)

func startServer(t *testing.T, r *testRealm) *kdc.Server {
	t.Helper()
	srv, err := kdc.NewServer(kdc.ServerConfig{ListenAddr: "127.0.0.1:0"}, r.engine)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Ready(ctx))
	return srv
}

func TestServer(t *testing.T) {
	// Real time: the server is exercised as a client would see it.
	r := newRealm(t, func(cfg *kdc.Config) { cfg.Now = time.Now })
	srv := startServer(t, r)
	t.Logf("KDC listening on %s (tcp) and %s (udp)", srv.Addr(), srv.UDPAddr())

	_, tcpPort, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	_, udpPort, err := net.SplitHostPort(srv.UDPAddr())
	require.NoError(t, err)
	assert.Equal(t, tcpPort, udpPort)

	transports := map[string]client.Exchanger{
		"tcp": client.TCP{Addr: srv.Addr()},
		"udp": client.UDP{Addr: srv.UDPAddr()},
	}
	for name, tr := range transports {
		t.Run(name, func(t *testing.T) {
			c := r.client(t, func(cfg *client.Config) {
				cfg.Transport = tr
				cfg.Now = time.Now
			})
			ctx := context.Background()
			tgt, err := c.GetTGT(ctx)
			require.NoError(t, err)
			st, err := c.GetServiceTicket(ctx, tgt, service)
			require.NoError(t, err)
			assert.Equal(t, service, st.SName.String())
		})
	}
}

func TestServerTCPConnection(t *testing.T) {
	r := newRealm(t, nil)
	srv := startServer(t, r)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Several requests share one connection.
	for range 2 {
		require.NoError(t, kdc.WriteFrame(conn, []byte{0x30, 0x00}, time.Second))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		b, err := kdc.ReadFrame(conn)
		require.NoError(t, err)
		kerr := decodeError(t, b)
		assert.NotEqual(t, krb5.KDCErrNone, kerr.ErrorCode)
	}

	// An oversized frame closes the connection.
	require.NoError(t, kdc.WriteFrame(conn, nil, time.Second))
	_, err = kdc.ReadFrame(conn)
	require.NoError(t, err)
	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = kdc.ReadFrame(conn)
	assert.Error(t, err)
}

func TestFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	msg := bytes.Repeat([]byte{0x42}, 1000)
	go kdc.WriteFrame(a, msg, time.Second)
	got, err := kdc.ReadFrame(b)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	_, err = kdc.ReadFrame(bytes.NewReader([]byte{0x00, 0x01, 0x00, 0x00}))
	assert.ErrorContains(t, err, "too large")
	_, err = kdc.ReadFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, 0x01}))
	assert.Error(t, err)
}

func TestServerStop(t *testing.T) {
	r := newRealm(t, nil)
	srv, err := kdc.NewServer(kdc.ServerConfig{ListenAddr: "127.0.0.1:0"}, r.engine)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	assert.Error(t, srv.Start(ctx))

	// An idle connection does not hold up shutdown.
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// A stopped server does not start again.
	assert.Error(t, srv.Start(context.Background()))

	_, err = kdc.NewServer(kdc.ServerConfig{}, nil)
	assert.Error(t, err)
}

func TestServerStartFailure(t *testing.T) {
	r := newRealm(t, nil)
	srv, err := kdc.NewServer(kdc.ServerConfig{ListenAddr: "127.0.0.1:99999"}, r.engine)
	require.NoError(t, err)
	require.Error(t, srv.Start(context.Background()))

	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked after a failed Start")
	}
	assert.Error(t, srv.Start(context.Background()))
}
