package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/client"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
)

func TestServerAcceptsAndDispatchesLogin(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: 0, MaxConnections: 8}, zap.NewNop())
	srv.NewSession = func(codec *protocol.Codec) *client.Session {
		return client.New(codec, zap.NewNop(), time.Now())
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	params, err := json.Marshal(protocol.LoginParams{Login: "wallet", Agent: "xmrig/6.0"})
	require.NoError(t, err)
	require.NoError(t, codec.WriteRequest(protocol.Request{ID: 1, Method: protocol.MethodLogin, Params: params}))

	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	require.Nil(t, frame.Error)

	var result protocol.LoginResult
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	require.Equal(t, "OK", result.Status)
	require.NotEmpty(t, result.ID)
}

func TestServerRejectsConnectionsPastMaxConnections(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: 0, MaxConnections: 1}, zap.NewNop())
	srv.NewSession = func(codec *protocol.Codec) *client.Session {
		return client.New(codec, zap.NewNop(), time.Now())
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return srv.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	require.Error(t, err, "server closes connections past MaxConnections")
}
