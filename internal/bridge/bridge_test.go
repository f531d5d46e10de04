package bridge

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolmesh/metamcp/internal/wire"
)

// fakeDaemon accepts one connection, reads the hello frame, and replies
// with whatever control frame the test supplies.
func fakeDaemon(t *testing.T) (addr string, hello chan wire.Control, reply func(wire.Control)) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	helloCh := make(chan wire.Control, 1)
	connCh := make(chan net.Conn, 1)

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		framer := wire.NewFramer(conn, conn)
		line, err := framer.ReadLine()
		if err != nil {
			return
		}
		ctl, _ := wire.Classify(line)
		helloCh <- ctl
		connCh <- conn
	}()

	return lis.Addr().String(), helloCh, func(ctl wire.Control) {
		conn := <-connCh
		framer := wire.NewFramer(conn, conn)
		_ = framer.WriteControl(ctl)
	}
}

func TestConnectSucceedsOnHelloAck(t *testing.T) {
	addr, helloCh, reply := fakeDaemon(t)

	b := New(Options{Endpoint: "tcp://" + addr, ClientID: "client-1", HeartbeatInterval: 50 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background()) }()

	ctl := <-helloCh
	require.Equal(t, wire.Hello, ctl.Type)
	require.Equal(t, "client-1", ctl.ClientID)

	reply(wire.Control{Type: wire.HelloAck, SessionID: "sess-1", IsOwner: true})

	require.NoError(t, <-done)
	require.Equal(t, "sess-1", b.SessionID())
	require.True(t, b.IsOwner())
	_ = b.Close()
}

func TestConnectFailsOnErrorFrame(t *testing.T) {
	addr, helloCh, reply := fakeDaemon(t)

	b := New(Options{Endpoint: "tcp://" + addr}, nil)

	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background()) }()

	<-helloCh
	reply(wire.Control{Type: wire.ErrorFrame, Message: "bad secret"})

	err := <-done
	require.Error(t, err)
}

func TestConnectNoRegistryNoSpawn(t *testing.T) {
	b := New(Options{DaemonDir: t.TempDir(), NoSpawn: true}, nil)
	err := b.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoDaemon)
}

func TestRunForwardsMCPFramesBothWays(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	daemonConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		framer := wire.NewFramer(conn, conn)
		line, err := framer.ReadLine()
		require.NoError(t, err)
		ctl, _ := wire.Classify(line)
		require.Equal(t, wire.Hello, ctl.Type)
		require.NoError(t, framer.WriteControl(wire.Control{Type: wire.HelloAck, SessionID: "sess-1"}))
		daemonConnCh <- conn
	}()

	b := New(Options{Endpoint: "tcp://" + lis.Addr().String(), HeartbeatInterval: time.Minute}, nil)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	daemonConn := <-daemonConnCh
	daemonFramer := wire.NewFramer(daemonConn, daemonConn)

	// Separate pipes for the parent's stdin and stdout, so the bridge's own
	// reader never consumes what the bridge writes back to the parent.
	parentIn, parentInWriter := net.Pipe()
	parentOutReader, parentOut := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx, parentIn, parentOut) }()

	// Parent -> daemon.
	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	_, err = parentInWriter.Write(append(append([]byte(nil), req...), '\n'))
	require.NoError(t, err)
	_ = daemonConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	gotLine, err := daemonFramer.ReadLine()
	require.NoError(t, err)
	require.True(t, bytes.Equal(gotLine, req))

	// Daemon -> parent.
	resp := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	require.NoError(t, daemonFramer.WriteLine(resp))
	buf := make([]byte, 4096)
	_ = parentOutReader.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := parentOutReader.Read(buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(bytes.TrimSpace(buf[:n]), resp))

	cancel()
	_ = daemonConn.Close()
	<-runDone
}
