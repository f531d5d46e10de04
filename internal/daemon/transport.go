package daemon

import (
	"bytes"
	"io"

	"github.com/toolmesh/metamcp/internal/wire"
)

// lineWriter adapts a single io.Writer call carrying one MCP JSON-RPC
// response line into the framer's synchronized WriteLine, so MCP responses
// and control frames (helloAck, ownerChanged, error) never interleave
// mid-line on the shared connection.
type lineWriter struct {
	framer *wire.Framer
}

func (w lineWriter) Write(p []byte) (int, error) {
	if err := w.framer.WriteLine(bytes.TrimSuffix(p, []byte("\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// demux reads newline-delimited frames off framer for the lifetime of the
// connection, classifying each one: control frames are handled inline via
// the callbacks, everything else is forwarded verbatim (with its trailing
// newline restored) to mcpIn for the Session Server's stdio listener to
// consume. demux returns once the connection errors, EOF, or a goodbye
// control frame is received; in every case it closes mcpIn so the blocked
// Listen call returns.
func demux(framer *wire.Framer, mcpIn *io.PipeWriter, onHeartbeat func(), onGoodbye func()) {
	for {
		line, err := framer.ReadLine()
		if err != nil {
			_ = mcpIn.CloseWithError(err)
			return
		}
		ctl, isControl := wire.Classify(line)
		if !isControl {
			if _, err := mcpIn.Write(append(append([]byte(nil), line...), '\n')); err != nil {
				_ = mcpIn.CloseWithError(err)
				return
			}
			continue
		}
		switch ctl.Type {
		case wire.Heartbeat:
			if onHeartbeat != nil {
				onHeartbeat()
			}
		case wire.Goodbye:
			if onGoodbye != nil {
				onGoodbye()
			}
			_ = mcpIn.Close()
			return
		default:
			// hello/helloAck/ownerChanged/error are not expected mid-session
			// from the client side; ignore rather than tear down the
			// connection over a misbehaving peer.
		}
	}
}
