package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monodb/monodb/bson"
	"github.com/monodb/monodb/internal/config"
	"github.com/monodb/monodb/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func buildPingMsg(t *testing.T, flags uint32) []byte {
	t.Helper()
	cmd := bson.DocFromElements(bson.Element{Name: "ping", Value: bson.Int32(1)})
	cmdBytes, err := bson.Encode(cmd)
	require.NoError(t, err)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, flags)
	body = append(body, 0) // section kind 0
	body = append(body, cmdBytes...)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(16+len(body)))
	binary.LittleEndian.PutUint32(header[4:8], 42)
	binary.LittleEndian.PutUint32(header[12:16], uint32(wire.OpMsg))
	return append(header, body...)
}

func readReply(t *testing.T, conn net.Conn) *bson.Document {
	t.Helper()
	header := make([]byte, 16)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	length := binary.LittleEndian.Uint32(header[0:4])
	rest := make([]byte, length-16)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	// rest = flags(4) + kind(1) + document
	doc, err := bson.Decode(rest[5:])
	require.NoError(t, err)
	return doc
}

func TestServerRepliesToPing(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)

	_, err := conn.Write(buildPingMsg(t, 0))
	require.NoError(t, err)

	reply := readReply(t, conn)
	v, ok := reply.Get("ok")
	require.True(t, ok)
	f, _ := v.AsDouble()
	require.Equal(t, float64(1), f)
}

// TestServerRejectsUnknownRequiredFlagWithoutClosingConnection exercises
// spec.md §8.6: an OP_MSG with an unknown required flag bit set gets a
// structured ProtocolError reply, and the connection stays open for
// the next request.
func TestServerRejectsUnknownRequiredFlagWithoutClosingConnection(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)

	_, err := conn.Write(buildPingMsg(t, 1<<3))
	require.NoError(t, err)

	reply := readReply(t, conn)
	v, ok := reply.Get("ok")
	require.True(t, ok)
	f, _ := v.AsDouble()
	require.Equal(t, float64(0), f)
	code, ok := reply.Get("code")
	require.True(t, ok)
	n, _ := code.AsInt32()
	require.Equal(t, int32(17), n)
	name, ok := reply.Get("codeName")
	require.True(t, ok)
	s1, _ := name.AsString()
	require.Equal(t, "ProtocolError", s1)

	// The connection must still be usable afterward.
	_, err = conn.Write(buildPingMsg(t, 0))
	require.NoError(t, err)
	reply2 := readReply(t, conn)
	v2, _ := reply2.Get("ok")
	f2, _ := v2.AsDouble()
	require.Equal(t, float64(1), f2)
}
