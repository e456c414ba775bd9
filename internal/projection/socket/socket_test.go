package socket

import (
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/banshee-data/projector/internal/monitoring"
	"github.com/banshee-data/projector/internal/projection/capture"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/projection/wire"
)

func init() {
	monitoring.Mute()
}

// listenClient stands in for the visualisation client's UDP socket.
func listenClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, MaxDatagram)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func assertNoDatagram(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, MaxDatagram)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, _, err := conn.ReadFromUDP(buf)
	assert.Error(t, err, "unexpected datagram %q", buf[:n])
}

func connect(t *testing.T, client *net.UDPConn, mutate func(*Options)) *Adapter {
	t.Helper()
	opts := DefaultOptions()
	opts.UDPPort = client.LocalAddr().(*net.UDPAddr).Port
	opts.TCPPort = 0
	if mutate != nil {
		mutate(&opts)
	}
	a := NewAdapter(opts)
	require.True(t, a.Connect())
	t.Cleanup(a.Disconnect)
	return a
}

var sampleObjects = []protocol.TrackedObject{
	{ID: 1, PosX: 100.5, PosY: 200},
	{ID: 2, PosX: 300, PosY: 400.25},
}

func TestAdapter_SendCompactFrame(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)
	assert.True(t, a.IsConnected())

	hits := []protocol.Collision{{PosX: 200, PosY: 300, ObjectID1: 1, ObjectID2: 2, IsNew: true}}
	require.True(t, a.SendTrackingData(1, sampleObjects, hits))

	got := readDatagram(t, client)
	assert.Equal(t, "1, beys:(1, 100.5, 200)(2, 300, 400.25), hits:(200, 300)", string(got))
	f, err := protocol.Compact{}.DecodeFrame(got)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.FrameID)
	assert.Len(t, f.Objects, 2)

	info, ok := a.ClientInfo()
	require.True(t, ok)
	assert.Equal(t, Name, info.Transport)
	assert.Equal(t, protocol.NameCompact, info.Serializer)
	assert.Equal(t, uint64(1), info.FramesSent)
	assert.Equal(t, uint64(len(got)), info.BytesSent)
	assert.Equal(t, client.LocalAddr().String(), info.Endpoint)
}

func TestAdapter_DedupeSkipsRepeats(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)

	require.True(t, a.SendTrackingData(1, sampleObjects, nil))
	require.True(t, a.SendTrackingData(1, sampleObjects, nil), "a skipped repeat still counts as delivered")
	require.True(t, a.SendTrackingData(2, sampleObjects, nil))

	first := readDatagram(t, client)
	second := readDatagram(t, client)
	assert.Contains(t, string(first), "1, beys:")
	assert.Contains(t, string(second), "2, beys:")

	info, _ := a.ClientInfo()
	assert.Equal(t, uint64(2), info.FramesSent)
}

func TestAdapter_DedupeDisabled(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, func(o *Options) { o.Dedupe = false })

	require.True(t, a.SendTrackingData(1, sampleObjects, nil))
	require.True(t, a.SendTrackingData(1, sampleObjects, nil))
	assert.Equal(t, readDatagram(t, client), readDatagram(t, client))
}

func TestAdapter_BinaryStrategiesCarryHeader(t *testing.T) {
	for _, name := range []string{protocol.NameCBOR, protocol.NameJSON, protocol.NameProto} {
		t.Run(name, func(t *testing.T) {
			client := listenClient(t)
			a := connect(t, client, func(o *Options) { o.Serializer = name })

			require.True(t, a.SendTrackingData(10, sampleObjects, nil))
			require.True(t, a.SendTrackingData(11, sampleObjects, nil))

			st, err := protocol.StrategyByName(name)
			require.NoError(t, err)
			for i, want := range []uint64{10, 11} {
				h, payload, err := wire.Decode(readDatagram(t, client))
				require.NoError(t, err)
				assert.Equal(t, uint64(i), h.FrameCounter)
				f, err := st.DecodeFrame(payload)
				require.NoError(t, err)
				assert.Equal(t, want, f.FrameID)
				assert.Equal(t, sampleObjects, f.Objects)
			}
		})
	}
}

func TestAdapter_OversizeDatagram(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)

	objects := make([]protocol.TrackedObject, 10000)
	for i := range objects {
		objects[i] = protocol.TrackedObject{ID: int32(i), PosX: 1234.5, PosY: 678.25}
	}
	assert.False(t, a.SendTrackingData(1, objects, nil))
	assertNoDatagram(t, client)

	info, _ := a.ClientInfo()
	assert.Equal(t, uint64(1), info.OversizeRejected)
	assert.Zero(t, info.FramesSent)
}

func TestAdapter_ProjectionConfigIsRetainedOnly(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)

	assert.True(t, a.SendProjectionConfig(1280, 720))
	d, ok := a.DisplayConfig()
	require.True(t, ok)
	assert.Equal(t, protocol.NewDisplayConfig(1280, 720), d)
	assertNoDatagram(t, client)
	assert.False(t, a.Capabilities().DisplayConfigDelivery)
}

func TestAdapter_Batching(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, func(o *Options) {
		o.EnableBatching = true
		o.BatchMaxSize = 3
		o.BatchMaxAge = time.Hour
	})

	for i := uint64(1); i <= 3; i++ {
		require.True(t, a.SendTrackingData(i, sampleObjects[:1], nil))
	}
	got := readDatagram(t, client)
	assert.Regexp(t, `^BATCH:3;`, string(got))
	frames, err := protocol.Compact{}.DecodeBatch(got)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(3), frames[2].FrameID)

	// A partial batch goes out on disconnect.
	require.True(t, a.SendTrackingData(4, sampleObjects[:1], nil))
	a.Disconnect()
	got = readDatagram(t, client)
	assert.Regexp(t, `^BATCH:1;4,`, string(got))
}

func TestAdapter_Capture(t *testing.T) {
	client := listenClient(t)
	path := filepath.Join(t.TempDir(), "socket.pcap")
	rec, err := capture.Create(path,
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000},
		client.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	a := connect(t, client, func(o *Options) { o.Capture = rec.WriteDatagram })
	require.True(t, a.SendTrackingData(1, sampleObjects, nil))
	require.True(t, a.SendTrackingData(2, sampleObjects, nil))
	want := []string{string(readDatagram(t, client)), string(readDatagram(t, client))}
	require.NoError(t, rec.Close())

	got, err := capture.ReadDatagrams(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, d := range got {
		assert.Equal(t, want[i], string(d.Payload))
	}
}

func dialCommands(t *testing.T, a *Adapter) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", a.CommandAddr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func collectCommands(t *testing.T, a *Adapter, n int) []protocol.Command {
	t.Helper()
	var got []protocol.Command
	require.Eventually(t, func() bool {
		got = append(got, a.ReceiveCommands()...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestAdapter_LineCommands(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)
	conn := dialCommands(t, a)

	_, err := conn.Write([]byte("calibrate\nTHRESHOLD_UP\n bogus \n"))
	require.NoError(t, err)
	assert.Equal(t, "calibratedthreshold:16", readResponse(t, conn, len("calibratedthreshold:16")))

	got := collectCommands(t, a, 2)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.CommandCalibrate, got[0].Kind)
	assert.Equal(t, protocol.CommandThresholdAdjust, got[1].Kind)
	assert.Equal(t, "up", got[1].Params["direction"])
	assert.Positive(t, got[0].Timestamp)
	assert.Empty(t, a.ReceiveCommands(), "commands are drained once")

	info, _ := a.ClientInfo()
	assert.True(t, info.PeerConnected)
	assert.Equal(t, uint64(2), info.CommandsReceived)
}

func TestAdapter_PeerReconnects(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)

	conn := dialCommands(t, a)
	require.Eventually(t, func() bool {
		info, _ := a.ClientInfo()
		return info.PeerConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		info, _ := a.ClientInfo()
		return !info.PeerConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn = dialCommands(t, a)
	_, err := conn.Write([]byte("threshold_down"))
	require.NoError(t, err)
	assert.Equal(t, "threshold:14", readResponse(t, conn, len("threshold:14")))
	got := collectCommands(t, a, 1)
	assert.Equal(t, "down", got[0].Params["direction"])
}

func TestAdapter_CustomHandler(t *testing.T) {
	client := listenClient(t)
	var (
		mu   sync.Mutex
		seen []protocol.CommandKind
	)
	a := connect(t, client, func(o *Options) {
		o.Handler = func(cmd protocol.Command) string {
			mu.Lock()
			seen = append(seen, cmd.Kind)
			mu.Unlock()
			if cmd.Kind == protocol.CommandHeartbeat {
				return "alive"
			}
			return ""
		}
	})
	conn := dialCommands(t, a)

	_, err := conn.Write([]byte("shutdown\nheartbeat\n"))
	require.NoError(t, err)
	assert.Equal(t, "alive", readResponse(t, conn, len("alive")))
	collectCommands(t, a, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.CommandKind{protocol.CommandShutdown, protocol.CommandHeartbeat}, seen)
}

func TestAdapter_Disconnect(t *testing.T) {
	client := listenClient(t)
	a := connect(t, client, nil)
	addr := a.CommandAddr()

	a.Disconnect()
	assert.False(t, a.IsConnected())
	assert.False(t, a.SendTrackingData(1, sampleObjects, nil))
	assert.Nil(t, a.ReceiveCommands())
	assert.Empty(t, a.CommandAddr())
	_, ok := a.ClientInfo()
	assert.False(t, ok)
	a.Disconnect()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")

	require.True(t, a.Connect())
	require.True(t, a.SendTrackingData(5, sampleObjects, nil))
	assert.Contains(t, string(readDatagram(t, client)), "5, beys:")
}

func TestAdapter_ConnectFailsWhenPortTaken(t *testing.T) {
	client := listenClient(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	opts := DefaultOptions()
	opts.UDPPort = client.LocalAddr().(*net.UDPAddr).Port
	opts.TCPPort = ln.Addr().(*net.TCPAddr).Port
	a := NewAdapter(opts)

	assert.False(t, a.Connect())
	assert.False(t, a.IsConnected())
	assert.False(t, a.SendTrackingData(1, sampleObjects, nil))
	a.Disconnect()
}

func TestDropped(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EAGAIN, unix.ENOBUFS, unix.ECONNREFUSED} {
		err := &net.OpError{Op: "write", Net: "udp", Err: errno}
		assert.True(t, dropped(err), errno.Error())
	}
	assert.False(t, dropped(&net.OpError{Op: "write", Net: "udp", Err: unix.EBADF}))
}

func TestDefaultHandler(t *testing.T) {
	cmd, ok := protocol.ParseLineCommand("threshold_down")
	require.True(t, ok)
	assert.Equal(t, "threshold:14", DefaultHandler(cmd))
	cmd, _ = protocol.ParseLineCommand("threshold_up")
	assert.Equal(t, "threshold:16", DefaultHandler(cmd))
	cmd, _ = protocol.ParseLineCommand("calibrate")
	assert.Equal(t, "calibrated", DefaultHandler(cmd))
	cmd, _ = protocol.ParseLineCommand("heartbeat")
	assert.Empty(t, DefaultHandler(cmd))
}
