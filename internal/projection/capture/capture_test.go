package capture

import (
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pcap")
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50007}

	r, err := Create(path, src, dst)
	require.NoError(t, err)
	payloads := [][]byte{
		[]byte("1, beys:(1, 10, 20), hits:"),
		[]byte("2, beys:, hits:(5, 5)"),
		{},
	}
	for _, p := range payloads {
		require.NoError(t, r.WriteDatagram(p))
	}
	assert.Equal(t, 3, r.Count())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.WriteDatagram([]byte("late")))

	got, err := ReadDatagrams(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, 40000, d.SrcPort)
		assert.Equal(t, 50007, d.DstPort)
		assert.Equal(t, string(payloads[i]), string(d.Payload))
		assert.False(t, d.Timestamp.IsZero())
	}
}

func TestRecorder_RejectsOversize(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	r, err := Create(filepath.Join(t.TempDir(), "x.pcap"), addr, addr)
	require.NoError(t, err)
	defer r.Close()

	assert.Error(t, r.WriteDatagram([]byte(strings.Repeat("x", MaxDatagram+1))))
	assert.Zero(t, r.Count())
}

func TestCreate_Errors(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.pcap"), nil, nil)
	assert.Error(t, err)

	addr := &net.UDPAddr{Port: 1}
	_, err = Create(filepath.Join(t.TempDir(), "missing", "x.pcap"), addr, addr)
	assert.Error(t, err)

	_, err = ReadDatagrams(filepath.Join(t.TempDir(), "none.pcap"))
	assert.Error(t, err)
}
