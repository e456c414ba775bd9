// Package capture records outbound projection datagrams to pcap files so a
// session can be inspected in Wireshark or replayed later.
package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SnapLen is large enough for any UDP datagram.
const SnapLen = 65536

// MaxDatagram is the largest UDP payload an IPv4 packet can carry.
const MaxDatagram = 65507

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Recorder writes each datagram as an Ethernet/IPv4/UDP packet. It is
// safe for concurrent use.
type Recorder struct {
	src, dst *net.UDPAddr
	now      func() time.Time

	mu    sync.Mutex
	f     *os.File
	w     *pcapgo.Writer
	ipID  uint16
	count int
}

// Create truncates path and writes a pcap file header. src and dst become
// the addresses of every recorded packet.
func Create(path string, src, dst *net.UDPAddr) (*Recorder, error) {
	if src == nil || dst == nil {
		return nil, errors.New("capture: source and destination addresses are required")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Recorder{src: src, dst: dst, now: time.Now, f: f, w: w}, nil
}

// WriteDatagram appends one packet carrying payload.
func (r *Recorder) WriteDatagram(payload []byte) error {
	if len(payload) > MaxDatagram {
		return fmt.Errorf("capture: datagram of %d bytes exceeds %d", len(payload), MaxDatagram)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return os.ErrClosed
	}
	r.ipID++
	eth := &layers.Ethernet{SrcMAC: localMAC, DstMAC: clientMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       r.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(r.src.IP),
		DstIP:    ipv4(r.dst.IP),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(r.src.Port), DstPort: layers.UDPPort(r.dst.Port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("capture: serialize: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: r.now(), CaptureLength: len(data), Length: len(data)}
	if err := r.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("capture: write packet: %w", err)
	}
	r.count++
	return nil
}

// Count returns the number of packets written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes and closes the file. Further writes fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.w = nil, nil
	return err
}

func ipv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

// Datagram is one UDP packet read back from a capture.
type Datagram struct {
	Timestamp time.Time
	SrcPort   int
	DstPort   int
	Payload   []byte
}

// ReadDatagrams returns every UDP datagram in the pcap file at path.
// Non-UDP packets are skipped.
func ReadDatagrams(path string) ([]Datagram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	defer f.Close()

	rd, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("capture: read header: %w", err)
	}
	var out []Datagram
	for {
		data, ci, err := rd.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("capture: packet %d: %w", len(out)+1, err)
		}
		pkt := gopacket.NewPacket(data, rd.LinkType(), gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		out = append(out, Datagram{
			Timestamp: ci.Timestamp,
			SrcPort:   int(udp.SrcPort),
			DstPort:   int(udp.DstPort),
			Payload:   append([]byte(nil), udp.Payload...),
		})
	}
}
