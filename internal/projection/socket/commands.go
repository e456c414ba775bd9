package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/timeutil"
)

// Command server defaults.
const (
	PollInterval  = time.Millisecond
	ReadBufSize   = 1024
	WriteTimeout  = 100 * time.Millisecond
	ThresholdUp   = 16
	ThresholdDown = 14
)

// CommandHandler answers one command. An empty response sends nothing.
type CommandHandler func(cmd protocol.Command) string

// DefaultHandler acknowledges calibration and reports the fixed threshold
// values the client expects.
func DefaultHandler(cmd protocol.Command) string {
	switch cmd.Kind {
	case protocol.CommandCalibrate:
		return protocol.ResponseCalibrated
	case protocol.CommandThresholdAdjust:
		if cmd.Params["direction"] == "down" {
			return protocol.ThresholdResponse(ThresholdDown)
		}
		return protocol.ThresholdResponse(ThresholdUp)
	}
	return ""
}

// CommandServer accepts one client at a time on a TCP port and turns the
// newline separated text it sends into Commands.
type CommandServer struct {
	ln      *net.TCPListener
	handler CommandHandler
	clock   timeutil.Clock

	// onCommands is called with the number of commands parsed from a read.
	onCommands func(n int)

	peerMu sync.Mutex
	peer   *net.TCPConn

	queueMu sync.Mutex
	queue   []protocol.Command
}

// ListenCommands binds the command listener. A nil handler selects
// DefaultHandler.
func ListenCommands(host string, port int, handler CommandHandler, clock timeutil.Clock) (*CommandServer, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for commands: %w", err)
	}
	if handler == nil {
		handler = DefaultHandler
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CommandServer{ln: ln, handler: handler, clock: clock}, nil
}

// Addr returns the listening address.
func (s *CommandServer) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// Serve polls for a peer and reads its commands until stop is closed or
// the listener fails.
func (s *CommandServer) Serve(stop <-chan struct{}) {
	buf := make([]byte, ReadBufSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := s.poll(buf); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				opsf("command server stopped: %v", err)
			}
			return
		}
	}
}

// poll runs one accept or read step. Only listener failures are returned.
func (s *CommandServer) poll(buf []byte) error {
	s.peerMu.Lock()
	peer := s.peer
	s.peerMu.Unlock()

	if peer == nil {
		if err := s.ln.SetDeadline(time.Now().Add(PollInterval)); err != nil {
			return err
		}
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
		s.peerMu.Lock()
		s.peer = conn
		s.peerMu.Unlock()
		diagf("client connected from %s", conn.RemoteAddr())
		return nil
	}

	if err := peer.SetReadDeadline(time.Now().Add(PollInterval)); err != nil {
		s.dropPeer(peer, err)
		return nil
	}
	n, err := peer.Read(buf)
	if n > 0 {
		s.handleChunk(peer, string(buf[:n]))
	}
	switch {
	case err == nil, isTimeout(err):
	case errors.Is(err, io.EOF):
		s.dropPeer(peer, nil)
	default:
		s.dropPeer(peer, err)
	}
	return nil
}

// handleChunk treats every non-empty line of one read as a command. A
// command split across two reads is not reassembled.
func (s *CommandServer) handleChunk(peer *net.TCPConn, chunk string) {
	var cmds []protocol.Command
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, ok := protocol.ParseLineCommand(line)
		if !ok {
			diagf("ignoring unknown command %q", line)
			continue
		}
		cmd.Timestamp = float64(s.clock.Now().UnixNano()) / 1e9
		cmds = append(cmds, cmd)

		resp := s.handler(cmd)
		if resp == "" {
			continue
		}
		if err := peer.SetWriteDeadline(time.Now().Add(WriteTimeout)); err == nil {
			_, err = peer.Write([]byte(resp))
			if err != nil {
				opsf("respond to %s: %v", cmd.Kind, err)
			}
		}
	}
	if len(cmds) == 0 {
		return
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, cmds...)
	s.queueMu.Unlock()
	if s.onCommands != nil {
		s.onCommands(len(cmds))
	}
}

func (s *CommandServer) dropPeer(peer *net.TCPConn, err error) {
	s.peerMu.Lock()
	if s.peer == peer {
		s.peer = nil
	}
	s.peerMu.Unlock()
	peer.Close()
	if err != nil {
		diagf("client disconnected: %v", err)
	} else {
		diagf("client disconnected")
	}
}

// Drain returns and clears the queued commands.
func (s *CommandServer) Drain() []protocol.Command {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// PeerConnected reports whether a client is attached.
func (s *CommandServer) PeerConnected() bool {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.peer != nil
}

// Close closes the peer and the listener.
func (s *CommandServer) Close() error {
	s.peerMu.Lock()
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
	s.peerMu.Unlock()
	return s.ln.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}
