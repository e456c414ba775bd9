// Package socket carries frames to the visualisation client as UDP
// datagrams and accepts text commands from it over TCP.
package socket

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/projection/transport"
	"github.com/banshee-data/projector/internal/projection/wire"
	"github.com/banshee-data/projector/internal/timeutil"
)

const (
	// Name is the transport name used in logs, reports and health checks.
	Name = "socket"

	DefaultHost      = "127.0.0.1"
	DefaultUDPPort   = 50007
	DefaultTCPPort   = 50008
	DefaultBatchSize = 5

	DefaultOptimizeInterval = 5 * time.Second
)

// Options configures an Adapter. Zero values take the defaults, except
// Dedupe which is only on when set and TCPPort where 0 picks a free port.
type Options struct {
	Host        string
	UDPPort     int
	CommandHost string // defaults to Host
	TCPPort     int

	Serializer string
	Dedupe     bool

	EnableBatching bool
	BatchMaxSize   int
	BatchMaxAge    time.Duration

	EnableProfiling  bool
	AutoOptimize     bool
	OptimizeInterval time.Duration
	ProbeEvery       int

	Handler CommandHandler
	Capture CaptureFunc

	Clock    timeutil.Clock
	Profiler *perf.Profiler
	Reports  transport.ReportSink
}

// DefaultOptions returns the socket defaults.
func DefaultOptions() Options {
	return Options{
		Host:             DefaultHost,
		UDPPort:          DefaultUDPPort,
		TCPPort:          DefaultTCPPort,
		Serializer:       protocol.NameCompact,
		Dedupe:           true,
		BatchMaxSize:     DefaultBatchSize,
		BatchMaxAge:      perf.DefaultBatchAge,
		OptimizeInterval: DefaultOptimizeInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.CommandHost == "" {
		o.CommandHost = o.Host
	}
	if o.UDPPort == 0 {
		o.UDPPort = DefaultUDPPort
	}
	if o.Serializer == "" {
		o.Serializer = protocol.NameCompact
	}
	if o.BatchMaxSize <= 0 {
		o.BatchMaxSize = DefaultBatchSize
	}
	if o.BatchMaxAge <= 0 {
		o.BatchMaxAge = perf.DefaultBatchAge
	}
	if o.OptimizeInterval <= 0 {
		o.OptimizeInterval = DefaultOptimizeInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Adapter implements transport.Transport over UDP and TCP.
type Adapter struct {
	opts     Options
	clock    timeutil.Clock
	profiler *perf.Profiler
	selector *perf.Selector
	batcher  *perf.Batcher
	counters transport.Counters

	connected atomic.Bool

	lifecycleMu sync.Mutex
	open        bool
	sessionID   string
	stopCh      chan struct{}
	wg          sync.WaitGroup

	sender atomic.Pointer[Sender]
	server atomic.Pointer[CommandServer]

	// sendMu orders datagrams and guards the dedupe state and the header
	// counter used by binary strategies.
	sendMu      sync.Mutex
	lastPayload []byte
	seq         uint64

	displayMu sync.RWMutex
	display   *protocol.DisplayConfig
}

var _ transport.Transport = (*Adapter)(nil)

// NewAdapter returns a disconnected adapter.
func NewAdapter(opts Options) *Adapter {
	opts.applyDefaults()
	a := &Adapter{opts: opts, clock: opts.Clock, profiler: opts.Profiler}
	if a.profiler == nil {
		a.profiler = perf.NewProfiler(perf.DefaultWindow)
	}
	if _, err := protocol.StrategyByName(opts.Serializer); err != nil {
		opsf("%v, falling back to %s", err, protocol.NameCompact)
		a.opts.Serializer = protocol.NameCompact
	}
	a.selector = perf.NewSelector(a.profiler, a.opts.Serializer, perf.SelectorOptions{ProbeEvery: opts.ProbeEvery})
	if opts.EnableBatching {
		a.batcher = perf.NewBatcher(a.opts.BatchMaxSize, opts.BatchMaxAge, a.clock)
		a.batcher.SetCallback(a.flushBatch)
		a.profiler.ObserveBatcher(a.batcher)
	}
	return a
}

// Profiler returns the adapter's profiler.
func (a *Adapter) Profiler() *perf.Profiler { return a.profiler }

// CommandAddr returns the TCP address commands are accepted on, or ""
// while disconnected.
func (a *Adapter) CommandAddr() string {
	if s := a.server.Load(); s != nil {
		return s.Addr().String()
	}
	return ""
}

// Connect opens the UDP sender and the TCP command listener and starts
// the command loop.
func (a *Adapter) Connect() (ok bool) {
	defer transport.Recover(Name, "connect", func() { ok = false })

	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.open {
		return true
	}
	a.counters.ConnectAttempt()

	sender, err := DialSender(a.opts.Host, a.opts.UDPPort)
	if err != nil {
		a.counters.ConnectFailed()
		opsf("connect failed: %v", err)
		return false
	}
	sender.SetCapture(a.opts.Capture)
	server, err := ListenCommands(a.opts.CommandHost, a.opts.TCPPort, a.opts.Handler, a.clock)
	if err != nil {
		sender.Close()
		a.counters.ConnectFailed()
		opsf("connect failed: %v", err)
		return false
	}
	server.onCommands = a.counters.CommandsReceived

	a.sendMu.Lock()
	a.lastPayload, a.seq = nil, 0
	a.sendMu.Unlock()
	a.sender.Store(sender)
	a.server.Store(server)

	a.sessionID = uuid.NewString()
	a.counters.Reset()
	a.counters.MarkConnected(a.clock.Now())

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer a.wg.Done()
		server.Serve(stop)
	}(a.stopCh)
	if a.batcher != nil {
		a.wg.Add(1)
		go a.batchAgeLoop(a.stopCh)
	}
	if a.opts.AutoOptimize {
		a.wg.Add(1)
		go a.optimizeLoop(a.stopCh)
	}

	a.open = true
	a.connected.Store(true)
	diagf("connected: udp %s -> %s, commands on %s, session=%s serializer=%s",
		sender.LocalAddr(), sender.RemoteAddr(), server.Addr(), a.sessionID, a.selector.Active())
	return true
}

// Disconnect stops the background goroutines, flushes a pending batch,
// saves the session report and closes both sockets.
func (a *Adapter) Disconnect() {
	defer transport.Recover(Name, "disconnect", nil)

	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.open {
		return
	}
	close(a.stopCh)
	if !transport.WaitTimeout(&a.wg, transport.WorkerJoinTimeout) {
		opsf("background goroutines did not stop within %s", transport.WorkerJoinTimeout)
	}

	if a.batcher != nil {
		a.batcher.ForceFlush()
	}
	a.connected.Store(false)
	if a.opts.Reports != nil && (a.opts.EnableProfiling || a.opts.AutoOptimize) {
		if err := a.opts.Reports.SaveReport(a.profiler.Report(), Name, a.sessionID); err != nil {
			opsf("save performance report: %v", err)
		}
	}

	if s := a.server.Swap(nil); s != nil {
		if err := s.Close(); err != nil {
			opsf("close command listener: %v", err)
		}
	}
	if s := a.sender.Swap(nil); s != nil {
		if err := s.Close(); err != nil {
			opsf("close sender: %v", err)
		}
	}

	a.profiler.Reset()
	if a.batcher != nil {
		a.batcher.Reset()
	}
	a.counters.Reset()
	a.open = false
	diagf("disconnected session %s", a.sessionID)
}

// IsConnected checks that the UDP socket is still bound.
func (a *Adapter) IsConnected() (ok bool) {
	defer transport.Recover(Name, "probe", func() { ok = false })
	if !a.connected.Load() {
		return false
	}
	s := a.sender.Load()
	if s == nil || s.LocalAddr() == nil {
		a.connected.Store(false)
		return false
	}
	return true
}

// SendTrackingData sends one frame, or queues it when batching is
// enabled. A frame identical to the previous one is skipped when dedupe
// is on and still counts as delivered.
func (a *Adapter) SendTrackingData(frameID uint64, objects []protocol.TrackedObject, collisions []protocol.Collision) (ok bool) {
	defer transport.Recover(Name, "send", func() { ok = false })
	if !a.IsConnected() {
		return false
	}
	f := protocol.NewFrame(frameID, objects, collisions, a.retainedDisplay(), a.clock.Now())

	if a.batcher != nil {
		a.batcher.Add(*f)
		return true
	}

	st := a.selector.Strategy()
	payload, serializeTime, err := a.encode(st, f)
	if err != nil {
		opsf("serialize frame %d: %v", frameID, err)
		return false
	}
	sent, err := a.send(st, payload, serializeTime)
	if err != nil {
		a.logSendError(frameID, err)
		return false
	}
	if sent {
		tracef("frame %d: %d objects, %d collisions, %d bytes", frameID, len(objects), len(collisions), len(payload))
	}
	if a.opts.AutoOptimize {
		a.selector.Probe(f)
	}
	return true
}

// SendProjectionConfig retains the config for DisplayConfig. The line
// format has no slot for it, so nothing reaches the client.
func (a *Adapter) SendProjectionConfig(width, height int) bool {
	d := protocol.NewDisplayConfig(width, height)
	a.displayMu.Lock()
	a.display = &d
	a.displayMu.Unlock()
	diagf("projection config %dx%d retained; not delivered over socket", width, height)
	return true
}

// ReceiveCommands drains the commands read since the last call.
func (a *Adapter) ReceiveCommands() (cmds []protocol.Command) {
	defer transport.Recover(Name, "receive", func() { cmds = nil })
	s := a.server.Load()
	if s == nil {
		return nil
	}
	return s.Drain()
}

// ClientInfo reports counters for the current session.
func (a *Adapter) ClientInfo() (transport.ClientInfo, bool) {
	if !a.IsConnected() {
		return transport.ClientInfo{}, false
	}
	a.lifecycleMu.Lock()
	info := transport.ClientInfo{
		Transport:       Name,
		SessionID:       a.sessionID,
		ProtocolVersion: wire.Version1,
		Serializer:      a.selector.Active(),
	}
	a.lifecycleMu.Unlock()
	if s := a.sender.Load(); s != nil {
		info.Endpoint = s.RemoteAddr().String()
	}
	if s := a.server.Load(); s != nil {
		info.PeerConnected = s.PeerConnected()
	}
	a.counters.Fill(&info, a.clock.Now())
	if a.batcher != nil {
		st := a.batcher.Stats()
		info.Batching = &st
	}
	return info, true
}

// Capabilities reports that display configs do not reach the client.
func (a *Adapter) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Name:      Name,
		Batching:  a.batcher != nil,
		Profiling: a.opts.EnableProfiling || a.opts.AutoOptimize,
	}
}

// DisplayConfig returns the retained projection config.
func (a *Adapter) DisplayConfig() (protocol.DisplayConfig, bool) {
	a.displayMu.RLock()
	defer a.displayMu.RUnlock()
	if a.display == nil {
		return protocol.DisplayConfig{}, false
	}
	return *a.display, true
}

func (a *Adapter) retainedDisplay() *protocol.DisplayConfig {
	a.displayMu.RLock()
	defer a.displayMu.RUnlock()
	return a.display
}

func (a *Adapter) encode(st protocol.Strategy, f *protocol.Frame) ([]byte, time.Duration, error) {
	if a.opts.EnableProfiling || a.opts.AutoOptimize {
		return a.profiler.Profile(st.Name(), func() ([]byte, error) { return st.EncodeFrame(f) })
	}
	start := time.Now()
	b, err := st.EncodeFrame(f)
	return b, time.Since(start), err
}

// send frames payload for the wire and writes it. It reports false with a
// nil error when dedupe skipped the datagram.
func (a *Adapter) send(st protocol.Strategy, payload []byte, serializeTime time.Duration) (bool, error) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	if a.opts.Dedupe && a.lastPayload != nil && bytes.Equal(payload, a.lastPayload) {
		a.counters.SerializeOnly(serializeTime)
		return false, nil
	}
	datagram := payload
	if st.Name() != protocol.NameCompact {
		var err error
		if datagram, err = wire.Encode(a.seq, payload); err != nil {
			return false, err
		}
	}
	if len(datagram) > MaxDatagram {
		a.counters.Oversize()
		return false, ErrDatagramTooLarge
	}
	s := a.sender.Load()
	if s == nil {
		return false, ErrSenderClosed
	}
	start := a.clock.Now()
	if err := s.Send(datagram); err != nil {
		if errors.Is(err, ErrDropped) {
			a.counters.PacketLost()
		}
		return false, err
	}
	a.counters.FrameSent(len(datagram), a.clock.Since(start), serializeTime)
	a.lastPayload = append(a.lastPayload[:0], payload...)
	a.seq++
	return true, nil
}

func (a *Adapter) logSendError(frameID uint64, err error) {
	// Drops happen whenever the client is not listening; they are counted.
	if errors.Is(err, ErrDropped) {
		tracef("frame %d: %v", frameID, err)
		return
	}
	opsf("send frame %d: %v", frameID, err)
}

// flushBatch sends a batch as one datagram, or only its latest frame when
// the batch does not fit.
func (a *Adapter) flushBatch(frames []protocol.Frame) error {
	st := a.selector.Strategy()
	start := time.Now()
	payload, err := st.EncodeBatch(frames)
	if err != nil {
		return err
	}
	if len(payload)+wire.HeaderSize > MaxDatagram {
		last := frames[len(frames)-1]
		opsf("batch of %d frames is %d bytes, sending frame %d alone", len(frames), len(payload), last.FrameID)
		if payload, err = st.EncodeFrame(&last); err != nil {
			return err
		}
	}
	_, err = a.send(st, payload, time.Since(start))
	return err
}

func (a *Adapter) batchAgeLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	t := a.clock.NewTicker(a.opts.BatchMaxAge)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			a.batcher.Tick()
		}
	}
}

func (a *Adapter) optimizeLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	t := a.clock.NewTicker(a.opts.OptimizeInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if a.selector.Evaluate() {
				diagf("serializer now %s", a.selector.Active())
			}
		}
	}
}
