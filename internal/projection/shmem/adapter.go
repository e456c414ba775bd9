// Package shmem carries frames to the visualisation client through a pair
// of memory-mapped regions: a data region the producer writes and a
// command region the client writes.
package shmem

import (
	"errors"
	"fmt"
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
	Name = "shmem"

	// DefaultRegionName is the data region name; the command region
	// appends CommandSuffix.
	DefaultRegionName = "projector_tracker_data"
	CommandSuffix     = "_commands"

	DefaultHeartbeatInterval = time.Second
	DefaultOptimizeInterval  = 5 * time.Second
)

var errPayloadTooLarge = errors.New("payload exceeds region or protocol limit")

// Options configures an Adapter. Zero values take the defaults.
type Options struct {
	Dir         string
	RegionName  string
	DataSize    int
	CommandSize int

	ClientExecutable string
	ClientArgs       []string
	AutoLaunch       bool

	Serializer string

	EnableBatching bool
	BatchMaxSize   int
	BatchMaxAge    time.Duration

	EnableProfiling  bool
	AutoOptimize     bool
	OptimizeInterval time.Duration
	ProbeEvery       int

	HeartbeatInterval time.Duration

	Clock    timeutil.Clock
	Profiler *perf.Profiler
	Reports  transport.ReportSink
}

// DefaultOptions returns the shared-memory defaults.
func DefaultOptions() Options {
	return Options{
		RegionName:        DefaultRegionName,
		DataSize:          wire.DefaultDataRegionSize,
		CommandSize:       wire.DefaultCommandRegionSize,
		Serializer:        protocol.NameCBOR,
		BatchMaxSize:      perf.DefaultBatchSize,
		BatchMaxAge:       perf.DefaultBatchAge,
		OptimizeInterval:  DefaultOptimizeInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.RegionName == "" {
		o.RegionName = d.RegionName
	}
	if o.DataSize <= 0 {
		o.DataSize = d.DataSize
	}
	if o.CommandSize <= 0 {
		o.CommandSize = d.CommandSize
	}
	if o.Serializer == "" {
		o.Serializer = d.Serializer
	}
	if o.BatchMaxAge <= 0 {
		o.BatchMaxAge = d.BatchMaxAge
	}
	if o.OptimizeInterval <= 0 {
		o.OptimizeInterval = d.OptimizeInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Adapter implements transport.Transport over shared memory.
type Adapter struct {
	opts     Options
	clock    timeutil.Clock
	profiler *perf.Profiler
	selector *perf.Selector
	batcher  *perf.Batcher
	counters transport.Counters

	connected atomic.Bool

	// lifecycleMu serializes Connect and Disconnect and guards the fields
	// below it.
	lifecycleMu sync.Mutex
	open        bool
	sessionID   string
	launcher    *transport.ClientLauncher
	stopCh      chan struct{}
	wg          sync.WaitGroup

	data     atomic.Pointer[Region]
	commands atomic.Pointer[Region]

	// writeMu orders writes to the data region and the frame counter.
	writeMu      sync.Mutex
	frameCounter uint64

	cmdMu sync.Mutex

	displayMu sync.RWMutex
	display   *protocol.DisplayConfig

	lastHeartbeat atomic.Int64
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
		opsf("%v, falling back to %s", err, protocol.NameCBOR)
		a.opts.Serializer = protocol.NameCBOR
	}
	a.selector = perf.NewSelector(a.profiler, a.opts.Serializer, perf.SelectorOptions{
		Candidates: losslessStrategies(),
		ProbeEvery: opts.ProbeEvery,
	})
	if opts.EnableBatching {
		a.batcher = perf.NewBatcher(opts.BatchMaxSize, opts.BatchMaxAge, a.clock)
		a.batcher.SetCallback(a.flushBatch)
		a.profiler.ObserveBatcher(a.batcher)
	}
	return a
}

// The client decodes whatever arrives; the compact line form would lose data.
func losslessStrategies() []string {
	var out []string
	for _, name := range protocol.Strategies() {
		if protocol.Lossless(name) {
			out = append(out, name)
		}
	}
	return out
}

// Profiler returns the adapter's profiler.
func (a *Adapter) Profiler() *perf.Profiler { return a.profiler }

// Connect creates both regions, launches the client if configured and
// starts the background goroutines.
func (a *Adapter) Connect() (ok bool) {
	defer transport.Recover(Name, "connect", func() { ok = false })

	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.open {
		return true
	}
	a.counters.ConnectAttempt()

	data, err := OpenRegion(a.opts.Dir, a.opts.RegionName, a.opts.DataSize)
	if err != nil {
		return a.connectFailed("data region", err)
	}
	cmdName := a.opts.RegionName + CommandSuffix
	commands, err := OpenRegion(a.opts.Dir, cmdName, a.opts.CommandSize)
	if err != nil {
		data.Close(true)
		return a.connectFailed("command region", err)
	}

	a.writeMu.Lock()
	a.frameCounter = 0
	a.writeMu.Unlock()
	a.data.Store(data)
	a.commands.Store(commands)

	if a.opts.AutoLaunch && a.opts.ClientExecutable != "" {
		args := append([]string{
			"--shared-memory-name=" + a.opts.RegionName,
			"--command-buffer-name=" + cmdName,
		}, a.opts.ClientArgs...)
		l := transport.NewClientLauncher(a.opts.ClientExecutable, args...)
		if err := l.Start(); err != nil {
			opsf("client launch failed, continuing without it: %v", err)
		} else {
			a.launcher = l
		}
	}

	now := a.clock.Now()
	a.sessionID = uuid.NewString()
	a.lastHeartbeat.Store(now.UnixNano())
	a.counters.Reset()
	a.counters.MarkConnected(now)

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.heartbeatLoop(a.stopCh)
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
	diagf("connected: data=%s (%d bytes) commands=%s (%d bytes) session=%s serializer=%s",
		data.Path(), data.Size(), commands.Path(), commands.Size(), a.sessionID, a.selector.Active())
	return true
}

func (a *Adapter) connectFailed(what string, err error) bool {
	a.counters.ConnectFailed()
	opsf("connect failed (%s): %v", what, err)
	return false
}

// Disconnect stops background work, flushes any pending batch, saves the
// session report, releases both regions and stops a launched client.
func (a *Adapter) Disconnect() {
	defer transport.Recover(Name, "disconnect", nil)

	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.open {
		return
	}
	a.connected.Store(false)

	close(a.stopCh)
	if !transport.WaitTimeout(&a.wg, transport.WorkerJoinTimeout) {
		opsf("background goroutines did not stop within %s", transport.WorkerJoinTimeout)
	}

	if a.batcher != nil {
		a.batcher.ForceFlush()
	}
	if a.opts.Reports != nil && (a.opts.EnableProfiling || a.opts.AutoOptimize) {
		if err := a.opts.Reports.SaveReport(a.profiler.Report(), Name, a.sessionID); err != nil {
			opsf("save performance report: %v", err)
		}
	}

	if r := a.data.Swap(nil); r != nil {
		if err := r.Close(true); err != nil {
			opsf("close data region: %v", err)
		}
	}
	a.cmdMu.Lock()
	if r := a.commands.Swap(nil); r != nil {
		if err := r.Close(true); err != nil {
			opsf("close command region: %v", err)
		}
	}
	a.cmdMu.Unlock()

	if a.launcher != nil {
		if err := a.launcher.Terminate(transport.DefaultTerminateTimeout); err != nil {
			opsf("terminate client: %v", err)
		}
		a.launcher = nil
	}

	a.profiler.Reset()
	if a.batcher != nil {
		a.batcher.Reset()
	}
	a.counters.Reset()
	a.open = false
	diagf("disconnected session %s", a.sessionID)
}

// IsConnected probes the data region on every call.
func (a *Adapter) IsConnected() (ok bool) {
	defer transport.Recover(Name, "probe", func() { ok = false })
	if !a.connected.Load() {
		return false
	}
	r := a.data.Load()
	if r == nil {
		a.connected.Store(false)
		return false
	}
	if err := r.Probe(); err != nil {
		opsf("data region probe failed: %v", err)
		a.connected.Store(false)
		return false
	}
	return true
}

// SendTrackingData writes one frame, or queues it when batching is
// enabled. A queued frame counts as accepted.
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

	payload, serializeTime, err := a.encodeFrame(f)
	if err != nil {
		opsf("serialize frame %d: %v", frameID, err)
		return false
	}
	if len(payload) > wire.MaxPayloadSize {
		a.counters.Oversize()
		opsf("frame %d payload %d bytes exceeds %d, dropped", frameID, len(payload), wire.MaxPayloadSize)
		return false
	}
	start := a.clock.Now()
	if err := a.write(payload); err != nil {
		opsf("write frame %d: %v", frameID, err)
		return false
	}
	a.counters.FrameSent(len(payload), a.clock.Since(start), serializeTime)
	tracef("frame %d: %d objects, %d collisions, %d bytes", frameID, len(objects), len(collisions), len(payload))

	if a.opts.AutoOptimize {
		a.selector.Probe(f)
	}
	return true
}

// SendProjectionConfig retains the display config and writes it as a
// config-only frame. The config rides along on every later frame too.
func (a *Adapter) SendProjectionConfig(width, height int) (ok bool) {
	defer transport.Recover(Name, "config", func() { ok = false })
	d := protocol.NewDisplayConfig(width, height)
	a.displayMu.Lock()
	a.display = &d
	a.displayMu.Unlock()

	if !a.IsConnected() {
		return false
	}
	a.writeMu.Lock()
	counter := a.frameCounter
	a.writeMu.Unlock()

	f := protocol.NewFrame(counter, nil, nil, &d, a.clock.Now())
	payload, err := a.selector.Strategy().EncodeFrame(f)
	if err != nil {
		opsf("serialize projection config: %v", err)
		return false
	}
	if err := a.write(payload); err != nil {
		opsf("write projection config: %v", err)
		return false
	}
	diagf("projection config sent: %dx%d", width, height)
	return true
}

// ReceiveCommands reads at most one command from the command region and
// clears the header so it is not delivered twice. Anything that fails
// validation is dropped and cleared too.
func (a *Adapter) ReceiveCommands() (cmds []protocol.Command) {
	defer transport.Recover(Name, "receive", func() { cmds = nil })
	if !a.IsConnected() {
		return nil
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	r := a.commands.Load()
	if r == nil {
		return nil
	}
	err := r.With(func(b []byte) error {
		if wire.IsZeroSlot(b) {
			return nil
		}
		defer clear(b[:wire.HeaderSize])

		_, payload, err := wire.Decode(b)
		if err != nil {
			if errors.Is(err, wire.ErrChecksumMismatch) {
				a.counters.ChecksumFailed()
			}
			return fmt.Errorf("command header: %w", err)
		}
		if len(payload) == 0 {
			return nil
		}
		cmd, err := protocol.DecodeCommand(payload)
		if err != nil {
			return err
		}
		cmds = append(cmds, *cmd)
		return nil
	})
	if err != nil {
		opsf("dropping command: %v", err)
	}
	if len(cmds) > 0 {
		a.counters.CommandsReceived(len(cmds))
		diagf("received command %s", cmds[0].Kind)
	}
	return cmds
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
	if r := a.data.Load(); r != nil {
		info.Endpoint = r.Path()
	}
	if a.launcher != nil {
		info.ClientProcessRunning = a.launcher.Running()
	}
	a.lifecycleMu.Unlock()

	info.PeerConnected = info.ClientProcessRunning
	info.LastHeartbeat = time.Unix(0, a.lastHeartbeat.Load())
	a.counters.Fill(&info, a.clock.Now())
	if a.batcher != nil {
		st := a.batcher.Stats()
		info.Batching = &st
	}
	return info, true
}

// Capabilities reports that display configs reach the client.
func (a *Adapter) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Name:                  Name,
		DisplayConfigDelivery: true,
		Batching:              a.batcher != nil,
		Profiling:             a.opts.EnableProfiling || a.opts.AutoOptimize,
		Heartbeat:             true,
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

func (a *Adapter) encodeFrame(f *protocol.Frame) ([]byte, time.Duration, error) {
	st := a.selector.Strategy()
	if a.opts.EnableProfiling || a.opts.AutoOptimize {
		return a.profiler.Profile(st.Name(), func() ([]byte, error) { return st.EncodeFrame(f) })
	}
	start := time.Now()
	b, err := st.EncodeFrame(f)
	return b, time.Since(start), err
}

// write places payload then header into the data region and flushes. The
// header goes last so a reader never sees a new header over a stale
// payload of the same length.
func (a *Adapter) write(payload []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	r := a.data.Load()
	if r == nil {
		return ErrRegionClosed
	}
	if len(payload) > wire.MaxPayloadSize || wire.HeaderSize+len(payload) > r.Size() {
		return errPayloadTooLarge
	}
	h := wire.NewHeader(a.frameCounter, payload)
	err := r.With(func(b []byte) error {
		copy(b[wire.HeaderSize:], payload)
		return h.PackInto(b)
	})
	if err != nil {
		return err
	}
	if err := r.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	a.frameCounter++
	return nil
}

// flushBatch is the batcher callback. A batch too large for one payload
// is replaced by its latest frame.
func (a *Adapter) flushBatch(frames []protocol.Frame) error {
	st := a.selector.Strategy()
	start := time.Now()
	payload, err := st.EncodeBatch(frames)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if len(payload) > wire.MaxPayloadSize {
		a.counters.Oversize()
		last := frames[len(frames)-1]
		opsf("batch of %d frames is %d bytes, sending frame %d alone", len(frames), len(payload), last.FrameID)
		if payload, err = st.EncodeFrame(&last); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if len(payload) > wire.MaxPayloadSize {
			return errPayloadTooLarge
		}
	}
	serializeTime := time.Since(start)

	writeStart := a.clock.Now()
	if err := a.write(payload); err != nil {
		return err
	}
	a.counters.FrameSent(len(payload), a.clock.Since(writeStart), serializeTime)
	return nil
}

// heartbeatLoop refreshes the local liveness timestamp. It does not
// exchange anything with the client, so a hung client goes unnoticed.
func (a *Adapter) heartbeatLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	t := a.clock.NewTicker(a.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C():
			a.lastHeartbeat.Store(now.UnixNano())
			tracef("heartbeat")
		}
	}
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
