package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/projector/internal/config"
	"github.com/banshee-data/projector/internal/projection/capture"
	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/projection/reportstore"
	"github.com/banshee-data/projector/internal/projection/shmem"
	"github.com/banshee-data/projector/internal/projection/socket"
	"github.com/banshee-data/projector/internal/projection/synthetic"
	"github.com/banshee-data/projector/internal/projection/transport"
)

// statsEvery is the number of sent frames between client info log lines.
const statsEvery = 600

type builtTransport struct {
	Transport transport.Transport
	recorder  *capture.Recorder
}

// Close releases what buildTransport opened besides the transport itself.
func (b *builtTransport) Close() error {
	if b.recorder == nil {
		return nil
	}
	logs.Diagf("captured %d datagrams", b.recorder.Count())
	return b.recorder.Close()
}

func buildTransport(cfg *config.ProjectionConfig, profiler *perf.Profiler, reports *reportstore.Store) (*builtTransport, error) {
	var sink transport.ReportSink
	if reports != nil {
		sink = reports
	}

	switch name := cfg.GetTransport(); name {
	case config.TransportSocket:
		opts := cfg.SocketOptions()
		opts.Profiler = profiler
		opts.Reports = sink
		b := &builtTransport{}
		if path := cfg.GetCapturePath(); path != "" {
			host := net.ParseIP(opts.Host)
			rec, err := capture.Create(path,
				&net.UDPAddr{IP: host},
				&net.UDPAddr{IP: host, Port: opts.UDPPort})
			if err != nil {
				return nil, err
			}
			opts.Capture = rec.WriteDatagram
			b.recorder = rec
		}
		b.Transport = socket.NewAdapter(opts)
		return b, nil

	case config.TransportShmem:
		if cfg.GetCapturePath() != "" {
			logs.Opsf("capture_path is ignored by the %s transport", name)
		}
		opts := cfg.ShmemOptions()
		opts.Profiler = profiler
		opts.Reports = sink
		return &builtTransport{Transport: shmem.NewAdapter(opts)}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// producer feeds synthetic frames to a transport at a fixed rate and acts
// on the commands the client sends back.
type producer struct {
	t         transport.Transport
	gen       *synthetic.Generator
	interval  time.Duration
	width     int
	height    int
	onStop    func()
	reconnect time.Duration

	sent     uint64
	dropped  uint64
	commands uint64
}

func (p *producer) run(ctx context.Context) error {
	if !p.t.Connect() {
		return fmt.Errorf("failed to connect %s transport", p.t.Capabilities().Name)
	}
	defer p.t.Disconnect()
	p.t.SendProjectionConfig(p.width, p.height)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastAttempt time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !p.t.IsConnected() {
				if now.Sub(lastAttempt) < p.reconnect {
					continue
				}
				lastAttempt = now
				logs.Opsf("%s transport lost, reconnecting", p.t.Capabilities().Name)
				p.t.Disconnect()
				if !p.t.Connect() {
					continue
				}
				p.t.SendProjectionConfig(p.width, p.height)
			}
			p.step()
		}
	}
}

func (p *producer) step() {
	f := p.gen.NextFrame()
	if p.t.SendTrackingData(f.FrameID, f.Objects, f.Collisions) {
		p.sent++
		if p.sent%statsEvery == 0 {
			if info, ok := p.t.ClientInfo(); ok {
				logs.Diagf("frames sent=%d lost=%d commands=%d", info.FramesSent, info.PacketLoss, info.CommandsReceived)
			}
		}
	} else {
		p.dropped++
		logs.Tracef("frame %d not sent", f.FrameID)
	}
	for _, cmd := range p.t.ReceiveCommands() {
		p.handle(cmd)
	}
}

func (p *producer) handle(cmd protocol.Command) {
	p.commands++
	switch cmd.Kind {
	case protocol.CommandShutdown:
		logs.Opsf("client requested shutdown")
		if p.onStop != nil {
			p.onStop()
		}
	case protocol.CommandHeartbeat:
		logs.Tracef("client heartbeat")
	case protocol.CommandConfigChange:
		w, wok := intParam(cmd.Params, "width")
		h, hok := intParam(cmd.Params, "height")
		if !wok || !hok || w <= 0 || h <= 0 {
			logs.Diagf("config change without a usable size: %v", cmd.Params)
			return
		}
		p.width, p.height = w, h
		p.t.SendProjectionConfig(w, h)
		logs.Diagf("projection resized to %dx%d", w, h)
	default:
		logs.Diagf("client command %s %v", cmd.Kind, cmd.Params)
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
