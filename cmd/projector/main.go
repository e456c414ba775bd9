// Command projector streams tracking frames to the projection client over
// shared memory or UDP. Without a tracker attached it drives the transport
// with synthetic frames, which makes it a convenient harness for client
// development and serializer benchmarking.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/projector/internal/config"
	"github.com/banshee-data/projector/internal/monitoring"
	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/reportstore"
	"github.com/banshee-data/projector/internal/projection/status"
	"github.com/banshee-data/projector/internal/projection/synthetic"
	"github.com/banshee-data/projector/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to projection config JSON (defaults apply when empty)")
	transportName = flag.String("transport", "", "Override the configured transport (shmem or socket)")
	listen        = flag.String("listen", "127.0.0.1:8081", "Admin HTTP listen address (empty disables)")
	grpcListen    = flag.String("grpc-listen", "127.0.0.1:50051", "gRPC health listen address (empty disables)")
	fps           = flag.Float64("fps", 60, "Synthetic frames per second")
	objects       = flag.Int("objects", 4, "Number of synthetic objects")
	seed          = flag.Int64("seed", 1, "Synthetic layout seed")
	width         = flag.Int("width", 1920, "Projector width in pixels")
	height        = flag.Int("height", 1080, "Projector height in pixels")
	duration      = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	debug         = flag.Bool("debug", false, "Enable diagnostic logging")
	trace         = flag.Bool("trace", false, "Enable per-frame trace logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

var logs = monitoring.NewStreams("[projector] ")

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	w := monitoring.LogWriters{Ops: os.Stderr}
	if *debug || *trace {
		w.Diag = os.Stderr
	}
	if *trace {
		w.Trace = os.Stderr
	}
	monitoring.SetLogWriters(w)

	if err := run(); err != nil {
		log.Fatalf("projector: %v", err)
	}
}

func loadConfig() (*config.ProjectionConfig, error) {
	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *transportName != "" {
		cfg.Transport = transportName
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func run() error {
	if *fps <= 0 {
		return fmt.Errorf("fps must be positive, got %v", *fps)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var reports *reportstore.Store
	if path := cfg.GetReportDB(); path != "" {
		if reports, err = reportstore.Open(path); err != nil {
			return fmt.Errorf("failed to open report store: %w", err)
		}
		defer reports.Close()
	}

	profiler := perf.NewProfiler(perf.DefaultWindow)
	built, err := buildTransport(cfg, profiler, reports)
	if err != nil {
		return err
	}
	defer built.Close()
	t := built.Transport
	logs.Diagf("projector %s using %s transport", version.String(), t.Capabilities().Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	// A shutdown command from the client ends the run like a signal does.
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	g, ctx := errgroup.WithContext(ctx)

	hs := status.NewHealthServer(t, status.DefaultPollInterval)
	g.Go(func() error {
		hs.Run(ctx)
		return nil
	})

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		srv := grpc.NewServer()
		hs.Register(srv)
		g.Go(func() error {
			monitoring.Logf("gRPC health service %s on %s", hs.Service(), lis.Addr())
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if *listen != "" {
		mux := http.NewServeMux()
		status.AttachAdminRoutes(mux, t, profiler)
		if reports != nil {
			if err := reports.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		server := &http.Server{Addr: *listen, Handler: mux}
		g.Go(func() error {
			monitoring.Logf("admin routes on http://%s/debug/", *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	gen := synthetic.NewGenerator(nil, *seed)
	gen.ObjectCount = *objects
	gen.CenterX, gen.CenterY = float64(*width)/2, float64(*height)/2
	gen.OrbitRadius = float64(min(*width, *height)) * 0.4

	p := &producer{
		t:         t,
		gen:       gen,
		interval:  time.Duration(float64(time.Second) / *fps),
		width:     *width,
		height:    *height,
		onStop:    shutdown,
		reconnect: time.Second,
	}
	g.Go(func() error {
		return p.run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	monitoring.Logf("sent %d frames, dropped %d", p.sent, p.dropped)
	return err
}
