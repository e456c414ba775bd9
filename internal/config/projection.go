package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/banshee-data/projector/internal/projection/perf"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/projection/shmem"
	"github.com/banshee-data/projector/internal/projection/socket"
	"github.com/banshee-data/projector/internal/projection/wire"
)

// DefaultConfigPath is the path to the canonical projection defaults file.
const DefaultConfigPath = "config/projection.defaults.json"

const schemaURL = "projection.schema.json"

//go:embed projection.schema.json
var schemaJSON []byte

var schema = jsonschema.MustCompileString(schemaURL, string(schemaJSON))

// Transport names accepted in the transport field.
const (
	TransportShmem  = shmem.Name
	TransportSocket = socket.Name
)

// ProjectionConfig is the producer's transport configuration. Nil fields
// take the defaults returned by the Get* accessors, so partial files are
// safe.
type ProjectionConfig struct {
	Transport *string `json:"transport,omitempty"`

	// Socket transport
	UDPHost *string `json:"udp_host,omitempty"`
	UDPPort *int    `json:"udp_port,omitempty"`
	TCPHost *string `json:"tcp_host,omitempty"`
	TCPPort *int    `json:"tcp_port,omitempty"`
	Dedupe  *bool   `json:"dedupe,omitempty"`

	// Shared-memory transport
	ShmName           *string `json:"shm_name,omitempty"`
	ShmDir            *string `json:"shm_dir,omitempty"`
	ShmSize           *int    `json:"shm_size,omitempty"`
	CommandRegionSize *int    `json:"command_region_size,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"` // duration string like "1s"

	// Client process
	ClientExecutable *string `json:"client_executable,omitempty"`
	AutoLaunchClient *bool   `json:"auto_launch_client,omitempty"`

	// Serialization
	Serializer       *string `json:"serializer,omitempty"`
	EnableBatching   *bool   `json:"enable_batching,omitempty"`
	BatchMaxSize     *int    `json:"batch_max_size,omitempty"`
	BatchMaxAge      *string `json:"batch_max_age,omitempty"` // duration string like "16.67ms"
	EnableProfiling  *bool   `json:"enable_profiling,omitempty"`
	AutoOptimize     *bool   `json:"auto_optimize,omitempty"`
	OptimizeInterval *string `json:"optimize_interval,omitempty"`

	// Outputs
	CapturePath *string `json:"capture_path,omitempty"`
	ReportDB    *string `json:"report_db,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyConfig returns a ProjectionConfig with every field nil.
func EmptyConfig() *ProjectionConfig {
	return &ProjectionConfig{}
}

// LoadConfig loads a ProjectionConfig from a JSON file. The file must have a
// .json extension, be at most 1MB and satisfy the embedded schema.
func LoadConfig(path string) (*ProjectionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a JSON document.
func ParseConfig(data []byte) (*ProjectionConfig, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	cfg := EmptyConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *ProjectionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/projection/*/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values the schema cannot express.
func (c *ProjectionConfig) Validate() error {
	if c.Transport != nil && *c.Transport != TransportShmem && *c.Transport != TransportSocket {
		return fmt.Errorf("transport must be %q or %q, got %q", TransportShmem, TransportSocket, *c.Transport)
	}
	if c.Serializer != nil {
		if _, err := protocol.StrategyByName(*c.Serializer); err != nil {
			return fmt.Errorf("serializer: %w", err)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"batch_max_age", c.BatchMaxAge},
		{"optimize_interval", c.OptimizeInterval},
		{"heartbeat_interval", c.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.ShmSize != nil && *c.ShmSize < wire.HeaderSize+1 {
		return fmt.Errorf("shm_size must exceed the %d byte header, got %d", wire.HeaderSize, *c.ShmSize)
	}
	if c.CommandRegionSize != nil && *c.CommandRegionSize < wire.HeaderSize+1 {
		return fmt.Errorf("command_region_size must exceed the %d byte header, got %d", wire.HeaderSize, *c.CommandRegionSize)
	}
	if c.GetAutoLaunchClient() && c.GetClientExecutable() == "" {
		return fmt.Errorf("auto_launch_client requires client_executable")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetTransport returns the transport name or the default.
func (c *ProjectionConfig) GetTransport() string {
	if c.Transport == nil {
		return TransportShmem
	}
	return *c.Transport
}

// GetUDPHost returns the udp_host value or the default.
func (c *ProjectionConfig) GetUDPHost() string {
	if c.UDPHost == nil || *c.UDPHost == "" {
		return socket.DefaultHost
	}
	return *c.UDPHost
}

// GetUDPPort returns the udp_port value or the default.
func (c *ProjectionConfig) GetUDPPort() int {
	if c.UDPPort == nil {
		return socket.DefaultUDPPort
	}
	return *c.UDPPort
}

// GetTCPHost returns the tcp_host value, falling back to the UDP host.
func (c *ProjectionConfig) GetTCPHost() string {
	if c.TCPHost == nil || *c.TCPHost == "" {
		return c.GetUDPHost()
	}
	return *c.TCPHost
}

// GetTCPPort returns the tcp_port value or the default. Zero picks a free
// port.
func (c *ProjectionConfig) GetTCPPort() int {
	if c.TCPPort == nil {
		return socket.DefaultTCPPort
	}
	return *c.TCPPort
}

// GetDedupe returns the dedupe value or the default.
func (c *ProjectionConfig) GetDedupe() bool {
	if c.Dedupe == nil {
		return true
	}
	return *c.Dedupe
}

// GetShmName returns the shm_name value or the default.
func (c *ProjectionConfig) GetShmName() string {
	if c.ShmName == nil || *c.ShmName == "" {
		return shmem.DefaultRegionName
	}
	return *c.ShmName
}

// GetShmDir returns the shm_dir value. Empty means the platform default.
func (c *ProjectionConfig) GetShmDir() string {
	if c.ShmDir == nil {
		return ""
	}
	return *c.ShmDir
}

// GetShmSize returns the shm_size value or the default.
func (c *ProjectionConfig) GetShmSize() int {
	if c.ShmSize == nil {
		return wire.DefaultDataRegionSize
	}
	return *c.ShmSize
}

// GetCommandRegionSize returns the command_region_size value or the default.
func (c *ProjectionConfig) GetCommandRegionSize() int {
	if c.CommandRegionSize == nil {
		return wire.DefaultCommandRegionSize
	}
	return *c.CommandRegionSize
}

// GetHeartbeatInterval parses and returns the HeartbeatInterval.
func (c *ProjectionConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, shmem.DefaultHeartbeatInterval)
}

// GetClientExecutable returns the client_executable value.
func (c *ProjectionConfig) GetClientExecutable() string {
	if c.ClientExecutable == nil {
		return ""
	}
	return *c.ClientExecutable
}

// GetAutoLaunchClient returns the auto_launch_client value or the default.
func (c *ProjectionConfig) GetAutoLaunchClient() bool {
	if c.AutoLaunchClient == nil {
		return false
	}
	return *c.AutoLaunchClient
}

// GetSerializer returns the serializer or the transport's default: cbor for
// shared memory and the compact line form for sockets.
func (c *ProjectionConfig) GetSerializer() string {
	if c.Serializer != nil && *c.Serializer != "" {
		return *c.Serializer
	}
	if c.GetTransport() == TransportSocket {
		return protocol.NameCompact
	}
	return protocol.NameCBOR
}

// GetEnableBatching returns the enable_batching value or the default.
func (c *ProjectionConfig) GetEnableBatching() bool {
	if c.EnableBatching == nil {
		return false
	}
	return *c.EnableBatching
}

// GetBatchMaxSize returns the batch_max_size value or the transport's
// default.
func (c *ProjectionConfig) GetBatchMaxSize() int {
	if c.BatchMaxSize == nil {
		if c.GetTransport() == TransportSocket {
			return socket.DefaultBatchSize
		}
		return perf.DefaultBatchSize
	}
	return *c.BatchMaxSize
}

// GetBatchMaxAge parses and returns the BatchMaxAge.
func (c *ProjectionConfig) GetBatchMaxAge() time.Duration {
	return durationOr(c.BatchMaxAge, perf.DefaultBatchAge)
}

// GetEnableProfiling returns the enable_profiling value or the default.
func (c *ProjectionConfig) GetEnableProfiling() bool {
	if c.EnableProfiling == nil {
		return false
	}
	return *c.EnableProfiling
}

// GetAutoOptimize returns the auto_optimize value or the default.
func (c *ProjectionConfig) GetAutoOptimize() bool {
	if c.AutoOptimize == nil {
		return false
	}
	return *c.AutoOptimize
}

// GetOptimizeInterval parses and returns the OptimizeInterval.
func (c *ProjectionConfig) GetOptimizeInterval() time.Duration {
	return durationOr(c.OptimizeInterval, shmem.DefaultOptimizeInterval)
}

// GetCapturePath returns the capture_path value. Empty disables capture.
func (c *ProjectionConfig) GetCapturePath() string {
	if c.CapturePath == nil {
		return ""
	}
	return *c.CapturePath
}

// GetReportDB returns the report_db value. Empty disables report storage.
func (c *ProjectionConfig) GetReportDB() string {
	if c.ReportDB == nil {
		return ""
	}
	return *c.ReportDB
}

// ShmemOptions builds shared-memory adapter options from c. Clock,
// profiler and report sink are left for the caller.
func (c *ProjectionConfig) ShmemOptions() shmem.Options {
	return shmem.Options{
		Dir:               c.GetShmDir(),
		RegionName:        c.GetShmName(),
		DataSize:          c.GetShmSize(),
		CommandSize:       c.GetCommandRegionSize(),
		ClientExecutable:  c.GetClientExecutable(),
		AutoLaunch:        c.GetAutoLaunchClient(),
		Serializer:        c.GetSerializer(),
		EnableBatching:    c.GetEnableBatching(),
		BatchMaxSize:      c.GetBatchMaxSize(),
		BatchMaxAge:       c.GetBatchMaxAge(),
		EnableProfiling:   c.GetEnableProfiling(),
		AutoOptimize:      c.GetAutoOptimize(),
		OptimizeInterval:  c.GetOptimizeInterval(),
		HeartbeatInterval: c.GetHeartbeatInterval(),
	}
}

// SocketOptions builds socket adapter options from c. Clock, profiler,
// report sink, handler and capture hook are left for the caller.
func (c *ProjectionConfig) SocketOptions() socket.Options {
	return socket.Options{
		Host:             c.GetUDPHost(),
		UDPPort:          c.GetUDPPort(),
		CommandHost:      c.GetTCPHost(),
		TCPPort:          c.GetTCPPort(),
		Serializer:       c.GetSerializer(),
		Dedupe:           c.GetDedupe(),
		EnableBatching:   c.GetEnableBatching(),
		BatchMaxSize:     c.GetBatchMaxSize(),
		BatchMaxAge:      c.GetBatchMaxAge(),
		EnableProfiling:  c.GetEnableProfiling(),
		AutoOptimize:     c.GetAutoOptimize(),
		OptimizeInterval: c.GetOptimizeInterval(),
	}
}
