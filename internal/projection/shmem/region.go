package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/banshee-data/projector/internal/security"
)

// DefaultDir is where POSIX shared memory objects live on Linux.
const DefaultDir = "/dev/shm"

// ErrRegionClosed is returned by operations on a closed Region.
var ErrRegionClosed = errors.New("shared memory region closed")

// Region is a named, file-backed shared mapping. The visualisation client
// opens the same name and maps it read-only (data) or read-write (commands).
type Region struct {
	name string
	path string
	size int

	mu   sync.RWMutex
	f    *os.File
	data []byte
}

// ResolveDir returns dir, or DefaultDir when it exists, or the system
// temp directory.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if fi, err := os.Stat(DefaultDir); err == nil && fi.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

// OpenRegion creates (or reopens) the file dir/name, sizes it and maps it
// shared. The mapping is zeroed so a stale header from a previous run is
// never read as current.
func OpenRegion(dir, name string, size int) (*Region, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid region name %q", name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	dir = ResolveDir(dir)
	path := filepath.Join(dir, name)
	// A planted symlink would make O_CREATE and Truncate hit a file
	// outside the shared memory directory.
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size region %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap region %s: %w", path, err)
	}
	clear(data)
	return &Region{name: name, path: path, size: size, f: f, data: data}, nil
}

func (r *Region) Name() string { return r.name }
func (r *Region) Path() string { return r.path }
func (r *Region) Size() int    { return r.size }

// With calls fn with the mapped bytes while the region is held open.
func (r *Region) With(fn func(b []byte) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return ErrRegionClosed
	}
	return fn(r.data)
}

// Flush schedules the mapping to be written back.
func (r *Region) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return ErrRegionClosed
	}
	return unix.Msync(r.data, unix.MS_ASYNC)
}

// Probe checks that the mapping is live and that the name still refers to
// the mapped file, i.e. nobody has unlinked or replaced it.
func (r *Region) Probe() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil || r.f == nil {
		return ErrRegionClosed
	}
	mapped, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("stat mapped region: %w", err)
	}
	named, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("stat region path: %w", err)
	}
	if !os.SameFile(mapped, named) {
		return fmt.Errorf("region %s was replaced", r.path)
	}
	if mapped.Size() < int64(r.size) {
		return fmt.Errorf("region %s truncated to %d bytes", r.path, mapped.Size())
	}
	return nil
}

// Close unmaps the region and closes its file, removing the name when
// unlink is set. Closing twice is a no-op.
func (r *Region) Close(unlink bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(r.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	r.data = nil
	if err := r.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	r.f = nil
	if unlink {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("unlink: %w", err))
		}
	}
	return errors.Join(errs...)
}
