package core

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SyncDriver abstracts the kernel facility a Timeline advances against.
// spec.md's Timeline holds `handle: opaque driver sync timeline`; on
// real Linux hardware that is the sw_sync debugfs timeline (the
// kernel's SW_SYNC_IOC_CREATE_FENCE/SW_SYNC_IOC_INC uAPI), for which
// this module has no SyncDriver. Package tests and cmd/hwcdemo use
// MemSyncDriver, a pure Go, fd-based stand-in with identical poll
// semantics: the returned fd becomes readable exactly when the slot it
// was minted on is reached by Advance.
type SyncDriver interface {
	// CreateFenceAt returns a pollable fd that becomes readable once
	// the driver's timeline reaches value. Fds below the current
	// position are returned already signalled.
	CreateFenceAt(value uint32) (fd int, err error)

	// Advance moves the driver's timeline forward by delta, signalling
	// every fd minted with value <= the new position.
	Advance(delta uint32) error

	// Position returns the driver's current timeline value.
	Position() uint32

	// Close releases driver resources. No further CreateFenceAt/Advance
	// calls are valid afterwards.
	Close() error
}

// MemSyncDriver is a portable SyncDriver backed by one pipe per
// outstanding fence. It requires no special kernel facility and is the
// driver cmd/hwcdemo and the package tests use.
//
// Each fence is a pipe: the read end is handed to the caller as the
// fence fd, the write end is held internally and closed when Advance
// reaches that fence's value - closing
// the write end makes the read end immediately readable/EOF, which is
// exactly the poll(2) semantics a real sync fence exposes.
type MemSyncDriver struct {
	mu       sync.Mutex
	position uint32
	pending  []memFence
	closed   bool
}

type memFence struct {
	value    uint32
	writeEnd int
}

// NewMemSyncDriver creates a MemSyncDriver starting at position 0.
func NewMemSyncDriver() *MemSyncDriver {
	return &MemSyncDriver{}
}

// CreateFenceAt implements SyncDriver.
func (d *MemSyncDriver) CreateFenceAt(value uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return -1, fmt.Errorf("hwc: CreateFenceAt on closed MemSyncDriver")
	}

	fds, err := unixPipe()
	if err != nil {
		return -1, fmt.Errorf("hwc: MemSyncDriver: pipe: %w", err)
	}
	readEnd, writeEnd := fds[0], fds[1]

	if int32(value-d.position) <= 0 {
		// Already reached: signal immediately.
		_ = unix.Close(writeEnd)
		return readEnd, nil
	}

	d.pending = append(d.pending, memFence{value: value, writeEnd: writeEnd})
	return readEnd, nil
}

// Advance implements SyncDriver.
func (d *MemSyncDriver) Advance(delta uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("hwc: Advance on closed MemSyncDriver")
	}

	d.position += delta

	kept := d.pending[:0]
	for _, f := range d.pending {
		if int32(f.value-d.position) <= 0 {
			_ = unix.Close(f.writeEnd)
			continue
		}
		kept = append(kept, f)
	}
	d.pending = kept
	return nil
}

// Position implements SyncDriver.
func (d *MemSyncDriver) Position() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Close implements SyncDriver.
func (d *MemSyncDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, f := range d.pending {
		_ = unix.Close(f.writeEnd)
	}
	d.pending = nil
	return nil
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}
