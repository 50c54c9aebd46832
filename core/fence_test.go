package core

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func pipeFence(t *testing.T) (*Fence, func()) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	f := newNativeFence(fds[0])
	signal := func() { _ = unix.Close(fds[1]) }
	return f, signal
}

func TestFence_UnsetIsAlreadySignalled(t *testing.T) {
	f := NewUnsetFence()
	if signalled, err := f.Check(); err != nil || !signalled {
		t.Fatalf("Check() = %v, %v, want true, nil", signalled, err)
	}
	if ok, err := f.Wait(time.Millisecond); err != nil || !ok {
		t.Fatalf("Wait() = %v, %v, want true, nil", ok, err)
	}
}

func TestFence_WaitBlocksUntilSignalled(t *testing.T) {
	f, signal := pipeFence(t)

	if signalled, _ := f.Check(); signalled {
		t.Fatal("Check() reported signalled before fd closed")
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		signal()
		close(done)
	}()

	ok, err := f.Wait(time.Second)
	<-done
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ok {
		t.Fatal("Wait() returned false, want true")
	}
}

func TestFence_WaitTimesOut(t *testing.T) {
	f, signal := pipeFence(t)
	defer signal()

	ok, err := f.Wait(5 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ok {
		t.Fatal("Wait() returned true before fence signalled")
	}
}

func TestFence_CancelMakesNonBlockingWhenUnbound(t *testing.T) {
	f, signal := pipeFence(t)
	defer signal()

	f.Cancel() // refcount 1 -> 0, not signalled: becomes non-blocking

	ok, err := f.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatal("Check() = false after Cancel dropped refcount to zero")
	}
}

func TestFence_CancelKeepsBlockingWhileRefsRemain(t *testing.T) {
	f, signal := pipeFence(t)
	defer signal()

	bound, _ := f.bind() // refcount now 2
	if bound != f {
		t.Fatal("bind() on an unmerged fence should return itself")
	}

	f.Cancel() // refcount 2 -> 1: still bound
	ok, err := f.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check() = true while a bound reference remains")
	}
}

func TestFence_MergeWaitsForBoth(t *testing.T) {
	a, signalA := pipeFence(t)
	b, signalB := pipeFence(t)

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if ok, _ := merged.Check(); ok {
		t.Fatal("merged fence signalled before either input closed")
	}

	signalA()
	if ok, _ := merged.Wait(20 * time.Millisecond); ok {
		t.Fatal("merged fence signalled with only one input closed")
	}

	signalB()
	ok, err := merged.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ok {
		t.Fatal("merged fence not signalled after both inputs closed")
	}
}

func TestFence_MergeWithNilReturnsBoundOther(t *testing.T) {
	var unset *Fence
	f, signal := pipeFence(t)
	defer signal()

	merged, err := unset.Merge(f)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged != f {
		t.Fatal("Merge(nil, f) should return f itself")
	}
}
