package source

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestPCMRing_WrapAround(t *testing.T) {
	r := newPCMRing(8, 2)
	ctx := context.Background()

	r.Write([]byte{1, 2, 3, 4, 5, 6})
	got := make([]byte, 4)
	if n := r.Read(ctx, got); n != 4 || !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("first read: n=%d got=%v", n, got)
	}
	r.Write([]byte{7, 8, 9, 10})
	all := make([]byte, 16)
	n := r.Read(ctx, all)
	if !bytes.Equal(all[:n], []byte{5, 6, 7, 8, 9, 10}) {
		t.Fatalf("wrapped read = %v", all[:n])
	}
}

func TestPCMRing_OverflowDropsOldestFrames(t *testing.T) {
	r := newPCMRing(4, 2)
	r.Write([]byte{1, 2, 3, 4})
	r.Write([]byte{5, 6})
	got := make([]byte, 8)
	n := r.Read(context.Background(), got)
	if !bytes.Equal(got[:n], []byte{3, 4, 5, 6}) {
		t.Fatalf("after overflow = %v", got[:n])
	}
	if r.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", r.Dropped())
	}
}

func TestPCMRing_OversizedWriteKeepsTail(t *testing.T) {
	r := newPCMRing(4, 2)
	r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	got := make([]byte, 8)
	n := r.Read(context.Background(), got)
	if !bytes.Equal(got[:n], []byte{5, 6, 7, 8}) {
		t.Fatalf("got %v", got[:n])
	}
}

func TestPCMRing_ReadReturnsWholeFrames(t *testing.T) {
	r := newPCMRing(16, 4)
	r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	got := make([]byte, 7)
	if n := r.Read(context.Background(), got); n != 4 {
		t.Fatalf("read %d bytes into a 7-byte buffer, want one 4-byte frame", n)
	}
}

func TestPCMRing_ReadBlocksUntilWriteOrClose(t *testing.T) {
	r := newPCMRing(16, 2)
	done := make(chan int, 1)
	go func() {
		buf := make([]byte, 4)
		done <- r.Read(context.Background(), buf)
	}()

	select {
	case <-done:
		t.Fatal("read returned with nothing buffered")
	case <-time.After(20 * time.Millisecond):
	}
	r.Write([]byte{1, 2})
	select {
	case n := <-done:
		if n != 2 {
			t.Fatalf("read %d, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not wake reader")
	}

	go func() {
		done <- r.Read(context.Background(), make([]byte, 4))
	}()
	r.Close()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("read after close = %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake reader")
	}
}

func TestPCMRing_ReadHonorsContext(t *testing.T) {
	r := newPCMRing(16, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if n := r.Read(ctx, make([]byte, 4)); n != 0 {
		t.Fatalf("read = %d", n)
	}
}
