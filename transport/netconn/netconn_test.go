package netconn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fpmas/fpmas-go/transport"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// buildWorld opens worldSize real loopback listeners first (so every
// address is known before any Comm dials another), then wraps each in a
// Comm.
func buildWorld(t *testing.T, worldSize int) []*Comm {
	listeners := make([]net.Listener, worldSize)
	addrs := make([]string, worldSize)
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}

	comms := make([]*Comm, worldSize)
	for i := range comms {
		c, err := New(i, addrs, listeners[i])
		if err != nil {
			t.Fatalf("New(%d): %v", i, err)
		}
		t.Cleanup(func() { _ = c.Close() })
		comms[i] = c
	}
	return comms
}

func TestSendRecvAcrossRealSockets(t *testing.T) {
	comms := buildWorld(t, 2)
	c0, c1 := comms[0], comms[1]

	if err := c0.Send(ctxT(t), 1, 7, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	payload, status, err := c1.Recv(ctxT(t), 0, 7)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(payload) != "hello" || status.Src != 0 || status.Tag != 7 {
		t.Fatalf("unexpected message: %q status=%+v", payload, status)
	}
}

func TestIprobeAndAnySourceAnyTag(t *testing.T) {
	comms := buildWorld(t, 2)
	c0, c1 := comms[0], comms[1]

	if _, ok, err := c1.Iprobe(transport.AnySource, transport.AnyTag); ok || err != nil {
		t.Fatalf("expected no pending message yet, got ok=%v err=%v", ok, err)
	}
	if err := c0.Send(ctxT(t), 1, 3, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if status, ok, err := c1.Iprobe(transport.AnySource, transport.AnyTag); err != nil {
			t.Fatalf("iprobe: %v", err)
		} else if ok {
			if status.Src != 0 || status.Tag != 3 {
				t.Fatalf("unexpected status: %+v", status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIssendCompletesOnlyAfterRecv(t *testing.T) {
	comms := buildWorld(t, 2)
	c0, c1 := comms[0], comms[1]

	req, err := c0.Issend(ctxT(t), 1, 9, []byte("sync"))
	if err != nil {
		t.Fatalf("issend: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if done, err := req.Test(); err != nil || done {
		t.Fatalf("expected Issend to still be pending before any Recv, done=%v err=%v", done, err)
	}

	if _, _, err := c1.Recv(ctxT(t), 0, 9); err != nil {
		t.Fatalf("recv: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		done, err := req.Test()
		if err != nil {
			t.Fatalf("test: %v", err)
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Issend never completed after the matching Recv")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMigrateAllToAll(t *testing.T) {
	comms := buildWorld(t, 3)

	var wg sync.WaitGroup
	results := make([]map[int][]byte, 3)
	errs := make([]error, 3)
	for r, c := range comms {
		r, c := r, c
		out := map[int][]byte{}
		for dst := 0; dst < 3; dst++ {
			if dst != r {
				out[dst] = []byte{byte('0' + r), byte('0' + dst)}
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r], errs[r] = c.Migrate(ctxT(t), out)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d migrate: %v", r, err)
		}
	}
	for r := 0; r < 3; r++ {
		for src := 0; src < 3; src++ {
			if src == r {
				continue
			}
			want := string([]byte{byte('0' + src), byte('0' + r)})
			if got := string(results[r][src]); got != want {
				t.Fatalf("rank %d from %d: got %q want %q", r, src, got, want)
			}
		}
	}
}

func TestBcastFromRoot(t *testing.T) {
	comms := buildWorld(t, 3)

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	errs := make([]error, 3)
	for r, c := range comms {
		r, c := r, c
		var payload []byte
		if r == 0 {
			payload = []byte("broadcast")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r], errs[r] = c.Bcast(ctxT(t), payload, 0)
		}()
	}
	wg.Wait()

	for r := 0; r < 3; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d bcast: %v", r, errs[r])
		}
		if string(results[r]) != "broadcast" {
			t.Fatalf("rank %d: got %q", r, results[r])
		}
	}
}

func TestGatherAndAllGather(t *testing.T) {
	comms := buildWorld(t, 3)

	var wg sync.WaitGroup
	results := make([][][]byte, 3)
	errs := make([]error, 3)
	for r, c := range comms {
		r, c := r, c
		payload := []byte{byte('a' + r)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r], errs[r] = c.Gather(ctxT(t), payload, 1)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d gather: %v", r, err)
		}
	}
	if results[1] == nil {
		t.Fatalf("expected root (rank 1) to receive a gathered result")
	}
	for r := 0; r < 3; r++ {
		if string(results[1][r]) != string([]byte{byte('a' + r)}) {
			t.Fatalf("gather mismatch at %d: %q", r, results[1][r])
		}
	}

	agResults := make([][][]byte, 3)
	agErrs := make([]error, 3)
	for r, c := range comms {
		r, c := r, c
		payload := []byte{byte('a' + r)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			agResults[r], agErrs[r] = c.AllGather(ctxT(t), payload)
		}()
	}
	wg.Wait()
	for r, err := range agErrs {
		if err != nil {
			t.Fatalf("rank %d all_gather: %v", r, err)
		}
		for src := 0; src < 3; src++ {
			if string(agResults[r][src]) != string([]byte{byte('a' + src)}) {
				t.Fatalf("all_gather mismatch at rank %d from %d: %q", r, src, agResults[r][src])
			}
		}
	}
}
