package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/cainmagi/dash-uploader/pkg/api"
)

func TestDeliversEachSignalOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(8)
	var mu sync.Mutex
	var got []uint64
	d.Register(func(sig api.CompletionSignal) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sig.Seq)
	})

	for seq := uint64(1); seq <= 5; seq++ {
		d.Publish(api.CompletionSignal{Seq: seq, Status: api.UploadStatus{UploadID: "sess"}})
	}
	d.Close()

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestMultipleCallbacks(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(1)
	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"first", "second"} {
		name := name
		d.Register(func(api.CompletionSignal) {
			mu.Lock()
			defer mu.Unlock()
			counts[name]++
		})
	}

	d.Publish(api.CompletionSignal{Seq: 1})
	d.Publish(api.CompletionSignal{Seq: 2})
	d.Close()

	assert.Equal(t, map[string]int{"first": 2, "second": 2}, counts)
}

func TestPublishAfterCloseDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(0)
	d.Close()

	finished := make(chan struct{})
	go func() {
		d.Publish(api.CompletionSignal{Seq: 1})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Close")
	}
}
