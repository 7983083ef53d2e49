package tinygo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/sppterm/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestMatcherFirstExactMatchWins(t *testing.T) {
	m := newMatcher("spp")

	assert.False(t, m.offer("spp-2", "11", nil))
	assert.False(t, m.offer("SPP", "12", nil))
	_, ok := m.result()
	assert.False(t, ok)

	assert.True(t, m.offer("spp", "22", "first"))
	assert.False(t, m.offer("spp", "33", "second"))

	id, ok := m.result()
	require.True(t, ok)
	assert.Equal(t, "22", id.Address)
	assert.Equal(t, "first", id.Handle)
}

func TestMatcherConcurrentOffersProduceOneWinner(t *testing.T) {
	m := newMatcher("spp")
	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- m.offer("spp", "addr", nil)
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestToUUID(t *testing.T) {
	want, err := bluetooth.ParseUUID("4880c12c-fdcb-4077-8920-a450d7f9b907")
	require.NoError(t, err)
	assert.Equal(t, want, toUUID(device.SPPServiceUUID))
}

func TestCallHonorsLinkAndContext(t *testing.T) {
	link := device.NewLink()

	v, err := call(context.Background(), link, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")
	cancel(stop)
	_, err = call(ctx, link, func() (int, error) { <-block; return 0, nil })
	assert.ErrorIs(t, err, stop)

	link.Close(errors.New("gone"))
	_, err = call(context.Background(), link, func() (int, error) { return 1, nil })
	kind, ok := device.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, device.LinkLost, kind)
}

func TestConnectRejectsForeignIdentity(t *testing.T) {
	tr := &Transport{links: map[string]*device.Link{}}
	tr.enableOnce.Do(func() {})

	_, err := tr.Connect(context.Background(), device.Identity{Name: "spp", Handle: "not-an-address"})
	assert.ErrorIs(t, err, device.ErrConnect)
}

func TestStopScanUntilRetriesUntilScanReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	var calls atomic.Int32
	stop := func() error {
		// The scan registers late: the first calls find nothing to stop
		if calls.Add(1) < 3 {
			return errors.New("not scanning")
		}
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		stopScanUntil(ctx, done, stop, time.Millisecond)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("stopScanUntil MUST keep stopping until the scan returns")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestStopScanUntilIdleWhenScanEndsFirst(t *testing.T) {
	done := make(chan struct{})
	close(done)

	var calls atomic.Int32
	stopScanUntil(context.Background(), done, func() error {
		calls.Add(1)
		return nil
	}, time.Millisecond)

	assert.Zero(t, calls.Load(), "a finished scan MUST NOT be stopped")
}
