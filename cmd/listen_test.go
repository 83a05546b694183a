package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/nest"
)

type fakeSource struct {
	mu     sync.Mutex
	queued []nest.Event
	acked  []string
}

func (s *fakeSource) Pull(ctx context.Context) ([]nest.Event, error) {
	s.mu.Lock()
	batch := s.queued
	s.queued = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return batch, nil
}

func (s *fakeSource) Ack(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *fakeSource) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type fakeRefresher struct {
	mu   sync.Mutex
	read []string
}

func (f *fakeRefresher) GetDeviceState(ctx context.Context, id string) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, id)
	if id == "nest:gone" {
		return device.Device{}, deverr.New(deverr.DeviceNotFound, "no such device")
	}
	return device.Device{Envelope: device.Envelope{ID: id}}, nil
}

func TestListenerAcksRefreshedDevices(t *testing.T) {
	src := &fakeSource{queued: []nest.Event{
		{AckID: "a1", EventID: "e1", DeviceID: "hall", Traits: nest.NewTraits()},
		{AckID: "a2", EventID: "e2", DeviceID: "gone", Traits: nest.NewTraits()},
	}}
	ref := &fakeRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runListener(ctx, src, ref, 2)
	}()

	assert.Eventually(t, func() bool {
		ref.mu.Lock()
		defer ref.mu.Unlock()
		return len(ref.read) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}

	assert.ElementsMatch(t, []string{"nest:hall", "nest:gone"}, ref.read)
	// the failed refresh stays unacknowledged for redelivery
	assert.Equal(t, []string{"a1"}, src.ackedIDs())
}
