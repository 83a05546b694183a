package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

func light(id string, on bool) device.Device {
	return device.Device{
		Envelope: device.Envelope{ID: id, Vendor: "hue", Name: "Lamp"},
		State:    &device.LightState{On: on},
	}
}

func TestSubscribersGetCopies(t *testing.T) {
	bus := NewBus(4)
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	d := light("hue:1", true)
	bus.Publish(Event{Type: DeviceUpdated, Device: d})

	evA := <-a
	evB := <-b
	assert.Equal(t, "hue:1", evA.Device.ID)
	assert.False(t, evA.Time.IsZero())

	l, _ := evA.Device.AsLight()
	l.On = false
	lb, _ := evB.Device.AsLight()
	assert.True(t, lb.On)
	orig, _ := d.AsLight()
	assert.True(t, orig.On)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(1)
	slow, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: DeviceUpdated, Device: light("hue:1", true)})
		bus.Publish(Event{Type: DeviceUpdated, Device: light("hue:2", true)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := <-slow
	assert.Equal(t, "hue:1", ev.Device.ID)
	assert.Len(t, slow, 0)
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	other, _ := bus.Subscribe()
	bus.Close()
	_, open = <-other
	assert.False(t, open)

	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload.([]byte)})
	return doneToken{err: f.err}
}

func (f *fakeBroker) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestMQTTPublishesRetainedState(t *testing.T) {
	broker := &fakeBroker{}
	p := NewMQTTPublisher(broker, "", 1)

	require.NoError(t, p.Publish(Event{Type: DeviceUpdated, Device: light("hue:7", true)}))
	require.NoError(t, p.Publish(Event{Type: DeviceRemoved, Device: light("hue:7", true)}))

	msgs := broker.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "devicehub/state/hue/7", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retained)

	var d device.Device
	require.NoError(t, json.Unmarshal(msgs[0].payload, &d))
	assert.Equal(t, device.KindLight, d.Kind())

	assert.Empty(t, msgs[1].payload)
	assert.True(t, msgs[1].retained)
}

func TestMQTTPublishError(t *testing.T) {
	p := NewMQTTPublisher(&fakeBroker{err: errors.New("not connected")}, "site", 0)
	err := p.Publish(Event{Type: DeviceUpdated, Device: light("hue:1", false)})
	assert.ErrorContains(t, err, "site/hue/1")
}

func TestMQTTRunForwardsBusEvents(t *testing.T) {
	bus := NewBus(4)
	broker := &fakeBroker{}
	p := NewMQTTPublisher(broker, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx, bus)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(Event{Type: DeviceUpdated, Device: light("hue:3", true)})
	assert.Eventually(t, func() bool { return len(broker.messages()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
	assert.Equal(t, 0, bus.Subscribers())
}
