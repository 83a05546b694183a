package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

func TestParse(t *testing.T) {
	c, err := Parse("setColor", map[string]interface{}{"hue": 500.0, "saturation": 20.0, "brightness": "40"})
	require.NoError(t, err)
	assert.Equal(t, SetColor{Color: device.Color{Hue: 360, Saturation: 20, Brightness: 40}}, c)

	c, err = Parse("setMode", map[string]interface{}{"mode": "fan-only"})
	require.NoError(t, err)
	assert.Equal(t, SetMode{Mode: device.ModeFanOnly}, c)

	c, err = Parse("unlock", nil)
	require.NoError(t, err)
	assert.True(t, IsSensitive(c))

	_, err = Parse("setMode", map[string]interface{}{"mode": "turbo"})
	assert.Error(t, err)
	_, err = Parse("setBrightness", map[string]interface{}{})
	assert.EqualError(t, err, `argument "level" is required`)
	_, err = Parse("selfDestruct", nil)
	assert.Error(t, err)
	_, err = Parse("setSwitch", map[string]interface{}{"on": "yes"})
	assert.Error(t, err)
}

func TestParseNumbersAtTheEdges(t *testing.T) {
	tests := []struct {
		name  string
		level interface{}
		want  int
	}{
		{"huge", 1e30, 100},
		{"huge negative", -1e30, 0},
		{"huge string", "1e30", 100},
		{"fraction", 55.9, 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse("setBrightness", map[string]interface{}{"level": tt.level})
			require.NoError(t, err)
			assert.Equal(t, SetBrightness{Level: tt.want}, c)
		})
	}

	for _, bad := range []string{"NaN", "Inf", "-Inf"} {
		_, err := Parse("setBrightness", map[string]interface{}{"level": bad})
		assert.EqualError(t, err, `argument "level" must be a finite number`, bad)
		_, err = Parse("setColor", map[string]interface{}{"hue": bad, "saturation": 1.0, "brightness": 1.0})
		assert.Error(t, err, bad)
		_, err = Parse("setTemperature", map[string]interface{}{"value": bad})
		assert.Error(t, err, bad)
	}
}

func TestNamesMatchParsers(t *testing.T) {
	for _, n := range Names() {
		c, err := Parse(n, map[string]interface{}{
			"value": 70.0, "mode": "auto", "level": 10.0, "hue": 1.0, "saturation": 1.0,
			"brightness": 1.0, "on": true, "key": "k", "command": "c",
		})
		require.NoError(t, err, n)
		assert.Equal(t, n, c.Name())
	}
}

func TestSupports(t *testing.T) {
	assert.True(t, Supports(device.KindLock, Unlock{}))
	assert.False(t, Supports(device.KindLight, Unlock{}))
	assert.True(t, Supports(device.KindSwitch, TurnOn{}))
	assert.False(t, Supports(device.KindSwitch, SetBrightness{Level: 3}))
	assert.True(t, Supports(device.KindGeneric, SetAttribute{Key: "x"}))
	assert.False(t, Supports(device.KindGeneric, TurnOff{}))

	op, ok := LockOperation(Lock{})
	assert.True(t, ok)
	assert.Equal(t, device.OperationLock, op)
	_, ok = LockOperation(TurnOn{})
	assert.False(t, ok)
}

func TestApply(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	lock := device.Device{State: &device.LockState{Status: device.LockLocked}}
	require.NoError(t, Apply(&lock, Unlock{}, at))
	l, _ := lock.AsLock()
	assert.Equal(t, device.LockUnlocked, l.Status)

	light := device.Device{State: &device.LightState{}}
	require.NoError(t, Apply(&light, SetBrightness{Level: 40}, at))
	ls, _ := light.AsLight()
	assert.True(t, ls.On)
	require.NoError(t, Apply(&light, TurnOff{}, at))
	assert.False(t, ls.On)

	sw := device.Device{State: &device.SwitchState{}}
	require.NoError(t, Apply(&sw, SetSwitch{On: true}, at))
	ss, _ := sw.AsSwitch()
	assert.True(t, ss.On)
	assert.Equal(t, at, ss.LastToggled)

	th := device.Device{State: device.NewThermostatState()}
	require.NoError(t, Apply(&th, SetMode{Mode: device.ModeCool}, at))
	require.NoError(t, Apply(&th, SetTemperature{Value: 200}, at))
	ts, _ := th.AsThermostat()
	require.NotNil(t, ts.CoolingSetpoint)
	assert.Equal(t, 90.0, *ts.CoolingSetpoint)

	assert.Error(t, Apply(&lock, TurnOn{}, at))
}
