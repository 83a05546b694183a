package command

import (
	"fmt"
	"time"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

// Apply updates d in place to the state the command should produce. It is
// used for optimistic updates before the vendor confirms the change.
// Custom commands have no predictable effect and leave d unchanged.
func Apply(d *device.Device, c Command, at time.Time) error {
	if !Supports(d.Kind(), c) {
		return fmt.Errorf("%s device does not support %s", d.Kind(), c.Name())
	}

	switch cmd := c.(type) {
	case Lock:
		l, _ := d.AsLock()
		l.Status = device.LockLocked
	case Unlock:
		l, _ := d.AsLock()
		l.Status = device.LockUnlocked

	case SetTemperature:
		t, _ := d.AsThermostat()
		t.SetTarget(cmd.Value)
	case SetHeatingSetpoint:
		t, _ := d.AsThermostat()
		t.SetHeatingSetpoint(cmd.Value)
	case SetCoolingSetpoint:
		t, _ := d.AsThermostat()
		t.SetCoolingSetpoint(cmd.Value)
	case SetMode:
		t, _ := d.AsThermostat()
		t.Mode = cmd.Mode
	case SetFanMode:
		t, _ := d.AsThermostat()
		t.FanMode = cmd.Mode

	case TurnOn:
		setOn(d, true, at)
	case TurnOff:
		setOn(d, false, at)
	case SetSwitch:
		setOn(d, cmd.On, at)
	case SetBrightness:
		l, _ := d.AsLight()
		l.SetBrightness(cmd.Level)
	case SetColor:
		l, _ := d.AsLight()
		l.SetColor(cmd.Color)

	case SetAttribute:
		if g, ok := d.AsGeneric(); ok {
			g.SetAttribute(cmd.Key, cmd.Value)
		}
	case ExecuteCustom:
	}
	return nil
}

func setOn(d *device.Device, on bool, at time.Time) {
	if l, ok := d.AsLight(); ok {
		l.On = on
		return
	}
	if s, ok := d.AsSwitch(); ok {
		s.Set(on, at)
	}
}
