package hub

import (
	"fmt"
	"math"

	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
)

const (
	// vendors store brightness on their own scales
	brightnessTolerance = 1
	// Fahrenheit, covers Celsius round trips
	temperatureTolerance = 0.5
)

// mismatch compares the re-read device with the state the command should
// have produced and describes the first difference. Only what the command
// controls is compared; custom and attribute commands are not verified.
func mismatch(cmd command.Command, expected, actual device.Device) string {
	if expected.Kind() != actual.Kind() {
		return fmt.Sprintf("device kind changed from %s to %s", expected.Kind(), actual.Kind())
	}

	switch cmd.(type) {
	case command.SetAttribute, command.ExecuteCustom:
		return ""
	}

	switch want := expected.State.(type) {
	case *device.LockState:
		got, _ := actual.AsLock()
		if got.Status != want.Status {
			return fmt.Sprintf("lock is %s, expected %s", got.Status, want.Status)
		}

	case *device.LightState:
		got, _ := actual.AsLight()
		if got.On != want.On {
			return fmt.Sprintf("light is %s, expected %s", onOff(got.On), onOff(want.On))
		}
		if _, ok := cmd.(command.SetBrightness); ok && want.Brightness != nil && want.On {
			if got.Brightness == nil {
				return fmt.Sprintf("brightness unknown, expected %d", *want.Brightness)
			}
			if abs(*got.Brightness-*want.Brightness) > brightnessTolerance {
				return fmt.Sprintf("brightness is %d, expected %d", *got.Brightness, *want.Brightness)
			}
		}

	case *device.SwitchState:
		got, _ := actual.AsSwitch()
		if got.On != want.On {
			return fmt.Sprintf("switch is %s, expected %s", onOff(got.On), onOff(want.On))
		}

	case *device.ThermostatState:
		got, _ := actual.AsThermostat()
		return thermostatMismatch(cmd, want, got)
	}
	return ""
}

func thermostatMismatch(cmd command.Command, want, got *device.ThermostatState) string {
	switch cmd.(type) {
	case command.SetMode:
		if got.Mode != want.Mode {
			return fmt.Sprintf("mode is %s, expected %s", got.Mode, want.Mode)
		}
	case command.SetFanMode:
		if got.FanMode != want.FanMode {
			return fmt.Sprintf("fan mode is %s, expected %s", got.FanMode, want.FanMode)
		}
	case command.SetHeatingSetpoint:
		return setpointMismatch("heating setpoint", want.HeatingSetpoint, got.HeatingSetpoint)
	case command.SetCoolingSetpoint:
		return setpointMismatch("cooling setpoint", want.CoolingSetpoint, got.CoolingSetpoint)
	case command.SetTemperature:
		if got.Mode != want.Mode {
			return fmt.Sprintf("mode is %s, expected %s", got.Mode, want.Mode)
		}
		return setpointMismatch("target temperature", want.TargetSetpoint(), got.TargetSetpoint())
	}
	return ""
}

func setpointMismatch(name string, want, got *float64) string {
	if want == nil {
		return ""
	}
	if got == nil {
		return fmt.Sprintf("%s unknown, expected %.1f", name, *want)
	}
	if math.Abs(*got-*want) > temperatureTolerance {
		return fmt.Sprintf("%s is %.1f, expected %.1f", name, *got, *want)
	}
	return ""
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
