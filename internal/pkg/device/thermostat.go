package device

import "encoding/json"

type ThermostatMode string

const (
	ModeOff     ThermostatMode = "off"
	ModeHeat    ThermostatMode = "heat"
	ModeCool    ThermostatMode = "cool"
	ModeAuto    ThermostatMode = "auto"
	ModeFanOnly ThermostatMode = "fan-only"
)

func (m ThermostatMode) Valid() bool {
	switch m {
	case ModeOff, ModeHeat, ModeCool, ModeAuto, ModeFanOnly:
		return true
	}
	return false
}

type FanMode string

const (
	FanAuto      FanMode = "auto"
	FanOn        FanMode = "on"
	FanCirculate FanMode = "circulate"
)

func (m FanMode) Valid() bool {
	switch m {
	case FanAuto, FanOn, FanCirculate:
		return true
	}
	return false
}

// TemperatureRange is a closed interval in degrees Fahrenheit
type TemperatureRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

var DefaultTemperatureRange = TemperatureRange{Min: 40, Max: 90}

func (r TemperatureRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r TemperatureRange) Clamp(v float64) float64 {
	return clampFloat(v, r.Min, r.Max)
}

// ThermostatState keeps heating and cooling setpoints separately; the target
// temperature is derived from them according to the mode.
type ThermostatState struct {
	CurrentTemperature *float64         `json:"currentTemperature,omitempty"`
	Setpoint           *float64         `json:"setpoint,omitempty"`
	HeatingSetpoint    *float64         `json:"heatingSetpoint,omitempty"`
	CoolingSetpoint    *float64         `json:"coolingSetpoint,omitempty"`
	Mode               ThermostatMode   `json:"mode"`
	FanMode            FanMode          `json:"fanMode"`
	Heating            bool             `json:"heating"`
	Cooling            bool             `json:"cooling"`
	FanRunning         bool             `json:"fanRunning"`
	Range              TemperatureRange `json:"range"`
}

func NewThermostatState() *ThermostatState {
	return &ThermostatState{
		Mode:    ModeOff,
		FanMode: FanAuto,
		Range:   DefaultTemperatureRange,
	}
}

func (*ThermostatState) Kind() Kind { return KindThermostat }

func (t *ThermostatState) clone() State {
	c := *t
	c.CurrentTemperature = copyFloat(t.CurrentTemperature)
	c.Setpoint = copyFloat(t.Setpoint)
	c.HeatingSetpoint = copyFloat(t.HeatingSetpoint)
	c.CoolingSetpoint = copyFloat(t.CoolingSetpoint)
	return &c
}

// TargetTemperature picks the setpoint relevant to the current mode
func (t *ThermostatState) TargetTemperature() *float64 {
	switch t.Mode {
	case ModeHeat:
		if t.HeatingSetpoint != nil {
			return copyFloat(t.HeatingSetpoint)
		}
	case ModeCool:
		if t.CoolingSetpoint != nil {
			return copyFloat(t.CoolingSetpoint)
		}
	}
	for _, v := range []*float64{t.Setpoint, t.HeatingSetpoint, t.CoolingSetpoint} {
		if v != nil {
			return copyFloat(v)
		}
	}
	return nil
}

// TargetsCooling reports whether a target temperature is written to the
// cooling setpoint. Cool mode targets it, every other mode the heating one.
func (t *ThermostatState) TargetsCooling() bool {
	return t.Mode == ModeCool
}

// SetTarget stores v, clamped to the supported range, in the setpoint a
// target temperature is written to in the current mode
func (t *ThermostatState) SetTarget(v float64) {
	if t.TargetsCooling() {
		t.SetCoolingSetpoint(v)
		return
	}
	t.SetHeatingSetpoint(v)
}

// TargetSetpoint returns the setpoint SetTarget writes in the current mode
func (t *ThermostatState) TargetSetpoint() *float64 {
	if t.TargetsCooling() {
		return copyFloat(t.CoolingSetpoint)
	}
	return copyFloat(t.HeatingSetpoint)
}

func (t *ThermostatState) SetHeatingSetpoint(v float64) {
	v = t.Range.Clamp(v)
	t.HeatingSetpoint = &v
}

func (t *ThermostatState) SetCoolingSetpoint(v float64) {
	v = t.Range.Clamp(v)
	t.CoolingSetpoint = &v
}

func (t *ThermostatState) UnmarshalJSON(data []byte) error {
	type plain ThermostatState
	p := plain(*NewThermostatState())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = ThermostatState(p)
	return nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func Float(v float64) *float64 { return &v }

func CelsiusToFahrenheit(c float64) float64 { return c*9/5 + 32 }

func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }
