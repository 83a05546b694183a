// Package normalize maps vendor payloads onto the unified device model.
//
// Each vendor adapter decodes its own JSON schema into a Payload using the
// canonical attribute keys below; the Normalizer then infers the device kind
// and builds the kind-specific state.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// Canonical attribute keys
const (
	AttrLock            = "lock"            // string, vendor lock state
	AttrBattery         = "battery"         // number 0..100
	AttrRemoteEnabled   = "remoteEnabled"   // bool
	AttrSwitch          = "switch"          // "on"/"off" or bool
	AttrSwitchType      = "switchType"      // string
	AttrLevel           = "level"           // number 0..100
	AttrHue             = "hue"             // number, degrees
	AttrSaturation      = "saturation"      // number 0..100
	AttrTemperature     = "temperature"     // number, Fahrenheit
	AttrSetpoint        = "setpoint"        // number, Fahrenheit
	AttrHeatingSetpoint = "heatingSetpoint" // number, Fahrenheit
	AttrCoolingSetpoint = "coolingSetpoint" // number, Fahrenheit
	AttrThermostatMode  = "thermostatMode"  // string
	AttrFanMode         = "fanMode"         // string
	AttrOperatingState  = "operatingState"  // heating, cooling, fan only, idle
	AttrFanRunning      = "fanRunning"      // bool
	AttrMinTemperature  = "minTemperature"  // number, Fahrenheit
	AttrMaxTemperature  = "maxTemperature"  // number, Fahrenheit
)

// Payload is the vendor-independent intermediate form of a device
type Payload struct {
	ID           string
	Name         string
	Location     string
	Manufacturer string
	Model        string
	Firmware     string
	// Type is the vendor's explicit device type, if it sends one
	Type         string
	Capabilities []string
	Attributes   map[string]interface{}
	Online       *bool
	Scope        *device.TenancyScope
	Metadata     map[string]string
}

type Normalizer struct {
	rules Rules
	now   func() time.Time
}

func New(rules Rules) *Normalizer {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Normalizer{rules: rules, now: time.Now}
}

func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	nn := *n
	nn.now = now
	return &nn
}

func (n *Normalizer) Rules() Rules { return n.rules }

// Device converts a payload into a unified device owned by vendor
func (n *Normalizer) Device(vendor string, p Payload) (device.Device, error) {
	if p.ID == "" {
		return device.Device{}, deverr.Newf(deverr.MappingError, "%s device without an id", vendor)
	}

	now := n.now()
	online := true
	if p.Online != nil {
		online = *p.Online
	}

	name := p.Name
	if name == "" {
		name = p.ID
	}

	d := device.Device{
		Envelope: device.Envelope{
			ID:           device.QualifiedID(vendor, p.ID),
			Vendor:       vendor,
			Name:         name,
			Location:     p.Location,
			Manufacturer: p.Manufacturer,
			Model:        p.Model,
			Firmware:     p.Firmware,
			Online:       online,
			CreatedAt:    now,
			Metadata:     p.Metadata,
			Scope:        p.Scope,
		},
	}
	if online {
		d.LastSeen = now
	}

	attrs := attributes(p.Attributes)
	kind := n.rules.Infer(p.Type, p.Capabilities)

	switch kind {
	case device.KindLock:
		d.State = lockState(attrs)
	case device.KindThermostat:
		d.State = thermostatState(attrs)
	case device.KindLight:
		d.State = lightState(attrs, newCapSet(p.Capabilities))
	case device.KindSwitch:
		d.State = switchState(attrs, p.Type)
	default:
		d.State = &device.GenericState{
			Capabilities: append([]string(nil), p.Capabilities...),
			Attributes:   copyAttrs(p.Attributes),
		}
	}

	logging.Component(nil, "normalize").Debugf("%s device %s classified as %s", vendor, p.ID, kind)
	return d, nil
}

func lockState(a attributes) *device.LockState {
	l := &device.LockState{Status: device.LockUnknown, RemoteEnabled: true}
	if s, ok := a.str(AttrLock); ok {
		l.Status = device.ParseLockStatus(s)
	}
	if b, ok := a.number(AttrBattery); ok {
		l.SetBattery(int(b))
	}
	if r, ok := a.boolean(AttrRemoteEnabled); ok {
		l.RemoteEnabled = r
	}
	return l
}

func thermostatState(a attributes) *device.ThermostatState {
	t := device.NewThermostatState()
	if min, ok := a.number(AttrMinTemperature); ok {
		t.Range.Min = min
	}
	if max, ok := a.number(AttrMaxTemperature); ok {
		t.Range.Max = max
	}
	if v, ok := a.number(AttrTemperature); ok {
		t.CurrentTemperature = device.Float(v)
	}
	if v, ok := a.number(AttrSetpoint); ok {
		t.Setpoint = device.Float(v)
	}
	if v, ok := a.number(AttrHeatingSetpoint); ok {
		t.HeatingSetpoint = device.Float(v)
	}
	if v, ok := a.number(AttrCoolingSetpoint); ok {
		t.CoolingSetpoint = device.Float(v)
	}
	if s, ok := a.str(AttrThermostatMode); ok {
		t.Mode = ParseThermostatMode(s)
	}
	if s, ok := a.str(AttrFanMode); ok {
		t.FanMode = ParseFanMode(s)
	}
	if s, ok := a.str(AttrOperatingState); ok {
		switch strings.ToLower(s) {
		case "heating", "pending heat":
			t.Heating = true
		case "cooling", "pending cool":
			t.Cooling = true
		case "fan only", "fanonly", "fan-only":
			t.FanRunning = true
		}
	}
	if f, ok := a.boolean(AttrFanRunning); ok {
		t.FanRunning = t.FanRunning || f
	}
	return t
}

func lightState(a attributes, caps capSet) *device.LightState {
	l := &device.LightState{
		SupportsColor:   caps.has("colorControl"),
		SupportsDimming: caps.has("switchLevel") || caps.has("colorControl"),
	}
	on, hasSwitch := a.onOff(AttrSwitch)
	if lvl, ok := a.number(AttrLevel); ok {
		l.SetBrightness(device.LevelFromFloat(lvl))
		l.SupportsDimming = true
	}
	if hasSwitch {
		l.On = on
	}

	hue, hasHue := a.number(AttrHue)
	sat, hasSat := a.number(AttrSaturation)
	if hasHue || hasSat {
		bright := 100.0
		if l.Brightness != nil {
			bright = float64(*l.Brightness)
		}
		l.SetColor(device.NewColor(hue, sat, bright))
		l.SupportsColor = true
	}
	return l
}

func switchState(a attributes, vendorType string) *device.SwitchState {
	s := &device.SwitchState{Type: device.SwitchGeneric}
	if on, ok := a.onOff(AttrSwitch); ok {
		s.On = on
	}

	t, _ := a.str(AttrSwitchType)
	if t == "" {
		t = vendorType
	}
	switch strings.ToLower(t) {
	case "light":
		s.Type = device.SwitchLight
	case "outlet", "plug", "smartplug":
		s.Type = device.SwitchOutlet
	case "fan":
		s.Type = device.SwitchFan
	case "appliance":
		s.Type = device.SwitchAppliance
	}
	return s
}

// ParseThermostatMode accepts the spellings used by the supported vendors
func ParseThermostatMode(s string) device.ThermostatMode {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "heat", "emergency heat", "emergencyheat", "auxheatonly":
		return device.ModeHeat
	case "cool":
		return device.ModeCool
	case "auto", "heatcool", "heat-cool":
		return device.ModeAuto
	case "fanonly", "fan-only", "fan only":
		return device.ModeFanOnly
	}
	return device.ModeOff
}

func ParseFanMode(s string) device.FanMode {
	switch strings.ToLower(s) {
	case "on":
		return device.FanOn
	case "circulate":
		return device.FanCirculate
	}
	return device.FanAuto
}

type attributes map[string]interface{}

func (a attributes) str(key string) (string, bool) {
	switch v := a[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// number reads a finite numeric attribute; NaN and infinities count as absent
func (a attributes) number(key string) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch v := a[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(v, 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (a attributes) boolean(key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func (a attributes) onOff(key string) (bool, bool) {
	if s, ok := a.str(key); ok {
		switch strings.ToLower(s) {
		case "on":
			return true, true
		case "off":
			return false, true
		}
	}
	return a.boolean(key)
}

func copyAttrs(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
