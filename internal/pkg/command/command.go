// Package command defines the vendor-neutral device commands. Commands carry
// no device reference; the dispatcher supplies the target separately.
package command

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

// Command is implemented only by the types in this package
type Command interface {
	Name() string
	command()
}

type Lock struct{}
type Unlock struct{}
type SetTemperature struct{ Value float64 }
type SetMode struct{ Mode device.ThermostatMode }
type SetFanMode struct{ Mode device.FanMode }
type SetHeatingSetpoint struct{ Value float64 }
type SetCoolingSetpoint struct{ Value float64 }
type TurnOn struct{}
type TurnOff struct{}
type SetBrightness struct{ Level int }
type SetColor struct{ Color device.Color }
type SetSwitch struct{ On bool }
type SetAttribute struct {
	Key   string
	Value interface{}
}
type ExecuteCustom struct {
	Command string
	Params  map[string]interface{}
}

func (Lock) Name() string               { return "lock" }
func (Unlock) Name() string             { return "unlock" }
func (SetTemperature) Name() string     { return "setTemperature" }
func (SetMode) Name() string            { return "setMode" }
func (SetFanMode) Name() string         { return "setFanMode" }
func (SetHeatingSetpoint) Name() string { return "setHeatingSetpoint" }
func (SetCoolingSetpoint) Name() string { return "setCoolingSetpoint" }
func (TurnOn) Name() string             { return "turnOn" }
func (TurnOff) Name() string            { return "turnOff" }
func (SetBrightness) Name() string      { return "setBrightness" }
func (SetColor) Name() string           { return "setColor" }
func (SetSwitch) Name() string          { return "setSwitch" }
func (SetAttribute) Name() string       { return "setAttribute" }
func (ExecuteCustom) Name() string      { return "executeCustom" }

func (Lock) command()               {}
func (Unlock) command()             {}
func (SetTemperature) command()     {}
func (SetMode) command()            {}
func (SetFanMode) command()         {}
func (SetHeatingSetpoint) command() {}
func (SetCoolingSetpoint) command() {}
func (TurnOn) command()             {}
func (TurnOff) command()            {}
func (SetBrightness) command()      {}
func (SetColor) command()           {}
func (SetSwitch) command()          {}
func (SetAttribute) command()       {}
func (ExecuteCustom) command()      {}

// IsSensitive reports whether the command needs proof of presence
func IsSensitive(c Command) bool {
	_, ok := c.(Unlock)
	return ok
}

// LockOperation returns the access-record operation for lock commands
func LockOperation(c Command) (device.Operation, bool) {
	switch c.(type) {
	case Lock:
		return device.OperationLock, true
	case Unlock:
		return device.OperationUnlock, true
	}
	return "", false
}

// Supports reports whether a device kind understands the command. Generic
// devices accept attribute and custom commands only.
func Supports(kind device.Kind, c Command) bool {
	switch c.(type) {
	case Lock, Unlock:
		return kind == device.KindLock
	case SetTemperature, SetMode, SetFanMode, SetHeatingSetpoint, SetCoolingSetpoint:
		return kind == device.KindThermostat
	case SetBrightness, SetColor:
		return kind == device.KindLight
	case TurnOn, TurnOff:
		return kind == device.KindLight || kind == device.KindSwitch
	case SetSwitch:
		return kind == device.KindSwitch || kind == device.KindLight
	case SetAttribute, ExecuteCustom:
		return true
	}
	return false
}

type parser func(args map[string]interface{}) (Command, error)

var parsers = map[string]parser{
	"lock":    func(map[string]interface{}) (Command, error) { return Lock{}, nil },
	"unlock":  func(map[string]interface{}) (Command, error) { return Unlock{}, nil },
	"turnOn":  func(map[string]interface{}) (Command, error) { return TurnOn{}, nil },
	"turnOff": func(map[string]interface{}) (Command, error) { return TurnOff{}, nil },
	"setTemperature": func(a map[string]interface{}) (Command, error) {
		v, err := number(a, "value")
		return SetTemperature{Value: v}, err
	},
	"setHeatingSetpoint": func(a map[string]interface{}) (Command, error) {
		v, err := number(a, "value")
		return SetHeatingSetpoint{Value: v}, err
	},
	"setCoolingSetpoint": func(a map[string]interface{}) (Command, error) {
		v, err := number(a, "value")
		return SetCoolingSetpoint{Value: v}, err
	},
	"setMode": func(a map[string]interface{}) (Command, error) {
		m := device.ThermostatMode(str(a, "mode"))
		if !m.Valid() {
			return nil, fmt.Errorf("invalid thermostat mode %q", m)
		}
		return SetMode{Mode: m}, nil
	},
	"setFanMode": func(a map[string]interface{}) (Command, error) {
		m := device.FanMode(str(a, "mode"))
		if !m.Valid() {
			return nil, fmt.Errorf("invalid fan mode %q", m)
		}
		return SetFanMode{Mode: m}, nil
	},
	"setBrightness": func(a map[string]interface{}) (Command, error) {
		v, err := number(a, "level")
		return SetBrightness{Level: device.LevelFromFloat(v)}, err
	},
	"setColor": func(a map[string]interface{}) (Command, error) {
		h, err := number(a, "hue")
		if err != nil {
			return nil, err
		}
		s, err := number(a, "saturation")
		if err != nil {
			return nil, err
		}
		b, err := number(a, "brightness")
		if err != nil {
			return nil, err
		}
		return SetColor{Color: device.NewColor(h, s, b)}, nil
	},
	"setSwitch": func(a map[string]interface{}) (Command, error) {
		on, ok := a["on"].(bool)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a boolean", "on")
		}
		return SetSwitch{On: on}, nil
	},
	"setAttribute": func(a map[string]interface{}) (Command, error) {
		key := str(a, "key")
		if key == "" {
			return nil, fmt.Errorf("argument %q is required", "key")
		}
		return SetAttribute{Key: key, Value: a["value"]}, nil
	},
	"executeCustom": func(a map[string]interface{}) (Command, error) {
		name := str(a, "command")
		if name == "" {
			return nil, fmt.Errorf("argument %q is required", "command")
		}
		params, _ := a["params"].(map[string]interface{})
		return ExecuteCustom{Command: name, Params: params}, nil
	},
}

// Names lists the command names Parse accepts
func Names() []string {
	names := make([]string, 0, len(parsers))
	for n := range parsers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse builds a command from its wire name and JSON-decoded arguments
func Parse(name string, args map[string]interface{}) (Command, error) {
	p, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	c, err := p(args)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func str(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func number(args map[string]interface{}, key string) (float64, error) {
	var f float64
	switch v := args[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case string:
		var err error
		if f, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, fmt.Errorf("argument %q must be a number", key)
		}
	case nil:
		return 0, fmt.Errorf("argument %q is required", key)
	default:
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("argument %q must be a finite number", key)
	}
	return f, nil
}
