package normalize

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jake-scott/devicehub/internal/pkg/device"
)

// Rule maps a capability set to a device kind. A rule matches when every
// AllOf capability is present and, if AnyOf is non-empty, at least one AnyOf
// capability is present.
type Rule struct {
	Kind  device.Kind `yaml:"kind"`
	AllOf []string    `yaml:"allOf,omitempty"`
	AnyOf []string    `yaml:"anyOf,omitempty"`
}

// Rules are evaluated in order, first match wins. Devices matching no rule
// are Generic; vendors with nonstandard capability names will land there.
type Rules []Rule

var DefaultRules = Rules{
	{Kind: device.KindLock, AnyOf: []string{"lock"}},
	{Kind: device.KindThermostat, AnyOf: []string{"thermostatMode", "temperatureMeasurement"}},
	{Kind: device.KindLight, AllOf: []string{"switch"}, AnyOf: []string{"colorControl", "switchLevel", "colorTemperature"}},
	{Kind: device.KindSwitch, AllOf: []string{"switch"}},
}

type capSet map[string]struct{}

func newCapSet(caps []string) capSet {
	s := make(capSet, len(caps))
	for _, c := range caps {
		s[strings.ToLower(c)] = struct{}{}
	}
	return s
}

func (s capSet) has(c string) bool {
	_, ok := s[strings.ToLower(c)]
	return ok
}

func (r Rule) matches(caps capSet) bool {
	if len(r.AllOf) == 0 && len(r.AnyOf) == 0 {
		return false
	}
	for _, c := range r.AllOf {
		if !caps.has(c) {
			return false
		}
	}
	if len(r.AnyOf) == 0 {
		return true
	}
	for _, c := range r.AnyOf {
		if caps.has(c) {
			return true
		}
	}
	return false
}

var explicitTypes = map[string]device.Kind{
	"lock":                         device.KindLock,
	"smartlock":                    device.KindLock,
	"door_lock":                    device.KindLock,
	"doorlock":                     device.KindLock,
	"thermostat":                   device.KindThermostat,
	"hvac":                         device.KindThermostat,
	"sdm.devices.types.thermostat": device.KindThermostat,
	"light":                        device.KindLight,
	"bulb":                         device.KindLight,
	"lamp":                         device.KindLight,
	"switch":                       device.KindSwitch,
	"outlet":                       device.KindSwitch,
	"plug":                         device.KindSwitch,
	"smartplug":                    device.KindSwitch,
}

// ExplicitKind interprets a vendor-supplied device type
func ExplicitKind(vendorType string) (device.Kind, bool) {
	k, ok := explicitTypes[strings.ToLower(strings.TrimSpace(vendorType))]
	return k, ok
}

// Infer picks the device kind: a recognised explicit vendor type wins,
// otherwise the first matching capability rule, otherwise Generic
func (rs Rules) Infer(vendorType string, capabilities []string) device.Kind {
	if k, ok := ExplicitKind(vendorType); ok {
		return k
	}

	caps := newCapSet(capabilities)
	for _, r := range rs {
		if r.matches(caps) {
			return r.Kind
		}
	}
	return device.KindGeneric
}

type rulesFile struct {
	Rules Rules `yaml:"rules"`
}

// LoadRules reads a rule table from YAML:
//
//	rules:
//	  - kind: lock
//	    anyOf: [lock, doorLock]
func LoadRules(r io.Reader) (Rules, error) {
	var f rulesFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding capability rules")
	}
	for i, rule := range f.Rules {
		if _, err := device.NewState(rule.Kind); err != nil || rule.Kind == "" {
			return nil, errors.Errorf("capability rule %d: bad kind %q", i, rule.Kind)
		}
		if len(rule.AllOf) == 0 && len(rule.AnyOf) == 0 {
			return nil, errors.Errorf("capability rule %d: no capabilities", i)
		}
	}
	return f.Rules, nil
}

func LoadRulesFile(path string) (Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening capability rules %s", path)
	}
	defer f.Close()
	return LoadRules(f)
}
