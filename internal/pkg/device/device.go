// Package device holds the vendor-neutral device model. A Device is a common
// envelope plus exactly one kind-specific State; the set of State
// implementations is closed to this package.
package device

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindLock       Kind = "lock"
	KindThermostat Kind = "thermostat"
	KindLight      Kind = "light"
	KindSwitch     Kind = "switch"
	KindGeneric    Kind = "generic"
)

// TenancyScope places a device in the portfolio/property/unit hierarchy
type TenancyScope struct {
	PortfolioID string `json:"portfolioId,omitempty"`
	PropertyID  string `json:"propertyId,omitempty"`
	UnitID      string `json:"unitId,omitempty"`
}

func (s TenancyScope) IsZero() bool {
	return s == TenancyScope{}
}

// Envelope carries the attributes shared by all device kinds
type Envelope struct {
	ID           string            `json:"id"`
	Vendor       string            `json:"vendor"`
	Name         string            `json:"name"`
	Location     string            `json:"location,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	Firmware     string            `json:"firmware,omitempty"`
	Online       bool              `json:"online"`
	LastSeen     time.Time         `json:"lastSeen"`
	CreatedAt    time.Time         `json:"createdAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Scope        *TenancyScope     `json:"scope,omitempty"`
}

// State is implemented only by the kind-specific state types in this package
type State interface {
	Kind() Kind
	clone() State
}

type Device struct {
	Envelope
	State State `json:"-"`
}

// Kind returns the device kind, Generic when no state is attached
func (d Device) Kind() Kind {
	if d.State == nil {
		return KindGeneric
	}
	return d.State.Kind()
}

// Clone returns a deep copy that shares no maps, slices or state with d
func (d Device) Clone() Device {
	c := d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	if d.Scope != nil {
		s := *d.Scope
		c.Scope = &s
	}
	if d.State != nil {
		c.State = d.State.clone()
	}
	return c
}

// TenancyScope returns the device scope, zero when unscoped
func (d Device) TenancyScope() TenancyScope {
	if d.Scope == nil {
		return TenancyScope{}
	}
	return *d.Scope
}

// MarkSeen records vendor contact; online and last-seen are the only
// envelope fields changed outside user commands
func (d *Device) MarkSeen(online bool, at time.Time) {
	d.Online = online
	if online {
		d.LastSeen = at
	}
}

func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device has no id")
	}
	if d.State == nil {
		return errors.Errorf("device %s has no state", d.ID)
	}
	return nil
}

func (d Device) AsLock() (*LockState, bool) {
	s, ok := d.State.(*LockState)
	return s, ok
}

func (d Device) AsThermostat() (*ThermostatState, bool) {
	s, ok := d.State.(*ThermostatState)
	return s, ok
}

func (d Device) AsLight() (*LightState, bool) {
	s, ok := d.State.(*LightState)
	return s, ok
}

func (d Device) AsSwitch() (*SwitchState, bool) {
	s, ok := d.State.(*SwitchState)
	return s, ok
}

func (d Device) AsGeneric() (*GenericState, bool) {
	s, ok := d.State.(*GenericState)
	return s, ok
}

// Wire form: envelope fields, a kind discriminator and the state object
type deviceJSON struct {
	Envelope
	Kind  Kind            `json:"kind"`
	State json.RawMessage `json:"state,omitempty"`
}

func (d Device) MarshalJSON() ([]byte, error) {
	state := d.State
	if state == nil {
		state = &GenericState{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s state", state.Kind())
	}
	return json.Marshal(deviceJSON{Envelope: d.Envelope, Kind: state.Kind(), State: raw})
}

func (d *Device) UnmarshalJSON(data []byte) error {
	var dj deviceJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return err
	}

	state, err := NewState(dj.Kind)
	if err != nil {
		return err
	}
	if len(dj.State) > 0 && string(dj.State) != "null" {
		if err := json.Unmarshal(dj.State, state); err != nil {
			return errors.Wrapf(err, "decoding %s state", dj.Kind)
		}
	}

	d.Envelope = dj.Envelope
	d.State = state
	return nil
}

// NewState returns an empty state of the given kind
func NewState(kind Kind) (State, error) {
	switch kind {
	case KindLock:
		return &LockState{Status: LockUnknown}, nil
	case KindThermostat:
		return NewThermostatState(), nil
	case KindLight:
		return &LightState{}, nil
	case KindSwitch:
		return &SwitchState{Type: SwitchGeneric}, nil
	case KindGeneric, "":
		return &GenericState{}, nil
	}
	return nil, errors.Errorf("unknown device kind %q", kind)
}

// QualifiedID builds the system-wide identifier for a vendor's device id
func QualifiedID(vendor, nativeID string) string {
	return vendor + ":" + nativeID
}

// SplitID reverses QualifiedID. ok is false when id carries no vendor prefix.
func SplitID(id string) (vendor, nativeID string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", id, false
	}
	return id[:i], id[i+1:], true
}
