package device

import "time"

type SwitchType string

const (
	SwitchLight     SwitchType = "light"
	SwitchOutlet    SwitchType = "outlet"
	SwitchFan       SwitchType = "fan"
	SwitchAppliance SwitchType = "appliance"
	SwitchGeneric   SwitchType = "generic"
)

type SwitchState struct {
	On          bool       `json:"on"`
	Type        SwitchType `json:"type"`
	LastToggled time.Time  `json:"lastToggled"`
}

func (*SwitchState) Kind() Kind { return KindSwitch }

func (s *SwitchState) clone() State {
	c := *s
	return &c
}

// Set changes the on/off state, recording the toggle time when it changes
func (s *SwitchState) Set(on bool, at time.Time) {
	if s.On != on {
		s.LastToggled = at
	}
	s.On = on
}

// GenericState holds devices whose kind could not be inferred
type GenericState struct {
	Capabilities []string               `json:"capabilities,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

func (*GenericState) Kind() Kind { return KindGeneric }

func (g *GenericState) clone() State {
	c := &GenericState{}
	if g.Capabilities != nil {
		c.Capabilities = append([]string(nil), g.Capabilities...)
	}
	if g.Attributes != nil {
		c.Attributes = make(map[string]interface{}, len(g.Attributes))
		for k, v := range g.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

func (g *GenericState) SetAttribute(key string, value interface{}) {
	if g.Attributes == nil {
		g.Attributes = make(map[string]interface{})
	}
	g.Attributes[key] = value
}

func (g *GenericState) HasCapability(name string) bool {
	for _, c := range g.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
