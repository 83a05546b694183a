package device

import (
	"encoding/json"
	"math"
)

// Color is HSB: hue in degrees 0..360, saturation and brightness 0..100
type Color struct {
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Brightness float64 `json:"brightness"`
}

// NewColor clamps each component into range
func NewColor(hue, saturation, brightness float64) Color {
	return Color{
		Hue:        clampFloat(hue, 0, 360),
		Saturation: clampFloat(saturation, 0, 100),
		Brightness: clampFloat(brightness, 0, 100),
	}
}

func (c *Color) UnmarshalJSON(data []byte) error {
	type plain Color
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = NewColor(p.Hue, p.Saturation, p.Brightness)
	return nil
}

// FromRGB converts 8-bit RGB to a Color
func FromRGB(r, g, b uint8) Color {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case max == rf:
		hue = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		hue = 60 * ((bf-rf)/delta + 2)
	default:
		hue = 60 * ((rf-gf)/delta + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if max > 0 {
		sat = delta / max
	}

	return NewColor(hue, sat*100, max*100)
}

// ToRGB converts back to 8-bit RGB
func (c Color) ToRGB() (r, g, b uint8) {
	h := math.Mod(c.Hue, 360) / 60
	s := c.Saturation / 100
	v := c.Brightness / 100

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h, 2)-1))
	m := v - chroma

	var rf, gf, bf float64
	switch {
	case h < 1:
		rf, gf, bf = chroma, x, 0
	case h < 2:
		rf, gf, bf = x, chroma, 0
	case h < 3:
		rf, gf, bf = 0, chroma, x
	case h < 4:
		rf, gf, bf = 0, x, chroma
	case h < 5:
		rf, gf, bf = x, 0, chroma
	default:
		rf, gf, bf = chroma, 0, x
	}

	return to8bit(rf + m), to8bit(gf + m), to8bit(bf + m)
}

func to8bit(v float64) uint8 {
	return uint8(math.Round(clampFloat(v, 0, 1) * 255))
}

type LightState struct {
	On              bool   `json:"on"`
	Brightness      *int   `json:"brightness,omitempty"`
	Color           *Color `json:"color,omitempty"`
	SupportsColor   bool   `json:"supportsColor"`
	SupportsDimming bool   `json:"supportsDimming"`
}

func (*LightState) Kind() Kind { return KindLight }

func (l *LightState) clone() State {
	c := *l
	if l.Brightness != nil {
		b := *l.Brightness
		c.Brightness = &b
	}
	if l.Color != nil {
		col := *l.Color
		c.Color = &col
	}
	return &c
}

// LevelFromFloat converts a brightness percentage to a level, clamping to
// 0..100 before the conversion so huge values cannot overflow. NaN is 0.
func LevelFromFloat(v float64) int {
	return int(clampFloat(v, 0, 100))
}

// SetBrightness clamps to 0..100. Zero switches the light off, anything
// above zero switches it on.
func (l *LightState) SetBrightness(level int) {
	level = clampInt(level, 0, 100)
	l.Brightness = &level
	l.On = level > 0
}

func (l *LightState) UnmarshalJSON(data []byte) error {
	type plain LightState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = LightState(p)
	if l.Brightness != nil {
		b := clampInt(*l.Brightness, 0, 100)
		l.Brightness = &b
	}
	return nil
}

func (l *LightState) SetColor(c Color) {
	c = NewColor(c.Hue, c.Saturation, c.Brightness)
	l.Color = &c
}
