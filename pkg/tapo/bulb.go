package tapo

import (
	"context"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Bulb is a SMART.TAPOBULB device, covering plain bulbs and light
// strips alike; the two differ only by the light_strip component, not
// by device type.
type Bulb struct {
	*Device
}

// NewBulb wraps a connected protocol as a bulb.
func NewBulb(protocol tapoprotocol.Protocol) *Bulb {
	return &Bulb{Device: NewDevice(protocol, KindBulb)}
}

func (b *Bulb) state() (map[string]interface{}, error) {
	raw, err := b.State()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := unmarshalJSON(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// IsOn reports the bulb's device_on state.
func (b *Bulb) IsOn() (bool, error) {
	m, err := b.state()
	if err != nil {
		return false, err
	}
	return toBool(m["device_on"]), nil
}

// IsLightStrip reports whether this bulb is a light-strip variant.
func (b *Bulb) IsLightStrip() (bool, error) {
	components, err := b.Components()
	if err != nil {
		return false, err
	}
	return components.Has("light_strip"), nil
}

// IsColor reports whether the color component is negotiated.
func (b *Bulb) IsColor() (bool, error) {
	components, err := b.Components()
	if err != nil {
		return false, err
	}
	return components.Has("color"), nil
}

// IsColorTemperature reports whether color_temperature is negotiated.
func (b *Bulb) IsColorTemperature() (bool, error) {
	components, err := b.Components()
	if err != nil {
		return false, err
	}
	return components.Has("color_temperature"), nil
}

// HasLightingEffect reports whether light_strip_lighting_effect is negotiated.
func (b *Bulb) HasLightingEffect() (bool, error) {
	components, err := b.Components()
	if err != nil {
		return false, err
	}
	return components.Has("light_strip_lighting_effect"), nil
}

// Brightness returns the cached brightness, 0-100.
func (b *Bulb) Brightness() (int, error) {
	m, err := b.state()
	if err != nil {
		return 0, err
	}
	return toInt(m["brightness"]), nil
}

// HueSaturation returns the cached hue and saturation.
func (b *Bulb) HueSaturation() (hue, saturation int, err error) {
	m, stateErr := b.state()
	if stateErr != nil {
		return 0, 0, stateErr
	}
	return toInt(m["hue"]), toInt(m["saturation"]), nil
}

// ColorTemp returns the cached color temperature in Kelvin.
func (b *Bulb) ColorTemp() (int, error) {
	m, err := b.state()
	if err != nil {
		return 0, err
	}
	return toInt(m["color_temp"]), nil
}

// TurnOn sets device_on = true.
func (b *Bulb) TurnOn(ctx context.Context) error {
	return b.SetDeviceInfo(ctx, map[string]interface{}{"device_on": true})
}

// TurnOff sets device_on = false.
func (b *Bulb) TurnOff(ctx context.Context) error {
	return b.SetDeviceInfo(ctx, map[string]interface{}{"device_on": false})
}

// SetBrightness sets the bulb's brightness, 0-100.
func (b *Bulb) SetBrightness(ctx context.Context, brightness int) error {
	return b.SetDeviceInfo(ctx, map[string]interface{}{"brightness": brightness})
}

// SetHueSaturation sets hue (0-360) and saturation (0-100).
func (b *Bulb) SetHueSaturation(ctx context.Context, hue, saturation int) error {
	return b.SetDeviceInfo(ctx, map[string]interface{}{
		"hue": hue, "saturation": saturation, "color_temp": 0,
	})
}

// SetColorTemperature sets the color temperature in Kelvin, gated by
// the color_temperature component.
func (b *Bulb) SetColorTemperature(ctx context.Context, kelvin int) error {
	ok, err := b.IsColorTemperature()
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewUnsupportedError("bulb does not support color_temperature")
	}
	return b.SetDeviceInfo(ctx, map[string]interface{}{"color_temp": kelvin})
}

// SetLightingEffect sets a light-strip lighting effect, gated by the
// light_strip_lighting_effect component.
func (b *Bulb) SetLightingEffect(ctx context.Context, effect map[string]interface{}) error {
	ok, err := b.HasLightingEffect()
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewUnsupportedError("bulb does not support lighting effects")
	}
	_, err = execute(ctx, b.Protocol(), tapoprotocol.SetLightingEffect(effect))
	return err
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
