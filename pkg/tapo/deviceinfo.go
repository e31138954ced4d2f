package tapo

import (
	"encoding/base64"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// DeviceInfo is the opaque device-info snapshot: a map carrying at
// minimum device_id/type/model/mac/nickname/hw_ver/fw_ver/overheated/
// rssi/signal_level, with the nickname decoded lazily from its base64
// wire form.
type DeviceInfo struct {
	raw map[string]interface{}
}

// ParseDeviceInfo wraps a get_device_info result payload.
func ParseDeviceInfo(raw tapoprotocol.RawMessage) (DeviceInfo, error) {
	var m map[string]interface{}
	if err := unmarshalJSON(raw, &m); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{raw: m}, nil
}

// Raw exposes the underlying opaque map for callers that need fields
// without a typed accessor.
func (d DeviceInfo) Raw() map[string]interface{} { return d.raw }

func (d DeviceInfo) str(key string) string {
	if v, ok := d.raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (d DeviceInfo) boolean(key string) bool {
	if v, ok := d.raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func (d DeviceInfo) number(key string) int {
	if v, ok := d.raw[key]; ok {
		return toInt(v)
	}
	return 0
}

func (d DeviceInfo) DeviceID() string { return d.str("device_id") }
func (d DeviceInfo) Type() string     { return d.str("type") }
func (d DeviceInfo) Model() string    { return d.str("model") }
func (d DeviceInfo) MAC() string      { return d.str("mac") }
func (d DeviceInfo) HwVer() string    { return d.str("hw_ver") }
func (d DeviceInfo) FwVer() string    { return d.str("fw_ver") }
func (d DeviceInfo) RSSI() int        { return d.number("rssi") }
func (d DeviceInfo) SignalLevel() int { return d.number("signal_level") }

// Overheated reflects the device's own overheated flag. Strip
// children report an overheat_status string instead, which this
// accessor does not read.
func (d DeviceInfo) Overheated() bool { return d.boolean("overheated") }

// Nickname decodes the base64-encoded wire nickname lazily.
func (d DeviceInfo) Nickname() string {
	encoded := d.str("nickname")
	if encoded == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	return string(decoded)
}
