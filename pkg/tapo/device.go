package tapo

import (
	"context"
	"sync"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Kind identifies which typed device the factory dispatched to.
type Kind string

const (
	KindPlug      Kind = "plug"
	KindPlugStrip Kind = "plugStrip"
	KindBulb      Kind = "bulb"
	KindHub       Kind = "hub"
	KindUnknown   Kind = "unknown"
)

// snapshot is the atomically-replaced {device_info, components,
// state} triple. A nil snapshot means Update() has never succeeded.
type snapshot struct {
	deviceInfo DeviceInfo
	components Components
	state      tapoprotocol.RawMessage
}

// Device is the capability & state cache every typed device (Plug,
// Bulb, Hub, ...) embeds. It owns the protocol instance and gates
// every accessor on a successful Update().
type Device struct {
	mu       sync.RWMutex
	protocol tapoprotocol.Protocol
	kind     Kind
	snap     *snapshot
}

// NewDevice wraps an already-connected protocol as a generic,
// uninitialized device. Factory callers downcast or embed this into
// a typed device (Plug, Bulb, Hub).
func NewDevice(protocol tapoprotocol.Protocol, kind Kind) *Device {
	return &Device{protocol: protocol, kind: kind}
}

// Kind reports which typed device this is.
func (d *Device) Kind() Kind { return d.kind }

// Protocol exposes the underlying transport for typed devices that
// need to issue extra calls (control_child, set_lighting_effect, ...).
func (d *Device) Protocol() tapoprotocol.Protocol { return d.protocol }

// execute runs req through the protocol and enforces the response
// contract: error_code == 0 iff result is the payload; any other code
// surfaces as an opaque TapoError, since the protocol layer only
// special-cases session-lifecycle codes.
func execute(ctx context.Context, protocol tapoprotocol.Protocol, req tapoprotocol.Request) (*tapoprotocol.Response, error) {
	resp, err := protocol.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.ErrorCode != tapoprotocol.ErrCodeSuccess {
		return nil, &tapoprotocol.TapoError{Code: resp.ErrorCode, Message: resp.Message}
	}
	return resp, nil
}

// Update fetches device_info, negotiating components on the first
// call only since firmware components are immutable across a session,
// then atomically replaces the cached snapshot.
func (d *Device) Update(ctx context.Context) error {
	d.mu.RLock()
	haveComponents := d.snap != nil && d.snap.components.versions != nil
	var components Components
	if haveComponents {
		components = d.snap.components
	}
	d.mu.RUnlock()

	if !haveComponents {
		resp, err := execute(ctx, d.protocol, tapoprotocol.ComponentNego())
		if err != nil {
			return err
		}
		components, err = ParseComponents(resp.Result)
		if err != nil {
			return errors.NewProtocolError("failed to parse component_nego result", err)
		}
	}

	resp, err := execute(ctx, d.protocol, tapoprotocol.GetDeviceInfo())
	if err != nil {
		return err
	}
	info, err := ParseDeviceInfo(resp.Result)
	if err != nil {
		return errors.NewProtocolError("failed to parse device_info result", err)
	}

	d.mu.Lock()
	d.snap = &snapshot{deviceInfo: info, components: components, state: resp.Result}
	d.mu.Unlock()
	return nil
}

// RefreshCapabilities forces a re-fetch of component_nego on the next
// Update(), for firmware that changed its feature set mid-session.
func (d *Device) RefreshCapabilities() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap != nil {
		d.snap.components = Components{}
	}
}

// errNeedsUpdate is the NeedsUpdate error any side-channel accessor
// (energy, lighting effect, child list) returns before its own first
// successful fetch, mirroring snapshotOrErr's gate for the base cache.
func errNeedsUpdate() error {
	return errors.NewNeedsUpdateError("accessor called before a successful Update()")
}

// snapshotOrErr returns the cached snapshot or a NeedsUpdate error.
func (d *Device) snapshotOrErr() (*snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.snap == nil {
		return nil, errors.NewNeedsUpdateError("device has not been updated; call Update() first")
	}
	return d.snap, nil
}

// DeviceInfo returns the cached device-info snapshot.
func (d *Device) DeviceInfo() (DeviceInfo, error) {
	snap, err := d.snapshotOrErr()
	if err != nil {
		return DeviceInfo{}, err
	}
	return snap.deviceInfo, nil
}

// Components returns the cached negotiated component set.
func (d *Device) Components() (Components, error) {
	snap, err := d.snapshotOrErr()
	if err != nil {
		return Components{}, err
	}
	return snap.components, nil
}

// State returns the raw get_device_info result, the opaque payload
// device-type accessors parse themselves.
func (d *Device) State() (tapoprotocol.RawMessage, error) {
	snap, err := d.snapshotOrErr()
	if err != nil {
		return nil, err
	}
	return snap.state, nil
}

// RequireComponent returns Unsupported if the cached component set
// doesn't have name; it gates every optional feature.
func (d *Device) RequireComponent(name string) error {
	components, err := d.Components()
	if err != nil {
		return err
	}
	if !components.Has(name) {
		return errors.NewUnsupportedError("device does not support component " + name)
	}
	return nil
}

// SetDeviceInfo issues a set_device_info call with the given params.
func (d *Device) SetDeviceInfo(ctx context.Context, params map[string]interface{}) error {
	_, err := execute(ctx, d.protocol, tapoprotocol.SetDeviceInfo(params))
	return err
}

// LatestFirmware returns the device's get_latest_fw result.
func (d *Device) LatestFirmware(ctx context.Context) (tapoprotocol.RawMessage, error) {
	resp, err := execute(ctx, d.protocol, tapoprotocol.GetLatestFirmware())
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// FirmwareDownloadState returns the device's get_fw_download_state result.
func (d *Device) FirmwareDownloadState(ctx context.Context) (tapoprotocol.RawMessage, error) {
	resp, err := execute(ctx, d.protocol, tapoprotocol.GetFirmwareDownloadState())
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// StartFirmwareDownload issues fw_download, beginning an over-the-air update.
func (d *Device) StartFirmwareDownload(ctx context.Context) error {
	_, err := execute(ctx, d.protocol, tapoprotocol.FirmwareDownload())
	return err
}

// Close releases the underlying protocol's connection pool.
func (d *Device) Close() error {
	return d.protocol.Close()
}
