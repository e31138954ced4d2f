package tapo

import (
	"context"
	"sync"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Plug is a single-socket smart plug, the default SMART.TAPOPLUG
// dispatch target. Energy/power accessors are gated by the
// energy_monitoring component.
type Plug struct {
	*Device

	mu        sync.RWMutex
	energy    tapoprotocol.RawMessage
	power     tapoprotocol.RawMessage
	haveUsage bool
}

// NewPlug wraps a connected protocol as a single-socket plug.
func NewPlug(protocol tapoprotocol.Protocol) *Plug {
	return &Plug{Device: NewDevice(protocol, KindPlug)}
}

// Update refreshes the base device snapshot, then fetches energy
// usage and current power if the device negotiated energy_monitoring.
func (p *Plug) Update(ctx context.Context) error {
	if err := p.Device.Update(ctx); err != nil {
		return err
	}

	components, err := p.Components()
	if err != nil {
		return err
	}
	if !components.Has("energy_monitoring") {
		return nil
	}

	usageResp, err := execute(ctx, p.Protocol(), tapoprotocol.GetEnergyUsage())
	if err != nil {
		return err
	}
	powerResp, err := execute(ctx, p.Protocol(), tapoprotocol.GetCurrentPower())
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.energy = usageResp.Result
	p.power = powerResp.Result
	p.haveUsage = true
	p.mu.Unlock()
	return nil
}

// IsOn reports the device_on state from the cached snapshot.
func (p *Plug) IsOn() (bool, error) {
	state, err := p.State()
	if err != nil {
		return false, err
	}
	var flags struct {
		DeviceOn bool `json:"device_on"`
	}
	if err := unmarshalJSON(state, &flags); err != nil {
		return false, err
	}
	return flags.DeviceOn, nil
}

// TurnOn sets device_on = true.
func (p *Plug) TurnOn(ctx context.Context) error {
	return p.SetDeviceInfo(ctx, map[string]interface{}{"device_on": true})
}

// TurnOff sets device_on = false.
func (p *Plug) TurnOff(ctx context.Context) error {
	return p.SetDeviceInfo(ctx, map[string]interface{}{"device_on": false})
}

// DeviceUsage fetches the plug's runtime/energy counters
// (get_device_usage); unlike the energy accessors it is available on
// every plug, not only energy-monitoring models.
func (p *Plug) DeviceUsage(ctx context.Context) (tapoprotocol.RawMessage, error) {
	resp, err := execute(ctx, p.Protocol(), tapoprotocol.GetDeviceUsage())
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// EnergyUsage returns the last get_energy_usage result. It returns
// Unsupported if the device lacks energy_monitoring, and NeedsUpdate
// if it hasn't updated yet.
func (p *Plug) EnergyUsage() (tapoprotocol.RawMessage, error) {
	if err := p.RequireComponent("energy_monitoring"); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.haveUsage {
		return nil, errNeedsUpdate()
	}
	return p.energy, nil
}

// CurrentPower returns the last get_current_power result.
func (p *Plug) CurrentPower() (tapoprotocol.RawMessage, error) {
	if err := p.RequireComponent("energy_monitoring"); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.haveUsage {
		return nil, errNeedsUpdate()
	}
	return p.power, nil
}

// PlugStrip is a multi-socket power strip (SMART.TAPOPLUG + model
// containing "p300"). Its children are fetched through control_child
// and kept for the device's lifetime.
type PlugStrip struct {
	*Device

	mu      sync.Mutex
	sockets []*StripSocket
}

// NewPlugStrip wraps a connected protocol as a multi-socket strip.
func NewPlugStrip(protocol tapoprotocol.Protocol) *PlugStrip {
	return &PlugStrip{Device: NewDevice(protocol, KindPlugStrip)}
}

// Update refreshes the base snapshot, then enumerates child sockets
// on first call if control_child is negotiated.
func (s *PlugStrip) Update(ctx context.Context) error {
	if err := s.Device.Update(ctx); err != nil {
		return err
	}

	components, err := s.Components()
	if err != nil {
		return err
	}
	if !components.Has("control_child") {
		return nil
	}

	s.mu.Lock()
	haveSockets := len(s.sockets) > 0
	s.mu.Unlock()
	if haveSockets {
		return nil
	}

	children, err := fetchChildList(ctx, s.Protocol())
	if err != nil {
		return err
	}

	sockets := make([]*StripSocket, 0, len(children))
	for _, child := range children {
		socket := NewStripSocket(s.Protocol(), child.DeviceID())
		if err := socket.Update(ctx); err != nil {
			return err
		}
		sockets = append(sockets, socket)
	}

	s.mu.Lock()
	s.sockets = sockets
	s.mu.Unlock()
	return nil
}

// Sockets returns the strip's child sockets.
func (s *PlugStrip) Sockets() []*StripSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StripSocket, len(s.sockets))
	copy(out, s.sockets)
	return out
}

// StripSocket is one socket of a PlugStrip, addressed through
// control_child rather than a direct connection.
type StripSocket struct {
	protocol tapoprotocol.Protocol
	deviceID string

	mu         sync.RWMutex
	components Components
	state      tapoprotocol.RawMessage
	haveUpdate bool
}

// NewStripSocket addresses one child socket by device id.
func NewStripSocket(protocol tapoprotocol.Protocol, deviceID string) *StripSocket {
	return &StripSocket{protocol: protocol, deviceID: deviceID}
}

// DeviceID returns the socket's child device id.
func (s *StripSocket) DeviceID() string { return s.deviceID }

// Update fetches the socket's state and, on first call, its
// components, both routed through control_child.
func (s *StripSocket) Update(ctx context.Context) error {
	s.mu.RLock()
	haveComponents := s.haveUpdate
	components := s.components
	s.mu.RUnlock()

	if !haveComponents {
		resp, err := executeChild(ctx, s.protocol, s.deviceID, tapoprotocol.ComponentNego())
		if err != nil {
			return err
		}
		components, err = ParseComponents(resp.Result)
		if err != nil {
			return err
		}
	}

	resp, err := executeChild(ctx, s.protocol, s.deviceID, tapoprotocol.GetDeviceInfo())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.components = components
	s.state = resp.Result
	s.haveUpdate = true
	s.mu.Unlock()
	return nil
}

// IsOn reports the socket's device_on state.
func (s *StripSocket) IsOn() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.haveUpdate {
		return false, errNeedsUpdate()
	}
	var flags struct {
		DeviceOn bool `json:"device_on"`
	}
	if err := unmarshalJSON(s.state, &flags); err != nil {
		return false, err
	}
	return flags.DeviceOn, nil
}

// TurnOn sets the socket's device_on = true through control_child.
func (s *StripSocket) TurnOn(ctx context.Context) error {
	_, err := executeChild(ctx, s.protocol, s.deviceID, tapoprotocol.SetDeviceInfo(map[string]interface{}{"device_on": true}))
	return err
}

// TurnOff sets the socket's device_on = false through control_child.
func (s *StripSocket) TurnOff(ctx context.Context) error {
	_, err := executeChild(ctx, s.protocol, s.deviceID, tapoprotocol.SetDeviceInfo(map[string]interface{}{"device_on": false}))
	return err
}
