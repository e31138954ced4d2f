package tapo

import (
	"context"
	"sync"

	"github.com/johnpr01/tapo-session/internal/errors"
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Hub is a SMART.TAPOHUB device: it enumerates and refreshes its
// children through control_child, and exposes alarm operations gated
// by the alarm component.
type Hub struct {
	*Device

	mu       sync.Mutex
	children []HubChildDevice

	assocTracker *PollTracker
}

// NewHub wraps a connected protocol as a hub.
func NewHub(protocol tapoprotocol.Protocol) *Hub {
	return &Hub{Device: NewDevice(protocol, KindHub)}
}

// Update refreshes the base snapshot, then enumerates children on
// first call if control_child is negotiated.
func (h *Hub) Update(ctx context.Context) error {
	if err := h.Device.Update(ctx); err != nil {
		return err
	}

	components, err := h.Components()
	if err != nil {
		return err
	}
	if !components.Has("control_child") {
		return nil
	}

	h.mu.Lock()
	haveChildren := len(h.children) > 0
	h.mu.Unlock()
	if haveChildren {
		return nil
	}

	baseInfos, err := fetchChildList(ctx, h.Protocol())
	if err != nil {
		return err
	}

	children := make([]HubChildDevice, 0, len(baseInfos))
	for _, info := range baseInfos {
		child := newHubChild(h.Protocol(), info)
		if child == nil {
			// Unknown model: silently dropped.
			continue
		}
		if err := child.Update(ctx); err != nil {
			return err
		}
		children = append(children, child)
	}

	h.mu.Lock()
	h.children = children
	h.mu.Unlock()
	return nil
}

// Children returns the hub's enumerated child devices.
func (h *Hub) Children() []HubChildDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HubChildDevice, len(h.children))
	copy(out, h.children)
	return out
}

// ControlChild routes inner to the named child device.
func (h *Hub) ControlChild(ctx context.Context, deviceID string, inner tapoprotocol.Request) (*tapoprotocol.Response, error) {
	return executeChild(ctx, h.Protocol(), deviceID, inner)
}

// ChildComponentList fetches the component sets of every child in one
// round trip (get_child_device_component_list).
func (h *Hub) ChildComponentList(ctx context.Context) (tapoprotocol.RawMessage, error) {
	resp, err := execute(ctx, h.Protocol(), tapoprotocol.GetChildDeviceComponentList())
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// HasAlarm reports whether the alarm component is negotiated.
func (h *Hub) HasAlarm() (bool, error) {
	components, err := h.Components()
	if err != nil {
		return false, err
	}
	return components.Has("alarm"), nil
}

// TurnAlarmOn plays the hub's alarm, gated by the alarm component.
func (h *Hub) TurnAlarmOn(ctx context.Context, params map[string]interface{}) error {
	ok, err := h.HasAlarm()
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewUnsupportedError("hub does not support alarm")
	}
	_, err = execute(ctx, h.Protocol(), tapoprotocol.Request{Method: "play_alarm", Params: params})
	return err
}

// TurnAlarmOff stops the hub's alarm.
func (h *Hub) TurnAlarmOff(ctx context.Context) error {
	ok, err := h.HasAlarm()
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewUnsupportedError("hub does not support alarm")
	}
	_, err = execute(ctx, h.Protocol(), tapoprotocol.Request{Method: "stop_alarm"})
	return err
}

// SupportedAlarmTones returns the hub's get_support_alarm_type_list result.
func (h *Hub) SupportedAlarmTones(ctx context.Context) (tapoprotocol.RawMessage, error) {
	ok, err := h.HasAlarm()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewUnsupportedError("hub does not support alarm")
	}
	resp, err := execute(ctx, h.Protocol(), tapoprotocol.Request{Method: "get_support_alarm_type_list"})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SubscribeDeviceAssociation starts (on first subscriber) the
// child-association poller and registers callback.
func (h *Hub) SubscribeDeviceAssociation(callback func(DeviceAssociationEvent), opts PollOptions) Unsubscribe {
	h.mu.Lock()
	if h.assocTracker == nil {
		h.assocTracker = NewPollTracker(h.childIDProvider, NewChildAssociationStateTracker(), opts)
	}
	tracker := h.assocTracker
	h.mu.Unlock()

	return tracker.Subscribe(func(event interface{}) {
		if e, ok := event.(DeviceAssociationEvent); ok {
			callback(e)
		}
	})
}

// childIDProvider is the state_provider the association tracker
// polls: the current set of child device ids.
func (h *Hub) childIDProvider(ctx context.Context) (interface{}, error) {
	infos, err := fetchChildList(ctx, h.Protocol())
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		ids[info.DeviceID()] = struct{}{}
	}
	return ids, nil
}
