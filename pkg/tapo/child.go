package tapo

import (
	"context"
	"strings"
	"sync"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// eventLogPageSize is how many most-recent trigger logs the event-log
// tracker fetches each tick.
const eventLogPageSize = 5

// ChildBaseInfo is the per-child entry get_child_device_list returns,
// before any model-specific state has been fetched.
type ChildBaseInfo struct {
	raw map[string]interface{}
}

func (c ChildBaseInfo) DeviceID() string { return toString(c.raw["device_id"]) }
func (c ChildBaseInfo) Model() string    { return toString(c.raw["model"]) }
func (c ChildBaseInfo) Nickname() string { return toString(c.raw["nickname"]) }

// fetchChildList enumerates every child device, paginating via
// start_index until the device reports it has returned everything.
func fetchChildList(ctx context.Context, protocol tapoprotocol.Protocol) ([]ChildBaseInfo, error) {
	var all []ChildBaseInfo
	startIndex := 0
	for {
		resp, err := execute(ctx, protocol, tapoprotocol.GetChildDeviceList(startIndex))
		if err != nil {
			return nil, err
		}

		var page struct {
			ChildDeviceList []map[string]interface{} `json:"child_device_list"`
			Sum             int                      `json:"sum"`
		}
		if err := unmarshalJSON(resp.Result, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.ChildDeviceList {
			all = append(all, ChildBaseInfo{raw: raw})
		}

		startIndex += len(page.ChildDeviceList)
		if len(page.ChildDeviceList) == 0 || startIndex >= page.Sum {
			break
		}
	}
	return all, nil
}

// executeChild routes inner to one child through control_child and
// unwraps the hub's nested reply envelope
// (responseData.result.responses[0]). Hubs that answer with a bare
// result (older firmware) are passed through untouched.
func executeChild(ctx context.Context, protocol tapoprotocol.Protocol, deviceID string, inner tapoprotocol.Request) (*tapoprotocol.Response, error) {
	resp, err := execute(ctx, protocol, tapoprotocol.ControlChild(deviceID, inner))
	if err != nil {
		return nil, err
	}

	var nested struct {
		ResponseData struct {
			Result struct {
				Responses []struct {
					Method    string                  `json:"method"`
					ErrorCode int                     `json:"error_code"`
					Result    tapoprotocol.RawMessage `json:"result"`
				} `json:"responses"`
			} `json:"result"`
		} `json:"responseData"`
	}
	if err := unmarshalJSON(resp.Result, &nested); err == nil && len(nested.ResponseData.Result.Responses) > 0 {
		first := nested.ResponseData.Result.Responses[0]
		if first.ErrorCode != 0 {
			return nil, &tapoprotocol.TapoError{Code: first.ErrorCode}
		}
		return &tapoprotocol.Response{ErrorCode: first.ErrorCode, Result: first.Result}, nil
	}
	return resp, nil
}

// ChildDevice is the capability/state cache for one hub child,
// addressed through control_child rather than its own connection.
// Model-specific types embed it for typed accessors.
type ChildDevice struct {
	hubProtocol tapoprotocol.Protocol
	deviceID    string
	model       string

	mu         sync.RWMutex
	components Components
	state      tapoprotocol.RawMessage
	haveUpdate bool

	eventTracker *PollTracker
}

// subscribeEventLogs starts (on first subscriber) an event-log poller
// scoped to this child and registers callback.
func (c *ChildDevice) subscribeEventLogs(callback func(TriggerEvent), opts PollOptions) Unsubscribe {
	c.mu.Lock()
	if c.eventTracker == nil {
		provider := NewEventLogProvider(c.hubProtocol, c.deviceID, eventLogPageSize)
		c.eventTracker = NewPollTracker(provider, NewEventLogStateTracker(opts.Debounce), opts)
	}
	tracker := c.eventTracker
	c.mu.Unlock()

	return tracker.Subscribe(func(event interface{}) {
		if e, ok := event.(TriggerEvent); ok {
			callback(e)
		}
	})
}

// Update fetches the child's components (first call only) and
// current state, both routed through control_child.
func (c *ChildDevice) Update(ctx context.Context) error {
	c.mu.RLock()
	haveComponents := c.haveUpdate
	components := c.components
	c.mu.RUnlock()

	if !haveComponents {
		resp, err := executeChild(ctx, c.hubProtocol, c.deviceID, tapoprotocol.ComponentNego())
		if err != nil {
			return err
		}
		components, err = ParseComponents(resp.Result)
		if err != nil {
			return err
		}
	}

	resp, err := executeChild(ctx, c.hubProtocol, c.deviceID, tapoprotocol.GetDeviceInfo())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.components = components
	c.state = resp.Result
	c.haveUpdate = true
	c.mu.Unlock()
	return nil
}

// DeviceID returns the child's device id.
func (c *ChildDevice) DeviceID() string { return c.deviceID }

// Model returns the child's reported model string.
func (c *ChildDevice) Model() string { return c.model }

// Components returns the cached component set.
func (c *ChildDevice) Components() (Components, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveUpdate {
		return Components{}, errNeedsUpdate()
	}
	return c.components, nil
}

// stateMap decodes the cached state into a generic map for typed accessors.
func (c *ChildDevice) stateMap() (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveUpdate {
		return nil, errNeedsUpdate()
	}
	var m map[string]interface{}
	if err := unmarshalJSON(c.state, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// controlChild issues an arbitrary inner request routed to this
// child, for model-specific operations (set_target_temp, event logs).
func (c *ChildDevice) controlChild(ctx context.Context, inner tapoprotocol.Request) (*tapoprotocol.Response, error) {
	return executeChild(ctx, c.hubProtocol, c.deviceID, inner)
}

// T31 is a T31x temperature/humidity sensor.
type T31 struct{ *ChildDevice }

// CurrentTemperature returns the cached current_temperature reading.
func (t *T31) CurrentTemperature() (float64, error) {
	m, err := t.stateMap()
	if err != nil {
		return 0, err
	}
	return toFloat(m["current_temperature"]), nil
}

// CurrentHumidity returns the cached current_humidity reading.
func (t *T31) CurrentHumidity() (int, error) {
	m, err := t.stateMap()
	if err != nil {
		return 0, err
	}
	return toInt(m["current_humidity"]), nil
}

// TemperatureHumidityRecords fetches the sensor's logged records.
func (t *T31) TemperatureHumidityRecords(ctx context.Context) (tapoprotocol.RawMessage, error) {
	resp, err := t.controlChild(ctx, tapoprotocol.GetTempHumidityRecords())
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// T110 is a T110 smart-door sensor.
type T110 struct{ *ChildDevice }

// IsOpen returns the cached door-open state.
func (t *T110) IsOpen() (bool, error) {
	m, err := t.stateMap()
	if err != nil {
		return false, err
	}
	return toBool(m["open"]), nil
}

// EventLogs fetches the sensor's trigger log, newest-first.
func (t *T110) EventLogs(ctx context.Context, pageSize, startID int) (tapoprotocol.RawMessage, error) {
	resp, err := t.controlChild(ctx, tapoprotocol.GetTriggerLogs(pageSize, startID))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SubscribeEventLogs delivers new trigger-log entries as they appear,
// debounced per opts.
func (t *T110) SubscribeEventLogs(callback func(TriggerEvent), opts PollOptions) Unsubscribe {
	return t.subscribeEventLogs(callback, opts)
}

// S200 is an S200 smart button.
type S200 struct{ *ChildDevice }

// EventLogs fetches the button's trigger log, newest-first.
func (s *S200) EventLogs(ctx context.Context, pageSize, startID int) (tapoprotocol.RawMessage, error) {
	resp, err := s.controlChild(ctx, tapoprotocol.GetTriggerLogs(pageSize, startID))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SubscribeEventLogs delivers new button-press events as they appear,
// debounced per opts.
func (s *S200) SubscribeEventLogs(callback func(TriggerEvent), opts PollOptions) Unsubscribe {
	return s.subscribeEventLogs(callback, opts)
}

// T100 is a T100 motion sensor.
type T100 struct{ *ChildDevice }

// IsDetected returns the cached motion-detected state.
func (t *T100) IsDetected() (bool, error) {
	m, err := t.stateMap()
	if err != nil {
		return false, err
	}
	return toBool(m["detected"]), nil
}

// EventLogs fetches the sensor's trigger log, newest-first.
func (t *T100) EventLogs(ctx context.Context, pageSize, startID int) (tapoprotocol.RawMessage, error) {
	resp, err := t.controlChild(ctx, tapoprotocol.GetTriggerLogs(pageSize, startID))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SubscribeEventLogs delivers new motion-trigger events as they
// appear, debounced per opts.
func (t *T100) SubscribeEventLogs(callback func(TriggerEvent), opts PollOptions) Unsubscribe {
	return t.subscribeEventLogs(callback, opts)
}

// KE100 is a KE100 TRV (radiator valve).
type KE100 struct{ *ChildDevice }

// TargetTemperature returns the cached target_temp reading.
func (k *KE100) TargetTemperature() (float64, error) {
	m, err := k.stateMap()
	if err != nil {
		return 0, err
	}
	return toFloat(m["target_temp"]), nil
}

// SetTargetTemperature sets the valve's target temperature.
func (k *KE100) SetTargetTemperature(ctx context.Context, celsius float64) error {
	_, err := k.controlChild(ctx, tapoprotocol.SetDeviceInfo(map[string]interface{}{"target_temp": celsius}))
	return err
}

// T300 is a T300 water-leak sensor.
type T300 struct{ *ChildDevice }

// InAlarm reports the cached leak-alarm state.
func (t *T300) InAlarm() (bool, error) {
	m, err := t.stateMap()
	if err != nil {
		return false, err
	}
	return toBool(m["in_alarm"]), nil
}

// SwitchChild is an S210/S220 wall switch child.
type SwitchChild struct{ *ChildDevice }

// IsOn reports the cached device_on state.
func (s *SwitchChild) IsOn() (bool, error) {
	m, err := s.stateMap()
	if err != nil {
		return false, err
	}
	return toBool(m["device_on"]), nil
}

// TurnOn sets device_on = true through control_child.
func (s *SwitchChild) TurnOn(ctx context.Context) error {
	_, err := s.controlChild(ctx, tapoprotocol.SetDeviceInfo(map[string]interface{}{"device_on": true}))
	return err
}

// TurnOff sets device_on = false through control_child.
func (s *SwitchChild) TurnOff(ctx context.Context) error {
	_, err := s.controlChild(ctx, tapoprotocol.SetDeviceInfo(map[string]interface{}{"device_on": false}))
	return err
}

// HubChildDevice is the common interface every typed hub child
// (T31, T110, S200, T100, KE100, T300, SwitchChild) satisfies by
// embedding *ChildDevice.
type HubChildDevice interface {
	DeviceID() string
	Model() string
	Update(ctx context.Context) error
	Components() (Components, error)
}

// newHubChild dispatches by substring match on the lowercased model,
// returning nil for unknown models (which the hub silently drops).
func newHubChild(protocol tapoprotocol.Protocol, info ChildBaseInfo) HubChildDevice {
	base := &ChildDevice{hubProtocol: protocol, deviceID: info.DeviceID(), model: info.Model()}
	model := strings.ToLower(info.Model())

	switch {
	case strings.Contains(model, "t31"):
		return &T31{base}
	case strings.Contains(model, "t110"):
		return &T110{base}
	case strings.Contains(model, "s200"):
		return &S200{base}
	case strings.Contains(model, "t100"):
		return &T100{base}
	case strings.Contains(model, "ke100"):
		return &KE100{base}
	case strings.Contains(model, "t300"):
		return &T300{base}
	case strings.Contains(model, "s210"), strings.Contains(model, "s220"):
		return &SwitchChild{base}
	default:
		return nil
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
