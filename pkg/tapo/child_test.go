package tapo

import (
	"context"
	"testing"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

func TestT31ReadsTemperatureAndHumidity(t *testing.T) {
	fp := newFakeProtocol()
	fp.onChild("t31-1", "component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[{"id":"temperature","ver_code":1}]}`), 0
	})
	fp.onChild("t31-1", "get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"current_temperature":22.5,"current_humidity":45}`), 0
	})

	child := newHubChild(fp, ChildBaseInfo{raw: map[string]interface{}{"device_id": "t31-1", "model": "T310"}})
	t31, ok := child.(*T31)
	if !ok {
		t.Fatalf("got %T, want *T31", child)
	}

	ctx := context.Background()
	if err := t31.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	temp, err := t31.CurrentTemperature()
	if err != nil {
		t.Fatalf("CurrentTemperature: %v", err)
	}
	if temp != 22.5 {
		t.Fatalf("got %v, want 22.5", temp)
	}

	humidity, err := t31.CurrentHumidity()
	if err != nil {
		t.Fatalf("CurrentHumidity: %v", err)
	}
	if humidity != 45 {
		t.Fatalf("got %v, want 45", humidity)
	}
}

func TestNewHubChildUnknownModelReturnsNil(t *testing.T) {
	fp := newFakeProtocol()
	child := newHubChild(fp, ChildBaseInfo{raw: map[string]interface{}{"device_id": "x1", "model": "UNKNOWN9000"}})
	if child != nil {
		t.Fatalf("expected nil for an unrecognized model, got %T", child)
	}
}

func TestSwitchChildTurnOnOff(t *testing.T) {
	fp := newFakeProtocol()
	var lastOn interface{}
	fp.onChild("s210-1", "component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[]}`), 0
	})
	fp.onChild("s210-1", "get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"device_on":false}`), 0
	})
	fp.onChild("s210-1", "set_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		m, _ := params.(map[string]interface{})
		lastOn = m["device_on"]
		return nil, 0
	})

	child := newHubChild(fp, ChildBaseInfo{raw: map[string]interface{}{"device_id": "s210-1", "model": "S210"}})
	sw, ok := child.(*SwitchChild)
	if !ok {
		t.Fatalf("got %T, want *SwitchChild", child)
	}

	ctx := context.Background()
	if err := sw.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := sw.TurnOn(ctx); err != nil {
		t.Fatalf("TurnOn: %v", err)
	}
	if lastOn != true {
		t.Fatalf("got device_on=%v, want true", lastOn)
	}
}
