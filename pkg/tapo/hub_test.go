package tapo

import (
	"context"
	"testing"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

func setupHubFakeProtocol() *fakeProtocol {
	fp := newFakeProtocol()
	fp.on("component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[{"id":"control_child","ver_code":1},{"id":"alarm","ver_code":1}]}`), 0
	})
	fp.on("get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"device_id":"hub1","type":"SMART.TAPOHUB","model":"H100"}`), 0
	})
	fp.on("get_child_device_list", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{
			"sum": 3,
			"child_device_list": [
				{"device_id":"child-t31","model":"T310","nickname":"sensor"},
				{"device_id":"child-unknown","model":"X9000","nickname":"mystery"},
				{"device_id":"child-s200","model":"S200B","nickname":"button"}
			]
		}`), 0
	})

	fp.onChild("child-t31", "component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[{"id":"temperature","ver_code":1}]}`), 0
	})
	fp.onChild("child-t31", "get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"current_temperature":21.5,"current_humidity":40}`), 0
	})
	fp.onChild("child-s200", "component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[{"id":"trigger_log","ver_code":1}]}`), 0
	})
	fp.onChild("child-s200", "get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{}`), 0
	})

	return fp
}

func TestHubEnumeratesChildrenDroppingUnknownModels(t *testing.T) {
	fp := setupHubFakeProtocol()
	hub := NewHub(fp)
	ctx := context.Background()

	if err := hub.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	children := hub.Children()
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2 (unknown model dropped)", len(children))
	}

	var sawT31, sawS200 bool
	for _, c := range children {
		switch c.DeviceID() {
		case "child-t31":
			sawT31 = true
			if _, ok := c.(*T31); !ok {
				t.Fatalf("child-t31 dispatched to %T, want *T31", c)
			}
		case "child-s200":
			sawS200 = true
			if _, ok := c.(*S200); !ok {
				t.Fatalf("child-s200 dispatched to %T, want *S200", c)
			}
		case "child-unknown":
			t.Fatalf("unknown-model child should have been dropped")
		}
	}
	if !sawT31 || !sawS200 {
		t.Fatalf("missing expected children: t31=%v s200=%v", sawT31, sawS200)
	}
}

func TestHubUpdateOnlyEnumeratesChildrenOnce(t *testing.T) {
	fp := setupHubFakeProtocol()
	listCalls := 0
	fp.on("get_child_device_list", func(params interface{}) (tapoprotocol.RawMessage, int) {
		listCalls++
		return rawJSON(`{
			"sum": 1,
			"child_device_list": [{"device_id":"child-t31","model":"T310","nickname":"sensor"}]
		}`), 0
	})
	fp.onChild("child-t31", "component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[]}`), 0
	})
	fp.onChild("child-t31", "get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{}`), 0
	})

	hub := NewHub(fp)
	ctx := context.Background()
	if err := hub.Update(ctx); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if err := hub.Update(ctx); err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if listCalls != 1 {
		t.Fatalf("get_child_device_list called %d times, want 1", listCalls)
	}
}

func TestHubAlarmGatedByComponent(t *testing.T) {
	fp := newFakeProtocol()
	fp.on("component_nego", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"component_list":[]}`), 0
	})
	fp.on("get_device_info", func(params interface{}) (tapoprotocol.RawMessage, int) {
		return rawJSON(`{"device_id":"hub1"}`), 0
	})

	hub := NewHub(fp)
	ctx := context.Background()
	if err := hub.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := hub.TurnAlarmOn(ctx, nil); err == nil {
		t.Fatalf("expected Unsupported error when alarm component is absent")
	}
}

func TestHubControlChildRoutesToDevice(t *testing.T) {
	fp := setupHubFakeProtocol()
	hub := NewHub(fp)
	ctx := context.Background()
	if err := hub.Update(ctx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	resp, err := hub.ControlChild(ctx, "child-t31", tapoprotocol.GetDeviceInfo())
	if err != nil {
		t.Fatalf("ControlChild: %v", err)
	}
	if resp.ErrorCode != 0 {
		t.Fatalf("got error_code %d, want 0", resp.ErrorCode)
	}
}
