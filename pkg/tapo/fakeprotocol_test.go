package tapo

import (
	"context"
	"sync"

	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// fakeHandler answers one method call with a result payload and error
// code, the same shape a real device's decoded Response carries.
type fakeHandler func(params interface{}) (tapoprotocol.RawMessage, int)

// fakeProtocol is an in-process tapoprotocol.Protocol stand-in: it
// dispatches Execute by method name (and, for control_child, by
// device id + inner method) without touching the network, so the
// pkg/tapo device/hub/poller logic can be exercised directly.
type fakeProtocol struct {
	mu       sync.Mutex
	handlers map[string]fakeHandler
	children map[string]map[string]fakeHandler
	closed   bool
	calls    int
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		handlers: make(map[string]fakeHandler),
		children: make(map[string]map[string]fakeHandler),
	}
}

func (f *fakeProtocol) on(method string, h fakeHandler) {
	f.handlers[method] = h
}

func (f *fakeProtocol) onChild(deviceID, method string, h fakeHandler) {
	if f.children[deviceID] == nil {
		f.children[deviceID] = make(map[string]fakeHandler)
	}
	f.children[deviceID][method] = h
}

func (f *fakeProtocol) Connect(ctx context.Context) error { return nil }

func (f *fakeProtocol) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProtocol) Execute(ctx context.Context, req tapoprotocol.Request) (*tapoprotocol.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if req.Method == "control_child" {
		deviceID, inner := decodeControlChild(req)
		handlers := f.children[deviceID]
		if handlers == nil {
			return &tapoprotocol.Response{ErrorCode: tapoprotocol.ErrCodeWrongTransport}, nil
		}
		h, ok := handlers[inner.Method]
		if !ok {
			return &tapoprotocol.Response{ErrorCode: tapoprotocol.ErrCodeWrongTransport}, nil
		}
		result, code := h(inner.Params)
		// Hubs nest child replies the same way the request was nested.
		nested, _ := jsonCodec.Marshal(map[string]interface{}{
			"responseData": map[string]interface{}{
				"result": map[string]interface{}{
					"responses": []map[string]interface{}{
						{"method": inner.Method, "error_code": code, "result": result},
					},
				},
			},
		})
		return &tapoprotocol.Response{ErrorCode: 0, Result: nested}, nil
	}

	h, ok := f.handlers[req.Method]
	if !ok {
		return &tapoprotocol.Response{ErrorCode: tapoprotocol.ErrCodeWrongTransport}, nil
	}
	result, code := h(req.Params)
	return &tapoprotocol.Response{ErrorCode: code, Result: result}, nil
}

// decodeControlChild unpacks the nested requestData.params.requests[0]
// shape tapoprotocol.ControlChild builds, without a JSON round trip
// since Execute is called in-process here.
func decodeControlChild(req tapoprotocol.Request) (string, tapoprotocol.Request) {
	params, _ := req.Params.(map[string]interface{})
	deviceID, _ := params["device_id"].(string)
	requestData, _ := params["requestData"].(map[string]interface{})
	requestsParams, _ := requestData["params"].(map[string]interface{})
	requests, _ := requestsParams["requests"].([]tapoprotocol.Request)
	if len(requests) == 0 {
		return deviceID, tapoprotocol.Request{}
	}
	return deviceID, requests[0]
}

func rawJSON(s string) tapoprotocol.RawMessage {
	return tapoprotocol.RawMessage(s)
}
