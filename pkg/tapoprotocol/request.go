// Package tapoprotocol implements the JSON request envelope and the
// three wire protocols (passthrough, KLAP, H200) built on top of it.
package tapoprotocol

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage defers JSON decoding of a result payload, the same way
// encoding/json.RawMessage does.
type RawMessage = jsoniter.RawMessage

// Request is the method+params envelope every protocol wraps,
// encrypts, and posts. Equality is by (Method, Params); correlation
// fields are attached by the protocol layer, never compared.
type Request struct {
	Method            string      `json:"method"`
	Params            interface{} `json:"params,omitempty"`
	RequestID         int64       `json:"requestID,omitempty"`
	TerminalUUID      string      `json:"terminal_uuid,omitempty"`
	RequestTimeMillis int64       `json:"request_time_milis,omitempty"`
}

// Response is the standard decoded device reply.
type Response struct {
	ErrorCode int        `json:"error_code"`
	Result    RawMessage `json:"result,omitempty"`
	Message   string     `json:"msg,omitempty"`
}

// Equal implements the envelope's (method, params) equality, ignoring
// correlation fields.
func (r Request) Equal(other Request) bool {
	if r.Method != other.Method {
		return false
	}
	a, errA := json.Marshal(r.Params)
	b, errB := json.Marshal(other.Params)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// WithRequestID attaches a correlation request id.
func (r Request) WithRequestID(id int64) Request {
	r.RequestID = id
	return r
}

// WithTerminalUUID attaches a per-protocol-instance terminal UUID.
func (r Request) WithTerminalUUID(id string) Request {
	r.TerminalUUID = id
	return r
}

// WithRequestTimeMillis attaches the wall-clock time of the call.
func (r Request) WithRequestTimeMillis(ms int64) Request {
	r.RequestTimeMillis = ms
	return r
}

// NewTerminalUUID mints a fresh terminal_uuid for a new protocol instance.
func NewTerminalUUID() string {
	return uuid.New().String()
}

// Named constructors for every method the device family speaks.

func Handshake(pemPublicKey string, timeMillis int64) Request {
	return Request{Method: "handshake", Params: map[string]interface{}{
		"key":  pemPublicKey,
		"time": timeMillis,
	}}
}

func LoginDevice(b64Username, b64Password string) Request {
	return Request{Method: "login_device", Params: map[string]interface{}{
		"username": b64Username,
		"password": b64Password,
	}}
}

func LoginDeviceV2(b64Password2 string) Request {
	return Request{Method: "login_device", Params: map[string]interface{}{
		"password2": b64Password2,
	}}
}

func SecurePassthrough(b64Request string) Request {
	return Request{Method: "securePassthrough", Params: map[string]interface{}{
		"request": b64Request,
	}}
}

func GetDeviceInfo() Request {
	return Request{Method: "get_device_info"}
}

func SetDeviceInfo(params map[string]interface{}) Request {
	return Request{Method: "set_device_info", Params: params}
}

func GetDeviceUsage() Request {
	return Request{Method: "get_device_usage"}
}

func GetEnergyUsage() Request {
	return Request{Method: "get_energy_usage"}
}

func GetCurrentPower() Request {
	return Request{Method: "get_current_power"}
}

func SetLightingEffect(effect map[string]interface{}) Request {
	return Request{Method: "set_lighting_effect", Params: effect}
}

func GetChildDeviceList(startIndex int) Request {
	return Request{Method: "get_child_device_list", Params: map[string]interface{}{
		"start_index": startIndex,
	}}
}

func GetChildDeviceComponentList() Request {
	return Request{Method: "get_child_device_component_list"}
}

// MultipleRequest batches N requests; responses preserve order.
func MultipleRequest(requests []Request) Request {
	return Request{Method: "multipleRequest", Params: map[string]interface{}{
		"requests": requests,
	}}
}

// ControlChild wraps one request for hub routing to a specific child device.
func ControlChild(deviceID string, inner Request) Request {
	return Request{Method: "control_child", Params: map[string]interface{}{
		"device_id": deviceID,
		"requestData": map[string]interface{}{
			"method": "multipleRequest",
			"params": map[string]interface{}{
				"requests": []Request{inner},
			},
		},
	}}
}

func GetTriggerLogs(pageSize, startID int) Request {
	return Request{Method: "get_trigger_logs", Params: map[string]interface{}{
		"page_size": pageSize,
		"start_id":  startID,
	}}
}

func GetTempHumidityRecords() Request {
	return Request{Method: "get_temp_humidity_records"}
}

func GetLatestFirmware() Request {
	return Request{Method: "get_latest_fw"}
}

func GetFirmwareDownloadState() Request {
	return Request{Method: "get_fw_download_state"}
}

func FirmwareDownload() Request {
	return Request{Method: "fw_download"}
}

func ComponentNego() Request {
	return Request{Method: "component_nego"}
}
