package tapo

import jsoniter "github.com/json-iterator/go"

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

func unmarshalJSON(data []byte, v interface{}) error {
	return jsonCodec.Unmarshal(data, v)
}
