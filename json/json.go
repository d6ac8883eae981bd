package json

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is the codec used for every wire body and persisted value.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal       = JSON.Marshal
	MarshalIndent = JSON.MarshalIndent
	Unmarshal     = JSON.Unmarshal
	NewDecoder    = JSON.NewDecoder
	NewEncoder    = JSON.NewEncoder
	Valid         = JSON.Valid
)

// RawMessage is a raw encoded JSON value.
type RawMessage = jsoniter.RawMessage
