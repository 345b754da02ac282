// Package protocol defines the envelopes exchanged between the overlay
// controller, the content relay and the background singleton, together with
// request correlation and the error taxonomy shared by every hop.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeReady          Type = "READY"
	TypeRequest        Type = "REQUEST"
	TypeResponse       Type = "RESPONSE"
	TypeNativeRequest  Type = "NATIVE_REQUEST"
	TypeNativeResponse Type = "NATIVE_RESPONSE"
	TypeStorage        Type = "STORAGE"
	TypeStorageResp    Type = "STORAGE_RESPONSE"
	TypeBridgeStatus   Type = "BRIDGE_STATUS"
)

// Action names a REQUEST command sent to the controller.
type Action string

const (
	ActionToggleInspecting Action = "toggleInspecting"
	ActionShowGUI          Action = "showGui"
	ActionHideGUI          Action = "hideGui"
	ActionGetState         Action = "getState"
)

// Op is a storage operation.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpGetAll Op = "getAll"
)

// Native commands understood by the singleton itself. Anything else is
// forwarded to the native host.
const (
	CommandBridgeConnect    = "bridge_connect"
	CommandBridgeDisconnect = "bridge_disconnect"
	CommandBridgeStatus     = "bridge_status"
	CommandSendToAI         = "send_to_ai"
)

// Envelope is the tagged union carried over every pipe. Only the fields
// relevant to Type are set.
type Envelope struct {
	Type      Type            `json:"type"`
	Action    Action          `json:"action,omitempty"`
	Command   string          `json:"command,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// STORAGE / STORAGE_RESPONSE
	Op    Op              `json:"op,omitempty"`
	// Key is always encoded so an empty key still satisfies the STORAGE
	// schema and reaches the relay, which answers it with a failure.
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	OK    *bool           `json:"ok,omitempty"`

	Error string `json:"error,omitempty"`

	// NATIVE_RESPONSE
	Response *NativeResult `json:"response,omitempty"`

	// BRIDGE_STATUS
	Bridge *BridgeStatus `json:"bridge,omitempty"`

	// RESPONSE result fields are flattened into the envelope.
	*Result
}

// Result is the outcome of a REQUEST, as reported by the controller.
type Result struct {
	Success      bool      `json:"success"`
	IsInspecting bool      `json:"isInspecting"`
	PanelShown   bool      `json:"panelShown"`
	Locked       bool      `json:"locked"`
	State        *Snapshot `json:"state,omitempty"`
}

// Snapshot is the serializable view of a session returned by getState.
type Snapshot struct {
	IsInspecting    bool   `json:"isInspecting"`
	Locked          bool   `json:"locked"`
	PanelShown      bool   `json:"panelShown"`
	BridgeConnected bool   `json:"bridgeConnected"`
	Selector        string `json:"selector,omitempty"`
	HistoryCount    int    `json:"historyCount"`
	LayerCount      int    `json:"layerCount"`
}

// NativeResult is the outcome of a privileged call.
type NativeResult struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BridgeStatus is pushed to controllers whenever the transport changes state.
type BridgeStatus struct {
	Connected bool  `json:"connected"`
	LastPing  int64 `json:"lastPing,omitempty"`
}

// Bool returns a pointer to b, for the OK field.
func Bool(b bool) *bool { return &b }

// Now returns the current time in milliseconds since the epoch.
func Now() int64 { return time.Now().UnixMilli() }

// Ready builds a READY envelope.
func Ready() Envelope {
	return Envelope{Type: TypeReady, Timestamp: Now()}
}

// Request builds a REQUEST envelope.
func Request(action Action, id string) Envelope {
	return Envelope{Type: TypeRequest, Action: action, RequestID: id}
}

// Respond builds the RESPONSE for req.
func Respond(req Envelope, res Result) Envelope {
	return Envelope{Type: TypeResponse, Action: req.Action, RequestID: req.RequestID, Result: &res}
}

// RespondError builds a failed RESPONSE for req.
func RespondError(req Envelope, msg string) Envelope {
	return Envelope{Type: TypeResponse, Action: req.Action, RequestID: req.RequestID, Result: &Result{}, Error: msg}
}

// NativeRequest builds a NATIVE_REQUEST envelope.
func NativeRequest(command string, payload json.RawMessage, id string) Envelope {
	return Envelope{Type: TypeNativeRequest, Command: command, Payload: payload, RequestID: id}
}

// NativeResponse builds the NATIVE_RESPONSE for req.
func NativeResponse(req Envelope, res NativeResult) Envelope {
	return Envelope{Type: TypeNativeResponse, Command: req.Command, RequestID: req.RequestID, Response: &res}
}

// NativeFailure builds a failed NATIVE_RESPONSE for req.
func NativeFailure(req Envelope, err error) Envelope {
	return NativeResponse(req, NativeResult{Success: false, Error: err.Error()})
}

// Storage builds a STORAGE envelope.
func Storage(op Op, key string, value json.RawMessage, id string) Envelope {
	if op == OpSet && value == nil {
		value = json.RawMessage("null")
	}
	return Envelope{Type: TypeStorage, Op: op, Key: key, Value: value, RequestID: id}
}

// StorageOK builds a successful STORAGE_RESPONSE for req.
func StorageOK(req Envelope, value json.RawMessage) Envelope {
	return Envelope{Type: TypeStorageResp, RequestID: req.RequestID, OK: Bool(true), Value: value}
}

// StorageFailure builds a failed STORAGE_RESPONSE for req.
func StorageFailure(req Envelope, msg string) Envelope {
	return Envelope{Type: TypeStorageResp, RequestID: req.RequestID, OK: Bool(false), Error: msg}
}

// Status builds a BRIDGE_STATUS envelope.
func Status(s BridgeStatus) Envelope {
	return Envelope{Type: TypeBridgeStatus, Bridge: &s, Timestamp: Now()}
}

// Peek extracts the routing fields of a message that failed Decode. It
// reports false when no request identifier can be recovered, in which case
// there is nobody to answer.
func Peek(data []byte) (Envelope, bool) {
	var head struct {
		Type      Type   `json:"type"`
		Action    Action `json:"action"`
		Command   string `json:"command"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.RequestID == "" {
		return Envelope{}, false
	}
	return Envelope{Type: head.Type, Action: head.Action, Command: head.Command, RequestID: head.RequestID}, true
}

// Succeeded reports whether a response envelope signals success.
func (e Envelope) Succeeded() bool {
	switch e.Type {
	case TypeResponse:
		return e.Result != nil && e.Result.Success
	case TypeStorageResp:
		return e.OK != nil && *e.OK
	case TypeNativeResponse:
		return e.Response != nil && e.Response.Success
	}
	return false
}

// Encode serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, E(KindMalformedPayload, "encode "+string(e.Type), err)
	}
	return data, nil
}
