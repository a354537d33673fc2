package rtmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// msg_type values on the wire
const (
	MsgPing        = "rt_ping"
	MsgPong        = "rt_pong"
	MsgConnect     = "rt_connect"
	MsgConnectOK   = "rt_connect_ok"
	MsgNok         = "rt_nok"
	MsgSubscribe   = "rt_subscribe"
	MsgUnsubscribe = "rt_unsubscribe"
	MsgRequest     = "rt_request"
	MsgData        = "rt_data"
)

// rt_request options, in the order their replies are sent
const (
	OptionPreviousMsg     = "previous_msg"
	OptionLatestMsg       = "latest_msg"
	OptionPreviousRecords = "previous_records"
	OptionLatestRecords   = "latest_records"
)

var optionOrder = []string{OptionPreviousMsg, OptionLatestMsg, OptionPreviousRecords, OptionLatestRecords}

// Request is any message sent by a client. Filters, Options and
// ClientData are decoded later by the handler that needs them.
type Request struct {
	MsgType    string          `json:"msg_type"`
	RequestID  string          `json:"request_id,omitempty"`
	Filters    json.RawMessage `json:"filters,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
}

// Nok is the negative acknowledgement sent for rejected messages
type Nok struct {
	MsgType   string `json:"msg_type"`
	RequestID string `json:"request_id"`
	Comment   string `json:"comment"`
}

// Data carries records or envelopes to a client
type Data struct {
	MsgType     string      `json:"msg_type"`
	RequestID   string      `json:"request_id"`
	Options     []string    `json:"options,omitempty"`
	RequestData interface{} `json:"request_data"`
}

// Reply is a bare acknowledgement such as rt_pong or rt_connect_ok
type Reply struct {
	MsgType string `json:"msg_type"`
}

// ClientData is the metadata a client declares in rt_connect.
// Every string-valued field is also kept in Fields, for purge rules.
type ClientData struct {
	Token      string `json:"rt_token"`
	ClientID   string `json:"rt_client_id"`
	ClientName string `json:"rt_client_name"`
	ClientURL  string `json:"rt_client_url"`

	Fields map[string]string `json:"-"`
}

// ParseClientData decodes the client_data object of an rt_connect
func ParseClientData(raw json.RawMessage) (ClientData, error) {

	var cd ClientData

	if len(raw) == 0 || string(raw) == "null" {
		return cd, errors.New("missing client_data")
	}

	var fields map[string]interface{}

	if err := json.Unmarshal(raw, &fields); err != nil {
		return cd, fmt.Errorf("client_data must be an object: %w", err)
	}

	cd.Fields = make(map[string]string)

	for k, v := range fields {
		if s, ok := v.(string); ok {
			cd.Fields[k] = s
		}
	}

	cd.Token = cd.Fields["rt_token"]
	cd.ClientID = cd.Fields["rt_client_id"]
	cd.ClientName = cd.Fields["rt_client_name"]
	cd.ClientURL = cd.Fields["rt_client_url"]

	// the token is a credential, so it is not kept with the metadata
	delete(cd.Fields, "rt_token")

	return cd, nil
}

// ParseOptions decodes rt_request options. An empty list means latest_msg.
func ParseOptions(raw json.RawMessage) ([]string, error) {

	if len(raw) == 0 || string(raw) == "null" {
		return []string{OptionLatestMsg}, nil
	}

	var opts []string

	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("options must be an array of strings: %w", err)
	}

	if len(opts) == 0 {
		return []string{OptionLatestMsg}, nil
	}

	requested := make(map[string]bool)

	for _, o := range opts {
		known := false
		for _, k := range optionOrder {
			if o == k {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown option %q", o)
		}
		requested[o] = true
	}

	ordered := []string{}

	for _, k := range optionOrder {
		if requested[k] {
			ordered = append(ordered, k)
		}
	}

	return ordered, nil
}

func nok(requestID, comment string) Nok {
	return Nok{MsgType: MsgNok, RequestID: requestID, Comment: comment}
}
