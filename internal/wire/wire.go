package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Response status returned by the server on success; any other value is an
// error description.
const Success = "success"

// DefaultTimeout is the number of seconds a tracked request stays outstanding
// before the correlator expires it.
const DefaultTimeout = 60

// Request is a single command sent over the control channel, one JSON object
// per line.
type Request struct {
	Rid     string          `json:"rid"`
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params"`
	Timeout int64           `json:"timeout"`
}

// NewRequest creates a request with a fresh ID. A nil params map is encoded
// as JSON null.
func NewRequest(name string, params map[string]interface{}) *Request {
	req := &Request{
		Rid:     uuid.New().String(),
		Name:    name,
		Timeout: DefaultTimeout,
	}
	if params != nil {
		req.Params, _ = json.Marshal(params)
	}
	return req
}

// SetTimeout overrides the request timeout in seconds. A negative value means
// the request never expires.
func (req *Request) SetTimeout(timeout int64) *Request {
	req.Timeout = timeout
	return req
}

// Response answers a request, correlated by Rid.
type Response struct {
	Rid      string          `json:"rid"`
	Response string          `json:"response"`
	Params   json.RawMessage `json:"params"`
}

func NewResponse(rid, response string, params map[string]interface{}) *Response {
	res := &Response{
		Rid:      rid,
		Response: response,
	}
	if params != nil {
		res.Params, _ = json.Marshal(params)
	}
	return res
}

// Marshal renders a Request or Response as a JSON object followed by a
// newline, ready to be written to the connection.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single record. Exactly one of the returned request and
// response is non-nil: records carrying a "name" field are requests,
// everything else is treated as a response.
func Decode(record []byte) (*Request, *Response, error) {
	var probe struct {
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(record, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode message: %w", err)
	}

	if probe.Name != nil {
		req := &Request{}
		if err := json.Unmarshal(record, req); err != nil {
			return nil, nil, fmt.Errorf("decode request: %w", err)
		}
		return req, nil, nil
	}

	res := &Response{}
	if err := json.Unmarshal(record, res); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return nil, res, nil
}
