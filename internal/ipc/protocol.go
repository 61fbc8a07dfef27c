package ipc

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Message codes.
const (
	CodeRequest       = 0
	CodeOK            = 200
	CodeBadPath       = 400
	CodeClosing       = 401
	CodeProtocolError = 404
)

// ClosingMessage is sent with CodeClosing.
const ClosingMessage = "Server is closing"

// Request is the single message a client sends.
type Request struct {
	Code int      `json:"code"`
	Argv []string `json:"argv"`
}

// Response is the single message the server sends back.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports success.
func OK() Response {
	return Response{Code: CodeOK}
}

// Fail builds an error response.
func Fail(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// Closing builds the response refused requests get during shutdown.
func Closing() Response {
	return Fail(CodeClosing, ClosingMessage)
}

// Success reports whether r is CodeOK.
func (r Response) Success() bool {
	return r.Code == CodeOK
}

// DecodeRequest validates and decodes a client payload: an object whose
// code is 0 and whose argv is a list of strings.
func DecodeRequest(data []byte) (Request, error) {
	if !gjson.ValidBytes(data) {
		return Request{}, &ProtocolError{Reason: "payload is not valid JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Request{}, &ProtocolError{Reason: "payload is not an object"}
	}

	code := root.Get("code")
	if code.Type != gjson.Number || code.Int() != CodeRequest || code.Num != float64(code.Int()) {
		return Request{}, &ProtocolError{Reason: "code must be 0"}
	}

	argv := root.Get("argv")
	if !argv.IsArray() {
		return Request{}, &ProtocolError{Reason: "argv must be a list of strings"}
	}
	req := Request{Code: CodeRequest, Argv: []string{}}
	for _, item := range argv.Array() {
		if item.Type != gjson.String {
			return Request{}, &ProtocolError{Reason: "argv must be a list of strings"}
		}
		req.Argv = append(req.Argv, item.Str)
	}
	return req, nil
}

// DecodeResponse validates and decodes a server reply.
func DecodeResponse(data []byte) (Response, error) {
	if !gjson.ValidBytes(data) {
		return Response{}, &ProtocolError{Reason: "response is not valid JSON"}
	}
	root := gjson.ParseBytes(data)
	code := root.Get("code")
	if !root.IsObject() || code.Type != gjson.Number {
		return Response{}, &ProtocolError{Reason: "response has no code"}
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, &ProtocolError{Reason: err.Error()}
	}
	return resp, nil
}
