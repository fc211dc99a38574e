package main

import (
	"errors"
	"fmt"
)

var (
	errNoSuchChannel     = errors.New("no such channel")
	errInvalidParameters = errors.New("Invalid parameters.")
	errInvalidMethod     = errors.New("Invalid method.")
	errConnectionGone    = errors.New("connection gone")
)

const (
	codeNoSuchChannel     = -32001
	codeConnectionGone    = -32002
	codeParseError        = -32700
	codeInvalidMethod     = -32601
	codeInvalidParameters = -32602
	codeInternal          = -32603
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// toRPCError classifies err into the error object sent back to the client.
func toRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, errInvalidMethod):
		return &rpcError{Code: codeInvalidMethod, Message: errInvalidMethod.Error()}
	case errors.Is(err, errInvalidParameters):
		return &rpcError{Code: codeInvalidParameters, Message: errInvalidParameters.Error()}
	case errors.Is(err, errNoSuchChannel):
		return &rpcError{Code: codeNoSuchChannel, Message: err.Error()}
	case errors.Is(err, errConnectionGone):
		return &rpcError{Code: codeConnectionGone, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: err.Error()}
	}
}
