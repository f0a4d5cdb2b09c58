package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

type FrameType string

const (
	FTRequest       FrameType = "request"
	FTResponseChunk FrameType = "response_chunk"
	FTResponseEnd   FrameType = "response_end"
	FTResponseError FrameType = "response_error"
	FTAvailable     FrameType = "available"
)

// Frame is one unit exchanged between the hub and a worker. The concrete
// types below are the only implementations.
type Frame interface {
	FrameType() FrameType
	isFrame()
}

// Correlated frames carry the id of the request they belong to.
type Correlated interface {
	Frame
	RequestId() string
}

// Request dispatches a conversation to a worker.
type Request struct {
	Id      string
	Payload History
}

// Chunk is one streamed fragment of a response.
type Chunk struct {
	Id      string
	Content string
}

// End marks a stream as complete.
type End struct {
	Id string
}

// Failure reports a worker-side error for a request.
type Failure struct {
	Id      string
	Message string
}

// Available is sent by a worker when it is ready for requests.
type Available struct{}

func (Request) FrameType() FrameType   { return FTRequest }
func (Chunk) FrameType() FrameType     { return FTResponseChunk }
func (End) FrameType() FrameType       { return FTResponseEnd }
func (Failure) FrameType() FrameType   { return FTResponseError }
func (Available) FrameType() FrameType { return FTAvailable }

func (Request) isFrame()   {}
func (Chunk) isFrame()     {}
func (End) isFrame()       {}
func (Failure) isFrame()   {}
func (Available) isFrame() {}

func (f Request) RequestId() string { return f.Id }
func (f Chunk) RequestId() string   { return f.Id }
func (f End) RequestId() string     { return f.Id }
func (f Failure) RequestId() string { return f.Id }

type wireFrame struct {
	Type    FrameType `json:"type"`
	Id      string    `json:"id,omitempty"`
	Payload History   `json:"payload,omitempty"`
	Content *string   `json:"content,omitempty"`
	Message *string   `json:"message,omitempty"`
}

func MarshalFrame(f Frame) ([]byte, error) {
	var w wireFrame
	switch f := f.(type) {
	case Request:
		w = wireFrame{Type: FTRequest, Id: f.Id, Payload: f.Payload}
	case Chunk:
		w = wireFrame{Type: FTResponseChunk, Id: f.Id, Content: &f.Content}
	case End:
		w = wireFrame{Type: FTResponseEnd, Id: f.Id}
	case Failure:
		w = wireFrame{Type: FTResponseError, Id: f.Id, Message: &f.Message}
	case Available:
		w = wireFrame{Type: FTAvailable}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
	return json.Marshal(w)
}

// UnmarshalFrame decodes a frame. Unknown tags yield ErrUnknownFrame, frames
// that do not carry the fields their tag requires yield ErrMalformedFrame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch w.Type {
	case FTAvailable:
		return Available{}, nil
	case FTRequest, FTResponseChunk, FTResponseEnd, FTResponseError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}

	if w.Id == "" {
		return nil, fmt.Errorf("%w: %s frame without id", ErrMalformedFrame, w.Type)
	}

	switch w.Type {
	case FTRequest:
		return Request{Id: w.Id, Payload: w.Payload}, nil
	case FTResponseChunk:
		if w.Content == nil {
			return nil, fmt.Errorf("%w: response_chunk without content", ErrMalformedFrame)
		}
		return Chunk{Id: w.Id, Content: *w.Content}, nil
	case FTResponseEnd:
		return End{Id: w.Id}, nil
	default:
		msg := ""
		if w.Message != nil {
			msg = *w.Message
		}
		return Failure{Id: w.Id, Message: msg}, nil
	}
}
