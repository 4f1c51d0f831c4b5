package wahoo

import (
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

// Status is the result byte of a response
type Status int

const (
	StatusFail Status = iota
	StatusSuccess
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusFail:
		return "fail"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Response is a decoded control point indication.
// Layout: status, echoed opcode, an unknown byte, then an optional u16 value at offset 4.
type Response struct {
	Status  Status
	Request Opcode
	Value   codec.Option[int]
	Raw     []byte
}

func (r Response) String() string {
	if v, ok := r.Value.Get(); ok {
		return fmt.Sprintf("%s %s value=%d", r.Request, r.Status, v)
	}
	return fmt.Sprintf("%s %s", r.Request, r.Status)
}

func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < 2 {
		return Response{}, fmt.Errorf("response of %d bytes: %w", len(buf), ErrMalformedResponse)
	}
	resp := Response{
		Status:  StatusUnknown,
		Request: Opcode(buf[1]),
		Raw:     append([]byte(nil), buf...),
	}
	switch buf[0] {
	case 0:
		resp.Status = StatusFail
	case 1:
		resp.Status = StatusSuccess
	}
	if len(buf) > 5 {
		v, _ := codec.Uint(buf, 4, 2)
		resp.Value = codec.Some(int(v))
	}
	return resp, nil
}

// EncodeResponse exists for symmetry with the command frames; trainers send
// responses, we never do.
func EncodeResponse(Response) ([]byte, error) {
	return nil, ErrResponseEncodeUnsupported
}
