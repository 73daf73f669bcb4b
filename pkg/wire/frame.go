// Package wire defines the multipart frame vocabulary shared by the broker
// and client sides of the peer protocol engine.
package wire

import "strconv"

// Frames is an ordered list of opaque byte frames, the unit every transport
// in this repository reads and writes.
type Frames [][]byte

// Clone returns a shallow copy of f, safe to mutate (append/pop) without
// touching the original backing array.
func (f Frames) Clone() Frames {
	out := make(Frames, len(f))
	copy(out, f)
	return out
}

// Kind identifies the first frame of every message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// StatusOK is the response status frame meaning the request succeeded.
const StatusOK = "200"

// BuildRequest assembles a request frame: "request", id, payload...
func BuildRequest(id string, payload Frames) Frames {
	out := make(Frames, 0, 2+len(payload))
	out = append(out, []byte(KindRequest), []byte(id))
	out = append(out, payload...)
	return out
}

// BuildNotification assembles a notification frame.
func BuildNotification(id string, payload Frames) Frames {
	out := make(Frames, 0, 2+len(payload))
	out = append(out, []byte(KindNotification), []byte(id))
	out = append(out, payload...)
	return out
}

// BuildResponse assembles a successful response frame.
func BuildResponse(id string, reply Frames) Frames {
	out := make(Frames, 0, 3+len(reply))
	out = append(out, []byte(KindResponse), []byte(id), []byte(StatusOK))
	out = append(out, reply...)
	return out
}

// BuildErrorResponse assembles an error response frame.
func BuildErrorResponse(id string, code int, message string) Frames {
	return Frames{
		[]byte(KindResponse),
		[]byte(id),
		[]byte(strconv.Itoa(code)),
		[]byte(message),
	}
}

// BuildPing assembles a ping frame.
func BuildPing(id string) Frames {
	return Frames{[]byte(KindPing), []byte(id)}
}

// BuildPong assembles a pong frame.
func BuildPong(id string) Frames {
	return Frames{[]byte(KindPong), []byte(id)}
}
