package ws

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// peekType returns the message type of a raw frame without a full
// decode. Routing in the hub only needs the type and destination, so
// frames from slow or misbehaving peers are inspected cheaply before
// any allocation-heavy unmarshal.
func peekType(raw []byte) string {
	return gjson.GetBytes(raw, "type").String()
}

// peekDestination returns the context.destination of a raw frame, or
// "" when the frame is a broadcast.
func peekDestination(raw []byte) string {
	return gjson.GetBytes(raw, "context.destination").String()
}

// stampSource sets context.source on a raw frame when the sending peer
// did not fill it in itself. Frames that already carry a source pass
// through untouched so forwarded messages keep their origin.
func stampSource(raw []byte, source string) []byte {
	if gjson.GetBytes(raw, "context.source").Exists() {
		return raw
	}
	stamped, err := sjson.SetBytes(raw, "context.source", source)
	if err != nil {
		return raw
	}
	return stamped
}
