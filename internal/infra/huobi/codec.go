package huobi

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// InflateFunc turns a compressed binary frame into its UTF-8 JSON text
type InflateFunc func([]byte) (string, error)

// Inflate decompresses gzip, zlib or raw deflate payloads, picking the format from the header bytes.
func Inflate(data []byte) (string, error) {
	var (
		r   io.Reader
		err error
	)
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case isZlibHeader(data):
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		r = flate.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isZlibHeader(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	cmf, flg := data[0], data[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// frame is one decoded inbound frame: either a server ping or a data message
type frame struct {
	ping    json.Number
	isPing  bool
	message Message
}

// decodeFrame inflates binary frames and parses the JSON envelope.
func decodeFrame(inflate InflateFunc, messageType int, data []byte) (frame, error) {
	text := data
	if messageType == websocket.BinaryMessage {
		s, err := inflate(data)
		if err != nil {
			return frame{}, fmt.Errorf("inflate: %w", err)
		}
		text = []byte(s)
	}

	var peek struct {
		Ping *json.Number `json:"ping"`
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&peek); err != nil {
		return frame{}, fmt.Errorf("parse: %w", err)
	}
	if peek.Ping != nil {
		return frame{ping: *peek.Ping, isPing: true}, nil
	}

	var msg Message
	if err := json.Unmarshal(text, &msg); err != nil {
		return frame{}, fmt.Errorf("parse: %w", err)
	}
	msg.Raw = json.RawMessage(text)
	return frame{message: msg}, nil
}

func encodePong(ping json.Number) ([]byte, error) {
	return json.Marshal(pongMessage{Pong: ping})
}

func encodeSub(topic string) ([]byte, error) {
	return json.Marshal(subMessage{ID: nextChannelID(), Sub: topic})
}

// channelSeq numbers control messages process-wide: id0, id1, ...
var channelSeq atomic.Uint64

func nextChannelID() string {
	return "id" + strconv.FormatUint(channelSeq.Add(1)-1, 10)
}
