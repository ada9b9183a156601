package huobi

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf16"
)

// StringHash is the djb2 variant that walks the string backwards and xors each UTF-16 code unit,
// returning an unsigned 32-bit value. Keys produced by it stay stable across runs.
func StringHash(s string) uint32 {
	hash := uint32(5381)
	units := utf16.Encode([]rune(s))
	for i := len(units) - 1; i >= 0; i-- {
		hash = (hash * 33) ^ uint32(units[i])
	}
	return hash
}

func combinedKey(streams []string) string {
	return strconv.FormatUint(uint64(StringHash(joinStreams(streams))), 10)
}

func joinStreams(streams []string) string {
	return strings.Join(streams, "/")
}

func requestKey(payload []byte) string {
	return strconv.FormatUint(uint64(StringHash(string(payload))), 10)
}

func marshalRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}
