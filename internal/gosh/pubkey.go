package gosh

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NormalizePubkey returns the canonical 0x-prefixed lowercase form of a hex key.
// Input that is not hex is returned trimmed and lowercased.
func NormalizePubkey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	prefixed := key
	if !strings.HasPrefix(prefixed, "0x") && !strings.HasPrefix(prefixed, "0X") {
		prefixed = "0x" + prefixed
	} else {
		prefixed = "0x" + prefixed[2:]
	}
	raw, err := hexutil.Decode(prefixed)
	if err != nil {
		return strings.ToLower(key)
	}
	return hexutil.Encode(raw)
}

// SamePubkey compares two keys ignoring prefix and case
func SamePubkey(a, b string) bool {
	na, nb := NormalizePubkey(a), NormalizePubkey(b)
	return na != "" && na == nb
}
