package jsonrpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
)

// Key is the canonical form of an id. String ids keep their quotes so "1"
// and 1 never collide; short numerals are normalized so 1, 1.0 and 1e0
// share a key.
type Key string

// KeyOf returns the key for a raw id. Absent and null ids map to "".
func KeyOf(id json.RawMessage) Key {
	id = bytes.TrimSpace(id)
	if !hasID(id) {
		return ""
	}
	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			b, _ := json.Marshal(s)
			return Key(b)
		}
		return Key(id)
	}
	if !normalizable(id) {
		return Key(id)
	}
	if r, ok := new(big.Rat).SetString(string(id)); ok {
		if r.IsInt() {
			return Key(r.Num().String())
		}
		return Key(r.RatString())
	}
	return Key(id)
}

// Numerals longer than maxNumeral, or with an exponent beyond
// maxExponent, are keyed by their text.
const (
	maxNumeral  = 64
	maxExponent = 64
)

func normalizable(num []byte) bool {
	if len(num) > maxNumeral {
		return false
	}
	i := bytes.IndexAny(num, "eE")
	if i < 0 {
		return true
	}
	exp, err := strconv.Atoi(strings.TrimPrefix(string(num[i+1:]), "+"))
	return err == nil && exp >= -maxExponent && exp <= maxExponent
}

// NullID is the id written on errors that cannot be addressed.
var NullID = json.RawMessage("null")
