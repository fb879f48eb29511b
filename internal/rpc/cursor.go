package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "tools:"

var errBadCursor = errors.New("invalid cursor")

// encodeCursor returns the opaque token for a listing offset.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// decodeCursor returns the offset carried by a token. An empty token is the
// start of the listing. Offsets beyond total are rejected.
func decodeCursor(token string, total int) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, errBadCursor
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, errBadCursor
	}
	if offset > total {
		return 0, fmt.Errorf("%w: offset %d past end of listing", errBadCursor, offset)
	}
	return offset, nil
}
