package controlclient

import (
	"encoding/hex"
	"fmt"
)

func encodeGID(gid [16]byte) string {
	return hex.EncodeToString(gid[:])
}

func decodeGID(s string) ([16]byte, error) {
	var gid [16]byte

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(gid) {
		return gid, fmt.Errorf("controlclient: malformed GID %q", s)
	}

	copy(gid[:], raw)

	return gid, nil
}
