package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DataURIPrefix prefixes every model payload shipped through loadModelDataUrl.
const DataURIPrefix = "data:application/octet-stream;base64,"

// EncodeDataURI wraps b in an octet-stream data URI. Large assets should be
// encoded with the streaming path in the asset package instead.
func EncodeDataURI(b []byte) string {
	return DataURIPrefix + base64.StdEncoding.EncodeToString(b)
}

// DecodeDataURI extracts the payload of a base64 data URI of any media type.
func DecodeDataURI(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, fmt.Errorf("not a data uri")
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, fmt.Errorf("data uri: missing payload separator")
	}
	meta := s[len("data:"):comma]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("data uri: only base64 payloads are supported")
	}
	b, err := base64.StdEncoding.DecodeString(s[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("data uri: %w", err)
	}
	return b, nil
}
