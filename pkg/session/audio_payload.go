package session

import "encoding/base64"

// decodeAudioPayload base64-decodes a control message's audio payload.
func decodeAudioPayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
