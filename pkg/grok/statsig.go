package grok

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"

	"github.com/google/uuid"
)

const (
	alphanumerics = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	lowercase     = "abcdefghijklmnopqrstuvwxyz"
)

func randomString(charset string, n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			out[i] = charset[0]
			continue
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out)
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 0
}

// GenerateStatsigID synthesizes the x-statsig-id fingerprint Grok expects,
// per SPEC_FULL §4.6: a base64-encoded fake TypeError message, varied
// between two forms with equal probability.
func GenerateStatsigID() string {
	var msg string
	if coinFlip() {
		msg = "e:TypeError: Cannot read properties of null (reading 'children['" + randomString(alphanumerics, 5) + "']')"
	} else {
		msg = "e:TypeError: Cannot read properties of undefined (reading '" + randomString(lowercase, 10) + "')"
	}
	return base64.StdEncoding.EncodeToString([]byte(msg))
}

// NewRequestID returns a fresh UUIDv4 for the x-xai-request-id header.
func NewRequestID() string {
	return uuid.NewString()
}
