package mirage

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// NewID generates an opaque, URL-safe, 16-character chat id.
// 12 random bytes encode to exactly 16 base64url characters.
func NewID() string {
	b := make([]byte, 12)
	// crypto/rand.Read never fails on supported platforms.
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
