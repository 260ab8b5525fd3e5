package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signature headers attached to every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

const signatureScheme = "v1"

// Sign computes the delivery signature over "{timestamp}.{payload}" with
// HMAC-SHA256. The timestamp binds the signature to a moment, so replayed
// bodies age out.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return signatureScheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time and enforces the
// timestamp tolerance. Subscribers use this to authenticate deliveries.
func Verify(secret, signature, timestampHeader string, payload []byte, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header")
	}
	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > tolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}
	expected := Sign(secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
