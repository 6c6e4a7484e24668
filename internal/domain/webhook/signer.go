package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// sign computes HMAC-SHA-256 over "timestamp || '.' || body", returning the
// X-Signature header value `t=<ts>,v1=<hex>`.
func sign(secret string, unixMillis int64, body []byte) string {
	message := fmt.Sprintf("%d.%s", unixMillis, body)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return fmt.Sprintf("t=%d,v1=%s", unixMillis, hex.EncodeToString(h.Sum(nil)))
}

// deliveryID derives a stable X-Delivery-Id from the event sequence and the
// registration id, so receivers may de-duplicate redeliveries.
func deliveryID(sequence uint64, registrationID string) string {
	return fmt.Sprintf("%d-%s", sequence, registrationID)
}
