package twin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/twinops/twinops/pkg/twinerr"
)

// Header names for request signing between the agent and the operation
// service.
const (
	HeaderSignature = "X-TwinOps-Signature"
	HeaderTimestamp = "X-TwinOps-Timestamp"
)

// SignHMAC computes the request signature:
// base64(HMAC_SHA256(secret, ts + "\n" + method + "\n" + path + "\n" + body)).
func SignHMAC(secret []byte, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n", ts, method, path)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a received signature and rejects timestamps older than
// maxAge, bounding the replay window. Comparison is constant time.
func VerifyHMAC(secret []byte, sig, ts, method, path string, body []byte, maxAge time.Duration) error {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return twinerr.New(twinerr.CodeUnauthorized, "malformed signature timestamp")
	}
	age := time.Since(time.Unix(sec, 0))
	if age > maxAge || age < -maxAge {
		return twinerr.New(twinerr.CodeUnauthorized, "signature timestamp outside accepted window")
	}
	want := SignHMAC(secret, ts, method, path, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return twinerr.New(twinerr.CodeUnauthorized, "signature mismatch")
	}
	return nil
}
