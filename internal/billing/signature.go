package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned when a webhook payload fails signature
// verification. Callers must reject the request without touching any state.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// signatureTolerance bounds how old a signed timestamp may be. Replays of
// captured payloads outside this window are rejected.
const signatureTolerance = 5 * time.Minute

// VerifySignature checks a provider signature header of the form
// "t=<unix>,v1=<hex>" against the raw payload. The v1 value is the
// HMAC-SHA256 of "{t}.{payload}" under the webhook secret.
func VerifySignature(payload []byte, header, secret string) error {
	return verifySignatureAt(payload, header, secret, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, now time.Time) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return ErrInvalidSignature
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	expected := computeSignature(payload, secret, ts)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPayload produces a signature header for a payload. Used by tests and
// local tooling to exercise the webhook endpoint.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(payload, secret, ts))
}

func computeSignature(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", err
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", errors.New("missing signature components")
	}
	return ts, sig, nil
}
