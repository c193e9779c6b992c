package approval

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fixline/internal/domain"
)

const (
	SignatureHeader = "X-Fixline-Signature"
	TimestampHeader = "X-Fixline-Timestamp"
	signatureScheme = "v1="
)

// Callback is the body an approval channel posts back.
type Callback struct {
	TransactionID    string          `json:"transaction_id"`
	RequestID        string          `json:"request_id,omitempty"`
	ActorID          string          `json:"actor_id"`
	Decision         domain.Decision `json:"decision"`
	AllowDestructive bool            `json:"allow_destructive,omitempty"`
}

func (c Callback) Input() Input {
	return Input{
		RequestID: c.RequestID, TransactionID: c.TransactionID, ActorID: c.ActorID,
		Decision: c.Decision, AllowDestructive: c.AllowDestructive,
	}
}

// Rejection reasons for callbacks dropped before they reach the gateway.
const (
	ReasonMissing   = "missing_signature"
	ReasonStale     = "stale_timestamp"
	ReasonSignature = "bad_signature"
	ReasonMalformed = "malformed_body"
)

func rejected(reason, format string, args ...any) *domain.Error {
	return domain.NewError(domain.CodeUnauthorized, false, format, args...).With("reason", reason)
}

// Verifier authenticates callbacks with an HMAC-SHA256 over "<timestamp>.<body>".
type Verifier struct {
	Secret  []byte
	MaxSkew time.Duration
	Now     func() time.Time
}

func signingString(ts string, body []byte) string {
	return ts + "." + string(body)
}

// Sign returns the timestamp and signature headers for body.
func Sign(secret []byte, at time.Time, body []byte) (string, string, error) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig, err := jwt.SigningMethodHS256.Sign(signingString(ts, body), secret)
	if err != nil {
		return "", "", err
	}
	return ts, signatureScheme + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the headers and decodes the body. Failures carry a "reason" detail.
func (v Verifier) Verify(timestamp, signature string, body []byte) (Callback, error) {
	if len(v.Secret) == 0 || timestamp == "" || !strings.HasPrefix(signature, signatureScheme) {
		return Callback{}, rejected(ReasonMissing, "callback signature missing")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Callback{}, rejected(ReasonStale, "callback timestamp is not unix seconds")
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now().Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return Callback{}, rejected(ReasonStale, "callback timestamp outside allowed skew")
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(signature, signatureScheme))
	if err != nil {
		return Callback{}, rejected(ReasonSignature, "callback signature is not base64url")
	}
	if err := jwt.SigningMethodHS256.Verify(signingString(timestamp, body), sig, v.Secret); err != nil {
		return Callback{}, rejected(ReasonSignature, "callback signature mismatch")
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, rejected(ReasonMalformed, "callback body: %v", err)
	}
	if cb.ActorID == "" || (cb.TransactionID == "" && cb.RequestID == "") {
		return Callback{}, rejected(ReasonMalformed, "callback must name an actor and a transaction")
	}
	return cb, nil
}

// Reason extracts the rejection reason from a Verify error.
func Reason(err error) string {
	if e := domain.AsError(err); e != nil {
		if r, ok := e.Details["reason"].(string); ok {
			return r
		}
	}
	return ReasonMalformed
}
