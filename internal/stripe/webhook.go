package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook deliveries older than this are rejected to limit replay.
const webhookTolerance = 5 * time.Minute

// Event is a verified webhook event. Object holds the event's data
// payload (payment intent, invoice, subscription or charge).
type Event struct {
	ID     string
	Type   string
	Object map[string]interface{}
}

// ConstructEvent verifies the Stripe-Signature header against the raw
// request body and returns the parsed event. The header carries a unix
// timestamp and one or more HMAC-SHA256 signatures over
// "<timestamp>.<body>".
func ConstructEvent(body []byte, sigHeader, secret string) (*Event, error) {
	if err := verifySignature(body, sigHeader, secret, time.Now()); err != nil {
		return nil, err
	}
	return parseEvent(body)
}

func verifySignature(body []byte, sigHeader, secret string, now time.Time) error {
	if sigHeader == "" {
		return fmt.Errorf("missing signature header")
	}

	var timestamp int64
	var signatures [][]byte
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid signature timestamp")
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return fmt.Errorf("signature verification failed")
}

func parseEvent(body []byte) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse webhook event: %w", err)
	}

	event := &Event{}
	event.ID, _ = raw["id"].(string)
	event.Type, _ = raw["type"].(string)

	if data, ok := raw["data"].(map[string]interface{}); ok {
		if obj, ok := data["object"].(map[string]interface{}); ok {
			event.Object = obj
		}
	}
	if event.Type == "" {
		return nil, fmt.Errorf("webhook event missing type")
	}
	if event.Object == nil {
		event.Object = map[string]interface{}{}
	}

	return event, nil
}

// SignPayload produces a valid Stripe-Signature header for body. Used
// by tests and local tooling to simulate webhook deliveries.
func SignPayload(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// ObjectString extracts a string field from an event object.
func ObjectString(obj map[string]interface{}, key string) string {
	v, _ := obj[key].(string)
	return v
}
