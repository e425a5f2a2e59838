package stripe

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func TestConstructEventValidSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","status":"succeeded"}}}`)
	header := SignPayload(body, testSecret, time.Now())

	event, err := ConstructEvent(body, header, testSecret)
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.ID)
	require.Equal(t, "payment_intent.succeeded", event.Type)
	require.Equal(t, "pi_123", ObjectString(event.Object, "id"))
}

func TestConstructEventRejectsBadSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)
	header := SignPayload(body, "whsec_other_secret", time.Now())

	_, err := ConstructEvent(body, header, testSecret)
	require.Error(t, err)
}

func TestConstructEventRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"amount":100}}}`)
	header := SignPayload(body, testSecret, time.Now())

	tampered := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"amount":999}}}`)
	_, err := ConstructEvent(tampered, header, testSecret)
	require.Error(t, err)
}

func TestConstructEventRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{}}}`)
	header := SignPayload(body, testSecret, time.Now().Add(-10*time.Minute))

	_, err := ConstructEvent(body, header, testSecret)
	require.Error(t, err)
}

func TestConstructEventRejectsMissingHeader(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{}}}`)

	_, err := ConstructEvent(body, "", testSecret)
	require.Error(t, err)
}

func TestConstructEventAcceptsSecondSignature(t *testing.T) {
	// During secret rotation Stripe sends multiple v1 entries; any one
	// matching is enough.
	body := []byte(`{"id":"evt_2","type":"customer.subscription.deleted","data":{"object":{"id":"sub_9"}}}`)
	at := time.Now()
	good := SignPayload(body, testSecret, at)
	stale := SignPayload(body, "whsec_rotated_out", at)

	header := good + strings.TrimPrefix(stale, strings.Split(stale, ",")[0])

	event, err := ConstructEvent(body, header, testSecret)
	require.NoError(t, err)
	require.Equal(t, "sub_9", ObjectString(event.Object, "id"))
}

func TestCents(t *testing.T) {
	require.Equal(t, int64(2550), Cents(25.50))
	require.Equal(t, int64(10), Cents(0.1))
	require.Equal(t, int64(100), Cents(0.999999999))
}
