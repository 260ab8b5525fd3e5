package webhook

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt-1","type":"connection.created"}`)
	now := time.Now()
	ts := now.Unix()

	sig := Sign(secret, ts, payload)
	if !strings.HasPrefix(sig, "v1=") {
		t.Errorf("signature missing scheme prefix: %q", sig)
	}
	if err := Verify(secret, sig, fmt.Sprintf("%d", ts), payload, 5*time.Minute, now); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt-1"}`)
	now := time.Now()
	ts := now.Unix()
	sig := Sign(secret, ts, payload)
	tsHeader := fmt.Sprintf("%d", ts)

	cases := []struct {
		name      string
		secret    string
		signature string
		tsHeader  string
		payload   []byte
		now       time.Time
	}{
		{"wrong secret", "whsec_other", sig, tsHeader, payload, now},
		{"tampered payload", secret, sig, tsHeader, []byte(`{"id":"evt-2"}`), now},
		{"tampered signature", secret, sig[:len(sig)-1] + "0", tsHeader, payload, now},
		{"shifted timestamp", secret, sig, fmt.Sprintf("%d", ts+1), payload, now},
		{"garbage timestamp", secret, sig, "not-a-number", payload, now},
		{"stale timestamp", secret, sig, tsHeader, payload, now.Add(10 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Verify(tc.secret, tc.signature, tc.tsHeader, tc.payload, 5*time.Minute, tc.now); err == nil {
				t.Error("Verify accepted an invalid delivery")
			}
		})
	}
}

func TestSignDiffersPerTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	if Sign("s", 100, payload) == Sign("s", 101, payload) {
		t.Error("signatures for different timestamps collide")
	}
}
