package broker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/efreitasn/execgateway/internal/domain"
)

func TestVerify(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"event_id":"e1"}`)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := Sign(secret, body, now)

	tests := []struct {
		name   string
		header string
		body   []byte
		now    time.Time
		ok     bool
	}{
		{"valid", valid, body, now, true},
		{"within tolerance", valid, body, now.Add(4 * time.Minute), true},
		{"stale", valid, body, now.Add(6 * time.Minute), false},
		{"from the future", valid, body, now.Add(-6 * time.Minute), false},
		{"tampered body", valid, []byte(`{"event_id":"e2"}`), now, false},
		{"wrong secret", Sign([]byte("other"), body, now), body, now, false},
		{"missing", "", body, now, false},
		{"no signature", "t=1740830400", body, now, false},
		{"bad hex", "t=1740830400,v1=zz", body, now, false},
		{"garbage", "nonsense", body, now, false},
		{"rotated secret", Sign([]byte("old"), body, now) + "," + strings.Split(valid, ",")[1], body, now, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(secret, tt.header, tt.body, tt.now, 5*time.Minute)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected valid signature, got %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestSignRequest_CoversEveryPart(t *testing.T) {
	base := signRequest("s", 1, "POST", "/orders", []byte("{}"))
	variants := []string{
		signRequest("x", 1, "POST", "/orders", []byte("{}")),
		signRequest("s", 2, "POST", "/orders", []byte("{}")),
		signRequest("s", 1, "GET", "/orders", []byte("{}")),
		signRequest("s", 1, "POST", "/fills", []byte("{}")),
		signRequest("s", 1, "POST", "/orders", []byte("[]")),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d produced the same signature", i)
		}
	}
}
