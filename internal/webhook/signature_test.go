package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

func signBody(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signTimestamped(key string, body []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature_BodyRoundTrip(t *testing.T) {
	body := []byte(`{"event":"invitee.created"}`)
	cfg := SignatureConfig{Scheme: SchemeBody, PrimaryKey: "whsec_primary"}

	if err := VerifySignature(body, signBody("whsec_primary", body), cfg, time.Now()); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	err := VerifySignature(body, signBody("whsec_other", body), cfg, time.Now())
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong key: want ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_BodyAcceptsBase64Digest(t *testing.T) {
	body := []byte(`{"n":1}`)
	mac := hmac.New(sha256.New, []byte("whsec_primary"))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	cfg := SignatureConfig{Scheme: SchemeBody, PrimaryKey: "whsec_primary"}
	if err := VerifySignature(body, header, cfg, time.Now()); err != nil {
		t.Fatalf("base64 digest rejected: %v", err)
	}
}

func TestVerifySignature_SecondaryKeyRotation(t *testing.T) {
	body := []byte(`{"event":"invitee.created"}`)
	cfg := SignatureConfig{Scheme: SchemeBody, PrimaryKey: "whsec_new", SecondaryKey: "whsec_old"}

	if err := VerifySignature(body, signBody("whsec_old", body), cfg, time.Now()); err != nil {
		t.Fatalf("secondary key signature rejected during rotation window: %v", err)
	}
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	cfg := SignatureConfig{Scheme: SchemeBody, PrimaryKey: "whsec"}
	if err := VerifySignature([]byte("{}"), "", cfg, time.Now()); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("want ErrMissingSignature, got %v", err)
	}
}

func TestVerifySignature_NoKeyConfigured(t *testing.T) {
	err := VerifySignature([]byte("{}"), "deadbeef", SignatureConfig{Scheme: SchemeBody}, time.Now())
	if !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("want ErrNoSigningKey, got %v", err)
	}
}

func TestVerifySignature_TimestampedRoundTrip(t *testing.T) {
	body := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Unix(1_700_000_000, 0)
	cfg := SignatureConfig{Scheme: SchemeTimestamped, PrimaryKey: "whsec_stripe", Tolerance: 5 * time.Minute}

	header := signTimestamped("whsec_stripe", body, now.Unix())
	if err := VerifySignature(body, header, cfg, now); err != nil {
		t.Fatalf("valid timestamped signature rejected: %v", err)
	}

	// Same header, tampered body.
	err := VerifySignature([]byte(`{"type":"checkout.session.completed","amount":0}`), header, cfg, now)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered body: want ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_TimestampOutsideTolerance(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	cfg := SignatureConfig{Scheme: SchemeTimestamped, PrimaryKey: "whsec", Tolerance: 5 * time.Minute}

	header := signTimestamped("whsec", body, now.Add(-6*time.Minute).Unix())
	if err := VerifySignature(body, header, cfg, now); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("want ErrStaleTimestamp, got %v", err)
	}

	// Zero tolerance disables the age check entirely.
	cfg.Tolerance = 0
	if err := VerifySignature(body, header, cfg, now); err != nil {
		t.Fatalf("tolerance disabled: %v", err)
	}
}

func TestVerifySignature_TimestampedMalformedHeader(t *testing.T) {
	cfg := SignatureConfig{Scheme: SchemeTimestamped, PrimaryKey: "whsec"}
	for _, header := range []string{"v1=deadbeef", "t=123", "t=abc,v1=deadbeef", "nonsense"} {
		if err := VerifySignature([]byte("{}"), header, cfg, time.Now()); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("header %q: want ErrInvalidSignature, got %v", header, err)
		}
	}
}
