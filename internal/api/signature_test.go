package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIsValidSignature(t *testing.T) {
	body := []byte(`{"external_reference":"R1"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	digest := mac.Sum(nil)

	tests := []struct {
		name   string
		secret string
		header string
		want   bool
	}{
		{name: "hex", secret: "secret", header: hex.EncodeToString(digest), want: true},
		{name: "prefixed hex", secret: "secret", header: "sha256=" + hex.EncodeToString(digest), want: true},
		{name: "base64", secret: "secret", header: base64.StdEncoding.EncodeToString(digest), want: true},
		{name: "rotation list", secret: "secret", header: "sha256=deadbeef, " + hex.EncodeToString(digest), want: true},
		{name: "wrong secret", secret: "other", header: hex.EncodeToString(digest), want: false},
		{name: "empty header", secret: "secret", header: "", want: false},
		{name: "empty secret", secret: "", header: hex.EncodeToString(digest), want: false},
		{name: "garbage", secret: "secret", header: "not-a-signature", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidSignature(tt.secret, tt.header, body); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestIsValidSignatureRejectsTamperedBody(t *testing.T) {
	header := hmacHex("secret", []byte(`{"amount":1000}`))
	if isValidSignature("secret", header, []byte(`{"amount":1}`)) {
		t.Fatal("expected signature over a different body to be rejected")
	}
}
