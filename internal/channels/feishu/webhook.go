package feishu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ardenfield/nightdesk/internal/channels"
)

// webhookRateLimiter bounds inbound webhook requests per source IP so a
// misbehaving or malicious caller can't flood the handler with decrypt
// attempts. Shared across all webhook-mode Feishu channels in the process.
var webhookRateLimiter = channels.NewWebhookRateLimiter()

type encryptedPayload struct {
	Encrypt string `json:"encrypt"`
}

type urlVerificationPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

// NewWebhookHandler builds the HTTP handler Feishu calls for webhook-mode
// event delivery. It verifies the request (decrypting the body first when
// an encrypt key is configured), answers the one-time URL verification
// handshake, and otherwise decodes the body into a MessageEvent and hands
// it to onEvent.
func NewWebhookHandler(verificationToken, encryptKey string, onEvent func(event *MessageEvent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !webhookRateLimiter.Allow(clientKey(r)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if encryptKey != "" {
			body, err = decryptWebhookBody(body, encryptKey)
			if err != nil {
				slog.Warn("feishu webhook: decrypt failed", "error", err)
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}

		var verify urlVerificationPayload
		if err := json.Unmarshal(body, &verify); err == nil && verify.Type == "url_verification" {
			if verificationToken != "" && verify.Token != "" && verify.Token != verificationToken {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			respondJSON(w, map[string]string{"challenge": verify.Challenge})
			return
		}

		var event MessageEvent
		if err := json.Unmarshal(body, &event); err != nil {
			slog.Debug("feishu webhook: parse event failed", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if verificationToken != "" && event.Header.Token != "" && event.Header.Token != verificationToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.WriteHeader(http.StatusOK)

		if event.Header.EventType == "im.message.receive_v1" {
			onEvent(&event)
		}
	}
}

// decryptWebhookBody unwraps a Feishu event-encryption envelope: the body is
// JSON {"encrypt": base64(iv || ciphertext)}, AES-256-CBC with the key
// sha256(encryptKey) and PKCS#7 padding.
func decryptWebhookBody(body []byte, encryptKey string) ([]byte, error) {
	var wrapped encryptedPayload
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Encrypt == "" {
		return body, nil
	}

	raw, err := base64.StdEncoding.DecodeString(wrapped.Encrypt)
	if err != nil {
		return nil, err
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, aes.KeySizeError(len(raw))
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, aes.KeySizeError(padLen)
	}
	return bytes.TrimRight(data, string(rune(padLen))), nil
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
