package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
)

const (
	defaultTimeoutMs = 5_000

	signatureHeader = "X-Signature"
)

// Sender posts callback payloads to client endpoints. Every request is signed
// with HMAC-SHA256 over the exact body so receivers can authenticate it.
type Sender struct {
	client *http.Client
	secret string
	logger *slog.Logger
}

func NewSender(cfg config.CallbackSender, secret string, logger *slog.Logger) *Sender {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Sender{
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		secret: secret,
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url, payload string) error {
	s.logger.InfoContext(ctx, "Sending callback", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, "sha256="+sign(s.secret, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error sending callback", "error", err)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		s.logger.WarnContext(ctx, "Callback endpoint returned error", "status", resp.Status, "body", string(respBody))
		return fmt.Errorf("error response: %s", resp.Status)
	}

	s.logger.InfoContext(ctx, "Callback delivered", "url", url, "status", resp.Status)
	return nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
