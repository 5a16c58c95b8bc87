package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/amirphl/order-router/internal/utils"
)

const DefaultTelegramURL = "https://api.telegram.org"

type TelegramNotifier struct {
	Token      string
	ChatID     string
	Retries    int
	RetryDelay time.Duration

	client *resty.Client
}

// NewTelegramNotifier builds a notifier posting to the Bot API. proxyURL may
// be empty; retries below 1 are treated as a single attempt.
func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	client := resty.New().
		SetBaseURL(DefaultTelegramURL).
		SetTimeout(10 * time.Second)
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:      token,
		ChatID:     chatID,
		Retries:    retries,
		RetryDelay: delay,
		client:     client,
	}
}

// SetBaseURL points the notifier at another Bot API host.
func (t *TelegramNotifier) SetBaseURL(u string) *TelegramNotifier {
	t.client.SetBaseURL(u)
	return t
}

func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.ChatID,
			"text":    message,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.Token))
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status())
	}
	return nil
}

// SendWithRetry attempts Send up to Retries times, waiting RetryDelay between
// attempts. It returns the last error.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, message string) error {
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = t.Send(ctx, message); err == nil {
			return nil
		}
		utils.GetLogger().Warnf("Notifier | telegram attempt %d/%d failed: %v", attempt, t.Retries, err)
		if attempt == t.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.RetryDelay):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.Retries, err)
}
