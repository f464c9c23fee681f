package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"torident/internal/config"
	"torident/internal/retry"
	"torident/internal/types"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram sends best-effort notifications about rotation outcomes.
// It is fire-and-forget from the orchestrator's point of view: errors
// are returned for counting, never for control flow.
type Telegram struct {
	cfg     config.TelegramConfig
	apiBase string
	logger  *zap.Logger
	client  *http.Client
}

// message represents a Telegram API sendMessage payload.
type message struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// apiResponse represents a Telegram API response.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) *Telegram {
	return &Telegram{
		cfg:     cfg,
		apiBase: defaultAPIBase,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    90 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// SetAPIBase overrides the Telegram API base URL. Used by tests.
func (t *Telegram) SetAPIBase(base string) {
	t.apiBase = strings.TrimRight(base, "/")
}

// Send delivers the text to every configured chat. It is a no-op when
// the notifier is disabled or credentials are missing.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.cfg.Configured() {
		return nil
	}

	var errs []error
	for _, chatID := range t.cfg.ChatIDs {
		if err := t.sendMessage(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to chat %s: %w", chatID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telegram notification failed: %v", errs)
	}

	return nil
}

// sendMessage sends a message to a specific chat ID with retries.
func (t *Telegram) sendMessage(ctx context.Context, chatID, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.cfg.BotToken)

	msg := message{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}

	return retry.Do(ctx, 3, time.Second, func() error {
		return t.doSendMessage(ctx, endpoint, msg)
	})
}

// doSendMessage performs the actual message sending
func (t *Telegram) doSendMessage(ctx context.Context, endpoint string, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var telegramResp apiResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to parse response (body: %s): %w", string(body), err)
	}

	if !telegramResp.OK {
		if telegramResp.Description != "" {
			return fmt.Errorf("telegram API error: %s", telegramResp.Description)
		}
		return fmt.Errorf("telegram API returned error without description")
	}

	return nil
}

// NotifyOutcome formats a rotation outcome and delivers it to every
// configured chat.
func (t *Telegram) NotifyOutcome(ctx context.Context, outcome types.RotationOutcome) error {
	return t.Send(ctx, FormatOutcome(outcome))
}

// FormatOutcome builds the human-readable HTML summary of a rotation.
func FormatOutcome(outcome types.RotationOutcome) string {
	var b strings.Builder

	b.WriteString("🔔 <b>Identity Update</b>\n\n")
	b.WriteString(fmt.Sprintf("<b>Real IP:</b> <code>%s</code>\n\n", outcome.RealIP))
	b.WriteString(fmt.Sprintf("<b>Old Tor IP:</b> <code>%s</code>\n", outcome.OldTorIP))
	b.WriteString(fmt.Sprintf("<b>Old Location:</b> %s / %s\n\n", outcome.OldCountry, outcome.OldCity))
	b.WriteString(fmt.Sprintf("<b>New Tor IP:</b> <code>%s</code>\n", outcome.NewTorIP))
	b.WriteString(fmt.Sprintf("<b>New Location:</b> %s / %s\n\n", outcome.NewCountry, outcome.NewCity))

	if outcome.Changed {
		b.WriteString("<b>Changed:</b> Yes ✅\n")
	} else {
		b.WriteString("<b>Changed:</b> No ⚠️\n")
	}

	if outcome.Note != "" {
		b.WriteString(fmt.Sprintf("\n<i>%s</i>\n", outcome.Note))
	}

	return b.String()
}
