package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/railwatch/railwatch/internal/store"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramSender delivers through the Telegram Bot API while the client is
// not actively connected.
type TelegramSender struct {
	apiBase    string
	httpClient *http.Client
}

// NewTelegramSender constructs the sender; apiBase defaults to the public
// Bot API host.
func NewTelegramSender(apiBase string, httpClient *http.Client) *TelegramSender {
	base := strings.TrimRight(apiBase, "/")
	if base == "" {
		base = defaultTelegramAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &TelegramSender{apiBase: base, httpClient: httpClient}
}

// Name identifies the sender in logs.
func (s *TelegramSender) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts the payload as a chat message. Missing bot token or chat id is
// a silent no-op.
func (s *TelegramSender) Send(ctx context.Context, user store.UserSettings, payload Payload) error {
	if user.NotifierToken == "" || user.NotifierChatID == "" {
		return nil
	}
	text := payload.ResolvedTitle()
	if body := payload.ResolvedBody(); body != "" {
		text += "\n" + body
	}
	encoded, err := json.Marshal(telegramMessage{ChatID: user.NotifierChatID, Text: text})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, user.NotifierToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram status %d", response.StatusCode)
	}
	return nil
}
