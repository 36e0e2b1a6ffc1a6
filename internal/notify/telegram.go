package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/resilience"
)

// stateLabels are the human-readable descriptions sent for known states.
var stateLabels = map[string]string{
	"PLAYING": "🎰 Free Game 遊戲中",
	"SELECT":  "🎯 Free Game 選擇畫面",
	"NORMAL":  "🎮 一般遊戲畫面",
	"OTHER":   "❔ 未知狀態",
	"UNKNOWN": "⚠️ 偵測中斷",
}

// TelegramConfig holds the Bot API credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// Label identifies this detector instance in messages.
	Label   string
	BaseURL string
}

// TelegramSink posts state changes through the Bot API sendMessage method.
type TelegramSink struct {
	cfg     TelegramConfig
	client  *http.Client
	breaker *resilience.Breaker

	trips   atomic.Int64
	changed atomic.Int64 // unix nano of the last circuit transition
}

// CircuitStatus describes the breaker in front of a sink.
type CircuitStatus struct {
	State string    `json:"state"`
	Trips int64     `json:"trips"`
	Since time.Time `json:"since,omitzero"`
}

// NewTelegramSink creates a sink. A nil client uses http.DefaultClient.
func NewTelegramSink(cfg TelegramConfig, client *http.Client) *TelegramSink {
	if cfg.BaseURL == "" {
		cfg.BaseURL = TelegramAPIBase
	}
	if client == nil {
		client = http.DefaultClient
	}
	s := &TelegramSink{cfg: cfg, client: client}
	s.breaker = resilience.New(resilience.NotifyConfig()).WithHook(s.onCircuit)
	return s
}

func (s *TelegramSink) onCircuit(_, to resilience.State) {
	if to == resilience.Open {
		s.trips.Add(1)
	}
	s.changed.Store(time.Now().UnixNano())
}

// Circuit reports the breaker state guarding the Bot API.
func (s *TelegramSink) Circuit() CircuitStatus {
	c := CircuitStatus{State: s.breaker.State().String(), Trips: s.trips.Load()}
	if ns := s.changed.Load(); ns != 0 {
		c.Since = time.Unix(0, ns)
	}
	return c
}

// Deliver implements Sink.
func (s *TelegramSink) Deliver(ctx context.Context, msg Message) error {
	return s.breaker.Execute(func() error {
		return s.send(ctx, Format(msg, s.cfg.Label))
	})
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (s *TelegramSink) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: s.cfg.ChatID, Text: text, ParseMode: TelegramParseMode})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode sendMessage")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "build sendMessage request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// the URL carries the bot token; keep it out of logs
		return apperrors.New(apperrors.CodeNotification, "sendMessage request failed").
			WithMetadata("reason", redact(err.Error(), s.cfg.BotToken))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.Newf(apperrors.CodeNotification, "sendMessage returned %d", resp.StatusCode).
			WithMetadata("body", strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Format renders the HTML message text for a state change.
func Format(msg Message, label string) string {
	desc, ok := stateLabels[msg.To]
	if !ok {
		desc = "❓ " + msg.To
	}
	return fmt.Sprintf("<b>%s</b>\n<code>%s</code> | %s",
		html.EscapeString(desc), html.EscapeString(label), msg.At.Local().Format("15:04:05"))
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}
