// Package telegram sends operator notices through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/tenderwatch/internal/models"
)

// Client sends job failure, recovery and drift notices to one chat.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a failed job. Call this only on the first failure of a
// consecutive run.
func (c *Client) SendError(job string, jobErr error) error {
	text := fmt.Sprintf("⚠️ *Job %s failed*\n`%s`", escapeMarkdownV2(job), escapeMarkdownV2(jobErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery reports that a job succeeded again after consecutive failures.
func (c *Client) SendRecovery(job string, failureCount int) error {
	text := fmt.Sprintf("✅ *Job %s recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(job), failureCount)
	return c.sendMarkdownV2(text)
}

// SendDrift reports a calibration check that detected drift.
func (c *Client) SendDrift(check *models.CalibrationCheck) error {
	return c.sendMarkdownV2(formatDrift(check))
}

func formatDrift(check *models.CalibrationCheck) string {
	var b strings.Builder
	b.WriteString("📉 *Calibration drift*\n")
	fmt.Fprintf(&b, "Model: `%s`\n", escapeMarkdownV2(check.ModelName))
	fmt.Fprintf(&b, "ECE: %s  MCE: %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.3f", check.ECE)),
		escapeMarkdownV2(fmt.Sprintf("%.3f", check.MCE)))
	fmt.Fprintf(&b, "Coverage: %s of %s target\n",
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", check.CoverageActual*100)),
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", check.CoverageTarget*100)))
	fmt.Fprintf(&b, "Samples: %d\n", check.NSamples)
	for _, r := range check.Reasons {
		fmt.Fprintf(&b, "• %s\n", escapeMarkdownV2(r))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
