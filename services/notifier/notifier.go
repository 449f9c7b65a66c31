// Package notifier delivers the end-of-run report over Telegram and
// email. Delivery is best-effort: a notification failure is logged and
// never fails the run that produced it.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"stock_warehouse/models"
)

const (
	telegramAPIURL = "https://api.telegram.org"
	resendAPIURL   = "https://api.resend.com/emails"

	// Long fail lists are truncated; the full list lives in the run log.
	maxFailListed = 20
)

// Notifier fans a run summary out to the configured channels. Channels
// with empty credentials are skipped.
type Notifier struct {
	telegramToken  string
	telegramChatID string
	resendAPIKey   string
	emailTo        string

	client          *http.Client
	telegramBaseURL string
	resendURL       string
}

func New(telegramToken, telegramChatID, resendAPIKey, emailTo string) *Notifier {
	return &Notifier{
		telegramToken:   telegramToken,
		telegramChatID:  telegramChatID,
		resendAPIKey:    resendAPIKey,
		emailTo:         emailTo,
		client:          &http.Client{Timeout: 30 * time.Second},
		telegramBaseURL: telegramAPIURL,
		resendURL:       resendAPIURL,
	}
}

// Notify sends the summary to every configured channel.
func (n *Notifier) Notify(ctx context.Context, summary *models.RunSummary) {
	if summary == nil {
		return
	}
	if n.telegramToken != "" && n.telegramChatID != "" {
		if err := n.sendTelegram(ctx, summary); err != nil {
			log.Printf("[NOTIFY] telegram delivery failed: %v", err)
		}
	}
	if n.resendAPIKey != "" && n.emailTo != "" {
		if err := n.sendEmail(ctx, summary); err != nil {
			log.Printf("[NOTIFY] email delivery failed: %v", err)
		}
	}
}

func (n *Notifier) sendTelegram(ctx context.Context, summary *models.RunSummary) error {
	payload := map[string]string{
		"chat_id":    n.telegramChatID,
		"text":       renderText(summary),
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBaseURL, n.telegramToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, summary *models.RunSummary) error {
	subject := fmt.Sprintf("Stock warehouse %s run: %s", summary.Market, runVerdict(summary))
	payload := map[string]interface{}{
		"from":    "Stock Warehouse <warehouse@resend.dev>",
		"to":      []string{n.emailTo},
		"subject": subject,
		"html":    renderHTML(summary),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.resendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+n.resendAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("resend send: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func runVerdict(summary *models.RunSummary) string {
	if summary.Error != "" {
		return "FAILED"
	}
	if summary.Update != nil && summary.Update.Failed > 0 {
		return "PARTIAL"
	}
	if summary.Sync != nil {
		for _, b := range summary.Sync.Backends {
			if b.State != models.BackendSucceeded {
				return "PARTIAL"
			}
		}
	}
	return "OK"
}

func renderText(summary *models.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s market update: %s</b>\n", summary.Market, runVerdict(summary))
	if u := summary.Update; u != nil {
		fmt.Fprintf(&b, "Symbols: %d total, %d fetched, %d fresh, %d failed\n",
			u.Total, u.Fetched, u.Skipped, u.Failed)
		if u.Total > 0 {
			ok := u.Total - u.Failed
			fmt.Fprintf(&b, "Success rate: %.1f%%\n", float64(ok)*100/float64(u.Total))
		}
		if u.NewSymbols > 0 || u.Deactivated > 0 {
			fmt.Fprintf(&b, "Listing: +%d new, -%d delisted\n", u.NewSymbols, u.Deactivated)
		}
		appendFailList(&b, u.FailList)
	}
	if s := summary.Sync; s != nil {
		for _, backend := range s.Backends {
			fmt.Fprintf(&b, "Sync %s: %s (%d synced", backend.Backend, backend.State, backend.Synced)
			if backend.Conflicts > 0 {
				fmt.Fprintf(&b, ", %d conflicts", backend.Conflicts)
			}
			b.WriteString(")\n")
		}
	}
	if summary.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", html.EscapeString(summary.Error))
	}
	fmt.Fprintf(&b, "Duration: %s", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
	return b.String()
}

func appendFailList(b *strings.Builder, failList []string) {
	if len(failList) == 0 {
		return
	}
	shown := failList
	if len(shown) > maxFailListed {
		shown = shown[:maxFailListed]
	}
	// Symbol IDs come from exchange listings; the message is parsed as
	// HTML, so nothing user-derived goes in raw.
	escaped := make([]string, len(shown))
	for i, s := range shown {
		escaped[i] = html.EscapeString(s)
	}
	fmt.Fprintf(b, "Failed: %s", strings.Join(escaped, ", "))
	if len(failList) > maxFailListed {
		fmt.Fprintf(b, " (+%d more)", len(failList)-maxFailListed)
	}
	b.WriteString("\n")
}

func renderHTML(summary *models.RunSummary) string {
	text := renderText(summary)
	return "<div style=\"font-family:monospace\">" +
		strings.ReplaceAll(text, "\n", "<br>") + "</div>"
}
