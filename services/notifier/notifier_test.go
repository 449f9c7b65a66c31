package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stock_warehouse/models"
)

func sampleSummary() *models.RunSummary {
	started := time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC)
	return &models.RunSummary{
		RunID:  "run-1",
		Market: models.MarketTW,
		Update: &models.UpdateStats{
			Market:  models.MarketTW,
			Total:   100,
			Fetched: 95,
			Skipped: 2,
			Failed:  3,
			FailList: []string{
				"1101.TW", "2002.TW", "9999.TW",
			},
		},
		Sync: &models.SyncReport{
			Backends: []models.BackendOutcome{
				{Backend: "supabase", State: models.BackendSucceeded, Synced: 95},
				{Backend: "github", State: models.BackendDegraded, Synced: 40, Error: "quota"},
			},
		},
		StartedAt:  started,
		FinishedAt: started.Add(12 * time.Minute),
	}
}

func TestRenderText(t *testing.T) {
	text := renderText(sampleSummary())
	for _, want := range []string{
		"TW market update: PARTIAL",
		"100 total, 95 fetched, 2 fresh, 3 failed",
		"Success rate: 97.0%",
		"Failed: 1101.TW, 2002.TW, 9999.TW",
		"Sync supabase: SUCCEEDED (95 synced)",
		"Sync github: DEGRADED (40 synced)",
		"Duration: 12m0s",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
}

func TestRenderTextTruncatesFailList(t *testing.T) {
	summary := sampleSummary()
	summary.Update.FailList = nil
	for i := 0; i < 35; i++ {
		summary.Update.FailList = append(summary.Update.FailList, fmt.Sprintf("%04d.TW", i))
	}
	text := renderText(summary)
	if !strings.Contains(text, "(+15 more)") {
		t.Errorf("long fail list should be truncated:\n%s", text)
	}
	if strings.Contains(text, "0025.TW") {
		t.Error("entries past the cap should not be listed")
	}
}

func TestRenderTextEscapesMarkup(t *testing.T) {
	summary := sampleSummary()
	summary.Update.FailList = []string{"<B>AD</B>.TW"}
	summary.Error = `fetch failed: unexpected token "<html>"`
	text := renderText(summary)

	if strings.Contains(text, "<B>AD</B>.TW") || strings.Contains(text, "<html>") {
		t.Errorf("user-derived fields must be escaped:\n%s", text)
	}
	if !strings.Contains(text, "&lt;B&gt;AD&lt;/B&gt;.TW") {
		t.Errorf("fail list entry not escaped:\n%s", text)
	}
	if !strings.Contains(text, "&#34;&lt;html&gt;&#34;") {
		t.Errorf("error string not escaped:\n%s", text)
	}
}

func TestNotifySendsBothChannels(t *testing.T) {
	var telegramHits, resendHits int
	telegram := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramHits++
		if !strings.Contains(r.URL.Path, "/bottest-token/sendMessage") {
			t.Errorf("unexpected telegram path %s", r.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["chat_id"] != "12345" {
			t.Errorf("chat_id = %q, want 12345", payload["chat_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer telegram.Close()
	resend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resendHits++
		if got := r.Header.Get("Authorization"); got != "Bearer re-key" {
			t.Errorf("auth header = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer resend.Close()

	n := New("test-token", "12345", "re-key", "ops@example.com")
	n.telegramBaseURL = telegram.URL
	n.resendURL = resend.URL
	n.Notify(context.Background(), sampleSummary())

	if telegramHits != 1 || resendHits != 1 {
		t.Errorf("hits telegram=%d resend=%d, want 1/1", telegramHits, resendHits)
	}
}

func TestNotifySkipsUnconfigured(t *testing.T) {
	n := New("", "", "", "")
	// Must not panic or attempt network calls.
	n.Notify(context.Background(), sampleSummary())
}
