package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

func TestMessages(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	alerts := []models.Alert{
		{ID: "a-1", UserID: "u-1", TenderID: "t-1", RuleType: models.RuleHighRiskScore, Severity: models.SeverityHigh, Title: "High risk"},
		{ID: "a-2", UserID: "u-2", TenderID: "t-1", RuleType: models.RuleMultipleFlags, Severity: models.SeverityMedium},
	}
	msgs, err := messages(alerts, now)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Key) != "u-1|t-1|high_risk_score" {
		t.Errorf("key = %q", msgs[0].Key)
	}
	if !msgs[1].Time.Equal(now) {
		t.Errorf("time = %v, want %v", msgs[1].Time, now)
	}

	var got models.Alert
	if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "a-1" || got.Title != "High risk" || got.Severity != models.SeverityHigh {
		t.Errorf("payload = %+v", got)
	}
}

func TestKafkaPublisher_EmptyBatch(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "alerts")
	defer p.Close()
	if err := p.Publish(context.Background(), nil); err != nil {
		t.Errorf("empty publish should not touch the broker: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	var p Publisher = Discard{}
	if err := p.Publish(context.Background(), []models.Alert{{ID: "a-1"}}); err != nil {
		t.Errorf("Discard.Publish: %v", err)
	}
}
