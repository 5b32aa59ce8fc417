package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

func TestHandlerExposesDeliveryMetrics(t *testing.T) {
	m := New()
	m.AttemptFinished("email", "sendgrid", true, "", 120*time.Millisecond)
	m.AttemptFinished("email", "sendgrid", false, "rate_limited", time.Second)
	m.NotificationFinished("email", notification.StatusSent)
	m.Submitted(notification.ChannelEmail)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`relay_delivery_attempts_total{channel="email",code="",provider="sendgrid",result="success"} 1`,
		`relay_delivery_attempts_total{channel="email",code="rate_limited",provider="sendgrid",result="failure"} 1`,
		`relay_notifications_finished_total{channel="email",status="sent"} 1`,
		`relay_notifications_submitted_total{channel="email"} 1`,
		`relay_delivery_attempt_duration_seconds_count{channel="email",provider="sendgrid"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %s", want)
		}
	}
}
