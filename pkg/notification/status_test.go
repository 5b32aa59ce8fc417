package notification

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSent, false},
		{StatusProcessing, StatusSent, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusRetrying, StatusProcessing, true},
		{StatusRetrying, StatusCancelled, true},
		{StatusSent, StatusProcessing, false},
		{StatusFailed, StatusRetrying, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStatusTerminalAndCancellable(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusFailed, StatusCancelled} {
		if !s.Terminal() || s.Cancellable() {
			t.Errorf("%s should be terminal and not cancellable", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRetrying} {
		if s.Terminal() || !s.Cancellable() {
			t.Errorf("%s should be cancellable", s)
		}
	}
	if StatusProcessing.Cancellable() {
		t.Error("processing must not be cancellable")
	}
}

func TestSources(t *testing.T) {
	got := map[Status]bool{}
	for _, s := range Sources(StatusProcessing) {
		got[s] = true
	}
	if len(got) != 2 || !got[StatusPending] || !got[StatusRetrying] {
		t.Fatalf("Sources(processing) = %v", got)
	}
}

func TestEndpointSubscribes(t *testing.T) {
	e := WebhookEndpoint{EventTypes: []string{"message.created", "user.*"}}
	for ev, want := range map[string]bool{
		"message.created":     true,
		"user.online":         true,
		"user.offline":        true,
		"room.joined":         false,
		"notification.failed": false,
	} {
		if got := e.Subscribes(ev); got != want {
			t.Errorf("Subscribes(%q) = %v, want %v", ev, got, want)
		}
	}
	all := WebhookEndpoint{EventTypes: []string{WildcardEvent}}
	if !all.Subscribes("anything") {
		t.Error("wildcard endpoint should match everything")
	}
}
