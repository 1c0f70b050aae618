package notification

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/events"
)

type fakeNotifier struct {
	mu      sync.Mutex
	name    string
	enabled bool
	got     []*Notification
	ch      chan *Notification
}

func (f *fakeNotifier) Send(n *Notification) error {
	f.mu.Lock()
	f.got = append(f.got, n)
	f.mu.Unlock()
	if f.ch != nil {
		f.ch <- n
	}
	return nil
}

func (f *fakeNotifier) Name() string  { return f.name }
func (f *fakeNotifier) Enabled() bool { return f.enabled }

func (f *fakeNotifier) received() []*Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Notification, len(f.got))
	copy(out, f.got)
	return out
}

func TestManagerFansOutToEnabledChannels(t *testing.T) {
	live := &fakeNotifier{name: "live", enabled: true}
	dead := &fakeNotifier{name: "dead", enabled: false}
	m := &Manager{notifiers: []Notifier{live, dead}, enabled: true, logger: zerolog.Nop()}

	m.Send(&Notification{Severity: SeverityWarning, Title: "t", Message: "m"})

	if got := live.received(); len(got) != 1 {
		t.Fatalf("enabled channel got %d notifications, want 1", len(got))
	}
	if got := dead.received(); len(got) != 0 {
		t.Fatalf("disabled channel got %d notifications, want 0", len(got))
	}
}

func TestManagerDisabledDeliversNothing(t *testing.T) {
	live := &fakeNotifier{name: "live", enabled: true}
	m := &Manager{notifiers: []Notifier{live}, enabled: false, logger: zerolog.Nop()}

	m.Send(&Notification{Severity: SeverityCritical, Title: "t", Message: "m"})

	if got := live.received(); len(got) != 0 {
		t.Fatalf("got %d notifications from a disabled manager, want 0", len(got))
	}
}

func TestManagerStampsMissingTimestamp(t *testing.T) {
	live := &fakeNotifier{name: "live", enabled: true}
	m := &Manager{notifiers: []Notifier{live}, enabled: true, logger: zerolog.Nop()}

	m.Send(&Notification{Title: "t"})

	got := live.received()
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("timestamp was not stamped")
	}
}

func TestSubscribeToBreakerTrip(t *testing.T) {
	ch := make(chan *Notification, 1)
	live := &fakeNotifier{name: "live", enabled: true, ch: ch}
	m := &Manager{notifiers: []Notifier{live}, enabled: true, logger: zerolog.Nop()}

	bus := events.NewBus(zerolog.Nop())
	m.SubscribeTo(bus)

	bus.Publish(events.Event{
		Type:      events.EventBreakerTripped,
		AccountID: 12345,
		Payload:   map[string]interface{}{"trigger": "consecutive_losses", "reason": "4 losses in a row"},
	})

	select {
	case n := <-ch:
		if n.Severity != SeverityCritical {
			t.Fatalf("severity = %q, want critical", n.Severity)
		}
		if n.AccountID != 12345 {
			t.Fatalf("account = %d, want 12345", n.AccountID)
		}
		if !strings.Contains(n.Message, "4 losses in a row") {
			t.Fatalf("message %q does not carry the trip reason", n.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification arrived for the breaker trip")
	}
}

func TestSubscribeToDrawdownPauseFormatsLoss(t *testing.T) {
	ch := make(chan *Notification, 1)
	live := &fakeNotifier{name: "live", enabled: true, ch: ch}
	m := &Manager{notifiers: []Notifier{live}, enabled: true, logger: zerolog.Nop()}

	bus := events.NewBus(zerolog.Nop())
	m.SubscribeTo(bus)

	bus.Publish(events.Event{
		Type:      events.EventDrawdownPause,
		AccountID: 777,
		Payload:   map[string]interface{}{"loss_pct": 5.25, "loss": 525.0},
	})

	select {
	case n := <-ch:
		if !strings.Contains(n.Message, "5.25%") {
			t.Fatalf("message %q does not carry the loss percentage", n.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification arrived for the drawdown pause")
	}
}

func TestPayloadHelpersTolerateBadShapes(t *testing.T) {
	e := events.Event{Payload: "not a map"}
	if got := payloadString(e, "reason"); got != "" {
		t.Fatalf("payloadString on non-map = %q, want empty", got)
	}
	if got := payloadFloat(e, "loss_pct"); got != 0 {
		t.Fatalf("payloadFloat on non-map = %v, want 0", got)
	}

	e = events.Event{Payload: map[string]interface{}{"reason": 42}}
	if got := payloadString(e, "reason"); got != "" {
		t.Fatalf("payloadString on wrong type = %q, want empty", got)
	}
}

func TestDisabledProvidersStayDisabled(t *testing.T) {
	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: false, BotToken: "tok", ChatID: "chat"})
	if tg.Enabled() {
		t.Fatal("telegram enabled without the flag")
	}
	tg = NewTelegramNotifier(config.TelegramConfig{Enabled: true, ChatID: "chat"})
	if tg.Enabled() {
		t.Fatal("telegram enabled without a bot token")
	}
	dc := NewDiscordNotifier(config.DiscordConfig{Enabled: true})
	if dc.Enabled() {
		t.Fatal("discord enabled without a webhook URL")
	}
}
