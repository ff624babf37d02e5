package alerting

import (
	"context"
	"errors"
	"testing"

	"agentmarket/internal/webhook"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "failing" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("smtp down") }

func TestFanoutCollectsErrors(t *testing.T) {
	var got []webhook.Event
	events := webhook.NotifierFunc(func(_ context.Context, event webhook.Event) { got = append(got, event) })

	fanout := NewFanout(LogNotifier{}, &WebhookNotifier{Events: events}, failingNotifier{}, nil)
	err := fanout.Notify(context.Background(), Event{Code: "EXECUTOR_FAILURE", Message: "worker crashed", TaskID: "t-1"})
	if err == nil {
		t.Fatal("expected failing channel error to surface")
	}
	if len(got) != 1 || got[0].Type != webhook.EventAlertRaised || got[0].TaskID != "t-1" {
		t.Fatalf("unexpected webhook events %+v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var fanout *FanoutDispatcher
	if err := fanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
