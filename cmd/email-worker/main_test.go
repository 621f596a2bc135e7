package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"billingengine/internal/queue"
	"billingengine/internal/types"
)

type mockSender struct {
	errs map[string]error
	sent []types.CredentialMessage
}

func (m *mockSender) SendCredential(_ context.Context, msg types.CredentialMessage) error {
	if err, ok := m.errs[msg.IdentityID]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockDeliveryMetrics struct {
	ok, failed int
}

func (m *mockDeliveryMetrics) RecordDelivery(_ context.Context, ok bool) {
	if ok {
		m.ok++
	} else {
		m.failed++
	}
}

func newTestHandler(sender CredentialSender) (*Handler, *mockDeliveryMetrics) {
	metrics := &mockDeliveryMetrics{}
	return &Handler{
		sender:  sender,
		metrics: metrics,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}, metrics
}

func credentialRecord(messageID, identityID string) events.SQSMessage {
	return events.SQSMessage{
		MessageId: messageID,
		Body: fmt.Sprintf(`{"identity_id":%q,"email":"buyer@example.com","credential":"c-123","expires_at":"2026-03-22T00:00:00Z","plan_type":"starter","event_id":"evt_1"}`,
			identityID),
		Attributes: map[string]string{"SentTimestamp": fmt.Sprint(time.Now().UnixMilli())},
	}
}

func TestHandle_AllDelivered(t *testing.T) {
	sender := &mockSender{}
	h, metrics := newTestHandler(sender)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		credentialRecord("m1", "usr_1"),
		credentialRecord("m2", "usr_2"),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	if len(sender.sent) != 2 || sender.sent[0].Credential != "c-123" || sender.sent[0].PlanType != types.PlanStarter {
		t.Errorf("unexpected sends %+v", sender.sent)
	}
	if metrics.ok != 2 {
		t.Errorf("expected 2 delivered, got %d", metrics.ok)
	}
}

func TestHandle_PartialBatchFailure(t *testing.T) {
	sender := &mockSender{errs: map[string]error{
		"usr_transient": types.NewAppError(types.ErrCodeUpstreamEmailProvider, "sendgrid 503", nil),
		"usr_invalid":   types.NewAppError(types.ErrCodeValidationMissingField, "no email", nil),
		"usr_disabled":  queue.ErrEmailDisabled,
		"usr_network":   errors.New("connection reset"),
	}}
	h, metrics := newTestHandler(sender)

	malformed := events.SQSMessage{MessageId: "m-bad", Body: "{not json"}
	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		credentialRecord("m-ok", "usr_ok"),
		credentialRecord("m-transient", "usr_transient"),
		credentialRecord("m-invalid", "usr_invalid"),
		credentialRecord("m-disabled", "usr_disabled"),
		credentialRecord("m-network", "usr_network"),
		malformed,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	if strings.Join(failed, ",") != "m-transient,m-network" {
		t.Errorf("expected only retryable messages to fail, got %v", failed)
	}
	if metrics.ok != 1 || metrics.failed != 3 {
		t.Errorf("expected 1 delivered and 3 failed, got %+v", metrics)
	}
}

func TestParseMillisTimestamp(t *testing.T) {
	got, err := parseMillisTimestamp("1767225600000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %v", got)
	}
	if _, err := parseMillisTimestamp("soon"); err == nil {
		t.Error("expected error for non-numeric timestamp")
	}
}

func TestRunLocal(t *testing.T) {
	sender := &mockSender{}
	h, _ := newTestHandler(sender)

	in := `{"Records":[{"messageId":"1","body":"{\"identity_id\":\"usr_1\",\"email\":\"a@example.com\",\"credential\":\"x\"}"}]}`
	if err := runLocal(context.Background(), h, strings.NewReader(in), h.logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected 1 send, got %d", len(sender.sent))
	}

	if err := runLocal(context.Background(), h, strings.NewReader(""), h.logger); err == nil {
		t.Error("expected error for empty input")
	}
}

type mockCloudWatchClient struct {
	calls []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchDeliveryMetrics(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := newCloudWatchDeliveryMetrics(cw, "", slog.Default())

	m.RecordDelivery(context.Background(), true)
	m.RecordDelivery(context.Background(), false)

	if len(cw.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(cw.calls))
	}
	if *cw.calls[0].Namespace != types.MetricNamespace {
		t.Errorf("unexpected namespace %q", *cw.calls[0].Namespace)
	}
	if got := *cw.calls[0].MetricData[0].MetricName; got != types.MetricCredentialsDelivered {
		t.Errorf("unexpected metric %q", got)
	}
	if got := *cw.calls[1].MetricData[0].MetricName; got != types.MetricCredentialDeliveryFailed {
		t.Errorf("unexpected metric %q", got)
	}
}
