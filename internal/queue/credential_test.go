package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"billingengine/internal/config"
	"billingengine/internal/external"
	"billingengine/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

// --- Mock Email Provider ---

type mockEmailProvider struct {
	sent []external.Email
	err  error
}

func (m *mockEmailProvider) Send(_ context.Context, msg external.Email) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "sg-1", nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/credentials"

func testMessage() types.CredentialMessage {
	return types.CredentialMessage{
		IdentityID: "5b0c7d0e-4d8b-4f5e-9c1a-2f1f0c9a7e11",
		Email:      "buyer@example.com",
		Credential: "AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD",
		ExpiresAt:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		PlanType:   types.PlanEnterprise,
		EventID:    "evt_123",
	}
}

// --- CredentialPublisher ---

func TestCredentialPublisher_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewCredentialPublisher(mock, config.AWSConfig{CredentialQueueURL: testQueueURL}, nil)

	if err := pub.SendCredential(context.Background(), testMessage()); err != nil {
		t.Fatalf("SendCredential returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var got types.CredentialMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &got); err != nil {
		t.Fatalf("failed to decode message body: %v", err)
	}
	want := testMessage()
	if got.IdentityID != want.IdentityID || got.Email != want.Email || got.Credential != want.Credential ||
		got.PlanType != want.PlanType || got.EventID != want.EventID || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("message body mismatch: %+v", got)
	}

	if v := call.MessageAttributes["kind"].StringValue; v == nil || *v != MessageKindCredential {
		t.Errorf("expected kind attribute %q", MessageKindCredential)
	}
	if v := call.MessageAttributes["event_id"].StringValue; v == nil || *v != "evt_123" {
		t.Errorf("expected event_id attribute")
	}
	for name, attr := range call.MessageAttributes {
		if attr.StringValue != nil && strings.Contains(*attr.StringValue, "AAAAAAAA") {
			t.Errorf("credential leaked into attribute %q", name)
		}
	}
}

func TestCredentialPublisher_SQSFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	pub := NewCredentialPublisher(mock, config.AWSConfig{CredentialQueueURL: testQueueURL}, nil)

	err := pub.SendCredential(context.Background(), testMessage())
	if !types.HasCode(err, types.ErrCodeUpstreamQueue) {
		t.Fatalf("expected upstream queue error, got %v", err)
	}
}

// --- DirectSender ---

func TestDirectSender_Template(t *testing.T) {
	provider := &mockEmailProvider{}
	sender := NewDirectSender(provider, config.EmailConfig{
		FromAddress:          "billing@example.com",
		FromName:             "Billing",
		CredentialTemplateID: "d-cred",
		Enabled:              true,
	}, nil)

	if err := sender.SendCredential(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(provider.sent))
	}

	email := provider.sent[0]
	if email.To != "buyer@example.com" || email.TemplateID != "d-cred" {
		t.Errorf("unexpected email: %+v", email)
	}
	if email.Data["credential"] != "AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD" {
		t.Errorf("credential missing from template data")
	}
	if email.Data["expires_at"] != "2026-06-01 12:00 UTC" {
		t.Errorf("unexpected expiry rendering %v", email.Data["expires_at"])
	}
	if email.ReferenceID != testMessage().IdentityID {
		t.Errorf("expected identity id as reference, got %q", email.ReferenceID)
	}
}

func TestDirectSender_PlainText(t *testing.T) {
	email := CredentialEmail(config.EmailConfig{FromAddress: "billing@example.com"}, testMessage())

	if email.TemplateID != "" {
		t.Errorf("expected no template")
	}
	if !strings.Contains(email.Text, "AAAAAAAA-BBBBBBBB-CCCCCCCC-DDDDDDDD") {
		t.Errorf("credential missing from text body: %q", email.Text)
	}
	if !strings.Contains(email.Text, "buyer@example.com") {
		t.Errorf("email missing from text body")
	}
}

func TestDirectSender_Disabled(t *testing.T) {
	provider := &mockEmailProvider{}
	sender := NewDirectSender(provider, config.EmailConfig{Enabled: false}, nil)

	err := sender.SendCredential(context.Background(), testMessage())
	if !errors.Is(err, ErrEmailDisabled) {
		t.Fatalf("expected ErrEmailDisabled, got %v", err)
	}
	if len(provider.sent) != 0 {
		t.Errorf("nothing should be sent when disabled")
	}
}

func TestDirectSender_InvalidMessage(t *testing.T) {
	sender := NewDirectSender(&mockEmailProvider{}, config.EmailConfig{Enabled: true}, nil)

	msg := testMessage()
	msg.Credential = ""
	err := sender.SendCredential(context.Background(), msg)
	if !types.HasCode(err, types.ErrCodeValidationMissingField) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDirectSender_ProviderError(t *testing.T) {
	provider := &mockEmailProvider{err: types.NewAppError(types.ErrCodeUpstreamEmailProvider, "rejected", nil)}
	sender := NewDirectSender(provider, config.EmailConfig{Enabled: true}, nil)

	err := sender.SendCredential(context.Background(), testMessage())
	if !types.HasCode(err, types.ErrCodeUpstreamEmailProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
