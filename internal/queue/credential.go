// Package queue delivers one-time credentials, either through the SQS
// credential queue consumed by the email worker or straight to the email
// provider.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"billingengine/internal/config"
	"billingengine/internal/external"
	"billingengine/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// MessageKindCredential tags credential messages on the queue.
const MessageKindCredential = "credential"

// CredentialPublisher enqueues CredentialMessages for the email worker.
type CredentialPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewCredentialPublisher creates a publisher for the configured credential
// queue.
func NewCredentialPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *CredentialPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialPublisher{
		client:   client,
		queueURL: awsCfg.CredentialQueueURL,
		logger:   logger,
	}
}

// SendCredential serializes msg and sends it to the credential queue. The
// credential travels only in the message body.
func (p *CredentialPublisher) SendCredential(ctx context.Context, msg types.CredentialMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "queue: failed to marshal CredentialMessage", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(MessageKindCredential),
			},
		},
	}
	if msg.EventID != "" {
		input.MessageAttributes["event_id"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.EventID),
		}
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("queue: failed to send CredentialMessage to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "credential message queued",
		"queue_url", p.queueURL,
		"message_id", aws.ToString(out.MessageId),
		"identity_id", msg.IdentityID,
		"event_id", msg.EventID,
	)
	return nil
}

// DirectSender renders and sends the credential email in-process. The email
// worker uses it for each dequeued message; the API uses it when no queue is
// configured.
type DirectSender struct {
	provider external.EmailProvider
	cfg      config.EmailConfig
	logger   *slog.Logger
}

// NewDirectSender creates a DirectSender.
func NewDirectSender(provider external.EmailProvider, cfg config.EmailConfig, logger *slog.Logger) *DirectSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectSender{provider: provider, cfg: cfg, logger: logger}
}

// ErrEmailDisabled is returned when email delivery is switched off.
var ErrEmailDisabled = errors.New("queue: email delivery is disabled")

// SendCredential sends the credential email.
func (d *DirectSender) SendCredential(ctx context.Context, msg types.CredentialMessage) error {
	if !d.cfg.Enabled {
		return ErrEmailDisabled
	}
	if msg.Email == "" || msg.Credential == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "credential message needs an email and a credential", nil)
	}

	id, err := d.provider.Send(ctx, CredentialEmail(d.cfg, msg))
	if err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "credential email sent",
		"identity_id", msg.IdentityID,
		"provider_message_id", id,
	)
	return nil
}

const credentialSubject = "Your account access credential"

const credentialText = `A payment was received for %s and an account was created for you.

Sign in, then claim the account with this one-time credential:

    %s

The credential expires at %s.
`

// CredentialEmail builds the credential email: the configured dynamic
// template when there is one, plain text otherwise.
func CredentialEmail(cfg config.EmailConfig, msg types.CredentialMessage) external.Email {
	expires := msg.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC")
	return external.Email{
		To:          msg.Email,
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		TemplateID:  cfg.CredentialTemplateID,
		Data: map[string]any{
			"email":      msg.Email,
			"credential": msg.Credential,
			"expires_at": expires,
			"plan":       string(msg.PlanType),
		},
		Subject:     credentialSubject,
		Text:        fmt.Sprintf(credentialText, msg.Email, msg.Credential, expires),
		ReferenceID: msg.IdentityID,
	}
}

var (
	_ interface {
		SendCredential(context.Context, types.CredentialMessage) error
	} = (*CredentialPublisher)(nil)
	_ interface {
		SendCredential(context.Context, types.CredentialMessage) error
	} = (*DirectSender)(nil)
)
