package sinks

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"backcheck/internal/notify"
)

// SESAPI is the subset of the SES client used by EmailSink.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailSink sends candidate e-mail through Amazon SES.
type EmailSink struct {
	client   SESAPI
	from     string
	resolver Resolver
}

func NewEmailSink(client SESAPI, from string, resolver Resolver) (*EmailSink, error) {
	if client == nil {
		return nil, errors.New("ses client is required")
	}
	if from == "" {
		return nil, errors.New("sender address is required")
	}
	if resolver == nil {
		resolver = DirectResolver{}
	}
	return &EmailSink{client: client, from: from, resolver: resolver}, nil
}

func (s *EmailSink) Deliver(ctx context.Context, env notify.Envelope) error {
	msg, err := message("ses", env)
	if err != nil {
		return err
	}
	to, err := resolve(ctx, s.resolver, "ses", env)
	if err != nil {
		return err
	}

	_, err = s.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Body)},
			},
		},
		Source: aws.String(s.from),
	})
	if err != nil {
		return &notify.DeliveryError{Sink: "ses", Recipient: env.RecipientRef, Err: err, Permanent: permanentSES(err)}
	}
	return nil
}

func permanentSES(err error) bool {
	var rejected *types.MessageRejected
	var unverified *types.MailFromDomainNotVerifiedException
	return errors.As(err, &rejected) || errors.As(err, &unverified)
}
