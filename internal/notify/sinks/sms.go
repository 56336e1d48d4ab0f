package sinks

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"backcheck/internal/notify"
)

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSSink sends text messages through Amazon SNS.
type SMSSink struct {
	client   SNSAPI
	resolver Resolver
}

func NewSMSSink(client SNSAPI, resolver Resolver) (*SMSSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if resolver == nil {
		resolver = DirectResolver{}
	}
	return &SMSSink{client: client, resolver: resolver}, nil
}

func (s *SMSSink) Deliver(ctx context.Context, env notify.Envelope) error {
	msg, err := message("sns", env)
	if err != nil {
		return err
	}
	to, err := resolve(ctx, s.resolver, "sns", env)
	if err != nil {
		return err
	}

	text := msg.Body
	if text == "" {
		text = msg.Subject
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(text),
	})
	if err != nil {
		var invalid *types.InvalidParameterException
		var optedOut *types.InvalidParameterValueException
		permanent := errors.As(err, &invalid) || errors.As(err, &optedOut)
		return &notify.DeliveryError{Sink: "sns", Recipient: env.RecipientRef, Err: err, Permanent: permanent}
	}
	return nil
}
