package provider

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// sesAPI is the part of the SES v2 client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES error codes that will never succeed on retry.
var sesPermanent = map[string]string{
	"MessageRejected":                    CodeInvalidRecipient,
	"MailFromDomainNotVerifiedException": CodeInvalidRequest,
	"AccountSuspendedException":          CodeAuthentication,
	"SendingPausedException":             CodeProviderError,
	"BadRequestException":                CodeInvalidRequest,
	"NotFoundException":                  CodeInvalidRequest,
	"UnrecognizedClientException":        CodeAuthentication,
	"InvalidClientTokenId":               CodeAuthentication,
	"SignatureDoesNotMatch":              CodeAuthentication,
}

// SES sends email through Amazon SES v2.
type SES struct {
	emailBase
	client sesAPI
}

// NewSES needs region and from_email. Static keys come from
// aws_access_key_id and aws_secret_access_key; without them the default
// credential chain applies. endpoint points the client at a local stand-in.
func NewSES(cfg Config, _ Deps) (Provider, error) {
	if err := cfg.require("region", "from_email"); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.credential("region"))}
	if id := cfg.credential("aws_access_key_id"); id != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, cfg.credential("aws_secret_access_key"), ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.credential("endpoint")
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newSESWithClient(cfg, client), nil
}

func newSESWithClient(cfg Config, client sesAPI) *SES {
	return &SES{emailBase: newEmailBase(cfg), client: client}
}

// Send sends a simple (non-raw) email.
func (s *SES) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	if err := s.validate(n); err != nil {
		return nil, err
	}

	body := &types.Body{}
	content := &types.Content{Data: aws.String(n.Content), Charset: aws.String("UTF-8")}
	if isHTML(n) {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.sender(n)),
		Destination: &types.Destination{
			ToAddresses:  n.To,
			CcAddresses:  n.CC,
			BccAddresses: n.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(n.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{{Name: aws.String("notification_id"), Value: aws.String(n.ID)}},
	}
	if n.ReplyTo != "" {
		input.ReplyToAddresses = []string{n.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySES(err)
	}
	return &Result{MessageID: aws.ToString(out.MessageId)}, nil
}

func classifySES(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return classifyTransport(err)
	}
	if code, ok := sesPermanent[ae.ErrorCode()]; ok {
		return &Error{Code: code, Message: ae.ErrorMessage()}
	}
	e := &Error{Code: CodeProviderError, Message: ae.ErrorMessage(), Retryable: true}
	switch ae.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "Throttling":
		e.Code = CodeRateLimited
	}
	return e
}
