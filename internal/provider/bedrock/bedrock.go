// Package bedrock invokes Anthropic models on AWS Bedrock. The payload is a
// messages body patched by the bedrock quirk; the model id travels out of
// band.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol"
	"github.com/aistats/gateway/internal/provider"
	"github.com/aistats/gateway/internal/provider/anthropic"
	"github.com/aistats/gateway/internal/quirks"
)

// Invoker is the slice of the bedrockruntime client the adapter uses.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Provider struct {
	provider.Unsupported
	id      string
	client  Invoker
	quirk   quirks.Transformer
	timeout time.Duration
}

func New(ctx context.Context, id, region string, timeout time.Duration) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(id, cfg, timeout), nil
}

func NewWithConfig(id string, cfg aws.Config, timeout time.Duration) *Provider {
	return NewWithClient(id, bedrockruntime.NewFromConfig(cfg), timeout)
}

func NewWithClient(id string, client Invoker, timeout time.Duration) *Provider {
	if id == "" {
		id = "bedrock"
	}
	return &Provider{id: id, client: client, quirk: quirks.Lookup("bedrock"), timeout: timeout}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Chat(ctx context.Context, req *ir.ChatRequest) (*provider.ChatResult, error) {
	body, err := anthropic.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	body = p.quirk.TransformRequest(body, req, req.Model)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	return provider.DecodeChat(protocol.Messages, p.id, out.Body)
}

// classify splits SDK errors into rejections (the service answered with an
// HTTP error) and transport failures.
func (p *Provider) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &domain.ProviderTransportError{Provider: p.id, Err: context.Canceled}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		rej := &domain.ProviderRejectionError{Provider: p.id, StatusCode: respErr.HTTPStatusCode(), Message: err.Error()}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			rej.Code = apiErr.ErrorCode()
			rej.Message = apiErr.ErrorMessage()
		}
		return rej
	}
	return &domain.ProviderTransportError{
		Provider: p.id,
		Timeout:  domain.IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
}
