package model

import (
	"context"
	"errors"
	"io"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// remoteChatModel adapts a hosted eino-ext provider to the relay contract:
// only non-empty content is forwarded, cancellation ends the stream quietly
// and provider failures surface as *BackendError.
type remoteChatModel struct {
	name  string
	inner einoModel.BaseChatModel
}

var _ einoModel.BaseChatModel = (*remoteChatModel)(nil)

func (m *remoteChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return generateFromStream(ctx, m, input, opts...)
}

func (m *remoteChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	if ctx.Err() != nil {
		return closedStream(), nil
	}

	inner, err := m.inner.Stream(ctx, input, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return closedStream(), nil
		}
		return nil, newTransportError(m.name+" stream", err)
	}

	sr, sw := schema.Pipe[*schema.Message](streamBuffer)
	go func() {
		defer sw.Close()
		defer inner.Close()

		for {
			chunk, err := inner.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					sw.Send(nil, newTransportError(m.name+" stream", err))
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(chunk.Content, nil), nil); closed {
				return
			}
		}
	}()

	return sr, nil
}
