// Package mcpwire benchmarks for the hot paths: request dispatch, framing,
// and notification fan-out.
package mcpwire_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/middleware"
	"github.com/mcpwire/mcpwire/notify"
	"github.com/mcpwire/mcpwire/protocol"
	"github.com/mcpwire/mcpwire/registry"
	"github.com/mcpwire/mcpwire/stream"
)

func benchEngine(b *testing.B, opts ...mcpwire.Option) *mcpwire.Engine {
	b.Helper()
	tools := registry.New()
	tools.Register("add", "adds two numbers", nil,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct{ A, B int }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		})
	return mcpwire.New(
		mcpwire.Info{Name: "benchmark", Version: "1.0.0"},
		mcpwire.Registries{Tools: tools},
		opts...)
}

func initializeBench(b *testing.B, e *mcpwire.Engine) {
	b.Helper()
	p := e.Processor()
	ctx := context.Background()
	init := protocol.NewRequest(json.RawMessage(`1`), protocol.MethodInitialize,
		json.RawMessage(`{"protocolVersion":"2024-11-05","clientInfo":{"name":"bench","version":"1.0.0"}}`))
	if _, err := p.HandleMessage(ctx, init); err != nil {
		b.Fatal(err)
	}
	if _, err := p.HandleMessage(ctx, protocol.NewNotification(protocol.MethodInitialized, nil)); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkToolCall measures full request dispatch through the processor.
func BenchmarkToolCall(b *testing.B) {
	e := benchEngine(b)
	initializeBench(b, e)
	p := e.Processor()
	ctx := context.Background()
	params := json.RawMessage(`{"name":"add","arguments":{"a":2,"b":3}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := p.HandleMessage(ctx,
			protocol.NewRequest(json.RawMessage(`2`), protocol.MethodToolsCall, params))
		if err != nil {
			b.Fatal(err)
		}
		if resp.Error != nil {
			b.Fatal(resp.Error)
		}
	}
}

// BenchmarkToolCall_WithMiddleware measures dispatch through the default
// interceptor stack.
func BenchmarkToolCall_WithMiddleware(b *testing.B) {
	e := benchEngine(b, mcpwire.WithMiddleware(
		middleware.Recover(),
		middleware.RequestID(),
	))
	initializeBench(b, e)
	p := e.Processor()
	ctx := context.Background()
	params := json.RawMessage(`{"name":"add","arguments":{"a":2,"b":3}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := p.HandleMessage(ctx,
			protocol.NewRequest(json.RawMessage(`2`), protocol.MethodToolsCall, params))
		if err != nil {
			b.Fatal(err)
		}
		if resp.Error != nil {
			b.Fatal(resp.Error)
		}
	}
}

// BenchmarkPing measures the cheapest possible round trip.
func BenchmarkPing(b *testing.B) {
	e := benchEngine(b)
	p := e.Processor()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.HandleMessage(ctx,
			protocol.NewRequest(json.RawMessage(`1`), protocol.MethodPing, nil)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFramer measures framing and parsing one message per framing mode.
func BenchmarkFramer(b *testing.B) {
	msg := protocol.NewRequest(json.RawMessage(`7`), "tools/call",
		json.RawMessage(`{"name":"add","arguments":{"a":2,"b":3}}`))

	framings := []struct {
		name string
		mode stream.Framing
	}{
		{"newline", stream.FramingNewline},
		{"content-length", stream.FramingContentLength},
	}
	for _, fr := range framings {
		b.Run(fr.name, func(b *testing.B) {
			f := stream.NewFramer(stream.WithFraming(fr.mode))
			frame, err := f.Frame(msg)
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				msgs, err := f.Parse(frame)
				if err != nil {
					b.Fatal(err)
				}
				if len(msgs) != 1 {
					b.Fatalf("parsed %d messages", len(msgs))
				}
			}
		})
	}
}

// BenchmarkBroadcast measures synchronous notification fan-out to 16
// subscribers.
func BenchmarkBroadcast(b *testing.B) {
	h := notify.NewHandler(notify.WithScheduler(notify.SyncScheduler{}))
	for i := 0; i < 16; i++ {
		h.Subscribe(fmt.Sprintf("client-%d", i), nil, notify.WithSender(discardSender{}))
	}
	payload := map[string]string{"uri": "file:///x"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.Broadcast("resources/updated", payload); err != nil {
			b.Fatal(err)
		}
	}
}

type discardSender struct{}

func (discardSender) Send(context.Context, *protocol.Message) error { return nil }
