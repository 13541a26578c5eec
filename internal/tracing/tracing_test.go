package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNilSpanIsSafe(t *testing.T) {
	var span *Span
	span.SetAttribute("attempts", 1)
	EndSpan(span, errors.New("ignored"))
}

func TestStdoutExporterRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitStdout("signoff-test", "test", &buf))
	ctx := context.Background()

	_, span := StartSpan(ctx, "signature.get_envelope", trace.SpanKindClient, map[string]string{
		"signature.envelope_id": "env-1",
	})
	span.SetAttribute("signature.attempts", 2)
	EndSpan(span, errors.New("provider unavailable"))

	_, ok := StartSpan(ctx, "signature.webhook.reconcile", trace.SpanKindServer, nil)
	EndSpan(ok, nil)

	require.NoError(t, Shutdown(ctx))
	out := buf.String()
	assert.Contains(t, out, "signature.get_envelope")
	assert.Contains(t, out, "env-1")
	assert.Contains(t, out, "signature.attempts")
	assert.Contains(t, out, "provider unavailable")
	assert.Contains(t, out, "signature.webhook.reconcile")
}
