package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/testutil"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestEngineSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	clock := testutil.NewClock(time.Time{})
	s := testutil.OpenStore(t, clock)
	e := engine.New(s,
		engine.WithTracer(tp.Tracer(ServiceName)),
		engine.WithIDGenerator(testutil.NewSequentialIDs("")),
	)
	ctx := context.Background()

	_, err := e.RegisterDomain(ctx, ir.Domain{
		ID: "case",
		Trigger: ir.Trigger{
			Sources:              []string{"cases"},
			ContextKeyExpression: ir.Field("sourceDocId", ir.TypeString),
		},
		ProxyFields: []ir.ProxyField{{ID: "status", Expression: ir.Field("currentValues.status", ir.TypeString)}},
	}, nil)
	require.NoError(t, err)

	_, _, err = e.Ingest(ctx, ir.ImportedEvent{
		TenantID: "t1", Source: "cases", SourceDocID: "c1",
		CurrentValues: ir.IRObject{"status": ir.IRString("OPEN")},
	})
	require.NoError(t, err)
	_, err = e.ProcessBatch(ctx)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range rec.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["engine.ProcessBatch"])
	assert.True(t, names["engine.Pass"])
	assert.True(t, names["engine.EvaluateTarget"])
}
