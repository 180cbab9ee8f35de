package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func readRecords(t *testing.T, path string) []SpanRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := provider.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "handler.memory_update",
		trace.WithSpanKind(trace.SpanKindConsumer))
	parent.SetAttributes(attribute.String(AttrTaskLabel, "memory_update"))
	_, child := tracer.Start(ctx, "queue.pull")
	child.SetStatus(codes.Error, "queue closed")
	child.End()
	parent.SetStatus(codes.Ok, "")
	parent.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, path)
	require.Len(t, records, 2)

	// Children end first, so the child span is the first line.
	require.Equal(t, "queue.pull", records[0].Name)
	require.Equal(t, "ERROR", records[0].Status)
	require.Equal(t, "queue closed", records[0].StatusMsg)
	require.Equal(t, records[1].SpanID, records[0].ParentSpanID)

	require.Equal(t, "handler.memory_update", records[1].Name)
	require.Equal(t, "CONSUMER", records[1].Kind)
	require.Equal(t, "OK", records[1].Status)
	require.Equal(t, "memory_update", records[1].Attributes[AttrTaskLabel])
	require.Empty(t, records[1].ParentSpanID)
	require.Equal(t, records[0].TraceID, records[1].TraceID)
}

func TestFileExporter_EmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	require.NoError(t, exporter.Shutdown(context.Background()))

	require.Empty(t, readRecords(t, path))
}

func TestFileExporter_ShutdownIdempotent(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "spans.jsonl"))
	require.NoError(t, err)

	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))
}
