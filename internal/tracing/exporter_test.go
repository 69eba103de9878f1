package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewFileExporter_CreatesFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)
	require.NotNil(t, exporter)

	_, err = os.Stat(tracePath)
	require.NoError(t, err, "trace file should be created")

	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestNewFileExporter_CreatesParentDirectories(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "dir", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	_, err = os.Stat(tracePath)
	require.NoError(t, err, "trace file should be created with parent dirs")

	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestNewFileExporter_AppendsToExistingFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	err := os.WriteFile(tracePath, []byte(`{"existing": "data"}`+"\n"), 0o644)
	require.NoError(t, err)

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "executor.cell_segmentation",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(100 * time.Millisecond),
	}
	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))

	file, err := os.Open(tracePath)
	require.NoError(t, err)
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines, "file should have original line plus new span")

	content, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	require.Contains(t, string(content), `{"existing": "data"}`)
}

func TestFileExporter_WritesValidJSONL(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "executor.tissue_mask",
		SpanKind:  trace.SpanKindInternal,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(250 * time.Millisecond),
		Status: sdktrace.Status{
			Code: codes.Ok,
		},
		Attributes: []attribute.KeyValue{
			attribute.String("job.id", "wf-1_mask"),
			attribute.String("job.type", "tissue_mask"),
			attribute.String("tenant.id", "lab-a"),
		},
		Events: []sdktrace.Event{
			{
				Name: "job.dispatched",
				Time: time.Now(),
			},
			{
				Name: "job.completed",
				Time: time.Now().Add(250 * time.Millisecond),
				Attributes: []attribute.KeyValue{
					attribute.String("job.status", "SUCCEEDED"),
				},
			},
		},
	}

	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))

	content, err := os.ReadFile(tracePath)
	require.NoError(t, err)

	var record SpanRecord
	require.NoError(t, json.Unmarshal(content, &record), "line should be valid JSON")
	require.Equal(t, "executor.tissue_mask", record.Name)
	require.Equal(t, "INTERNAL", record.Kind)
	require.Equal(t, "OK", record.Status)
	require.InDelta(t, 250.0, record.DurationMs, 1.0)
	require.Equal(t, "wf-1_mask", record.Attributes["job.id"])
	require.Equal(t, "lab-a", record.Attributes["tenant.id"])
	require.Len(t, record.Events, 2)
	require.Equal(t, "job.completed", record.Events[1].Name)
	require.Equal(t, "SUCCEEDED", record.Events[1].Attributes["job.status"])
}

func TestFileExporter_EmptySpansIsNoOp(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	require.NoError(t, exporter.Shutdown(context.Background()))

	content, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	require.Empty(t, content, "no spans should mean no output")
}

func TestFileExporter_ShutdownTwice(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)

	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()), "second shutdown should be a no-op")
}

func TestFileExporter_ExportAfterShutdownErrors(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(context.Background()))

	stub := tracetest.SpanStub{Name: "late-span"}
	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()})
	require.Error(t, err, "export after shutdown should fail")
}

func TestSpanKindStrings(t *testing.T) {
	require.Equal(t, "INTERNAL", kindString(trace.SpanKindInternal))
	require.Equal(t, "SERVER", kindString(trace.SpanKindServer))
	require.Equal(t, "CLIENT", kindString(trace.SpanKindClient))
	require.Equal(t, "PRODUCER", kindString(trace.SpanKindProducer))
	require.Equal(t, "CONSUMER", kindString(trace.SpanKindConsumer))
	require.Equal(t, "UNSPECIFIED", kindString(trace.SpanKindUnspecified))
}
