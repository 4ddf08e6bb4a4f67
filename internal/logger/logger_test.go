package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "jobpulse-test"})

	ctx := log.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-1")
	ctx = WithFields(ctx, Fields{FieldStage: "PARSING"})

	With(Fields{FieldDurationMs: int64(7)}).Info(ctx, "persisted: progress=%d", 40)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "persisted: progress=40", line["message"])
	assert.Equal(t, "job-1", line[FieldJobID])
	assert.Equal(t, "PARSING", line[FieldStage])
	assert.Equal(t, "jobpulse-test", line["service"])
	assert.EqualValues(t, 7, line[FieldDurationMs])
	assert.Equal(t, "job-1", GetFieldString(ctx, FieldJobID))
}

func TestRequestScopedFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "info", Format: "json", Output: &buf})

	ctx := SetComponent(SetRequestID(log.WithContext(context.Background()), "req-9"), "api")
	assert.Equal(t, "req-9", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))

	CtxError(ctx, "Request failed: %v", "boom")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-9", line[FieldRequestID])
	assert.Equal(t, "api", line[FieldComponent])
	assert.Equal(t, "error", line["level"])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
}

func TestFromContextOrPrefersContext(t *testing.T) {
	fallback := New(&Config{Level: "info", Format: "json", Output: &bytes.Buffer{}})
	scoped := New(&Config{Level: "info", Format: "json", Output: &bytes.Buffer{}})

	assert.Same(t, fallback, FromContextOr(context.Background(), fallback))
	assert.Same(t, scoped, FromContextOr(scoped.WithContext(context.Background()), fallback))
	assert.Same(t, GetDefault(), FromContextOr(context.Background(), nil))
}

func TestEntryWithDoesNotMutateParent(t *testing.T) {
	base := With(Fields{FieldCount: 1})
	child := base.WithDuration(5)
	counted := child.WithCount(3)

	assert.Len(t, base.fields, 1)
	assert.Len(t, child.fields, 2)
	assert.Equal(t, 3, counted.fields[FieldCount])
}
