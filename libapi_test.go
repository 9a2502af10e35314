package flowdispatch

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type greeting struct {
	Name string `json:"name"`
}

func TestBuiltInTransportsAreRegistered(t *testing.T) {
	for _, name := range []string{"channel", "kafka", "rabbitmq", "aws", "nats", "nats-jetstream", "http", "file"} {
		assert.True(t, DefaultTransportRegistry.Has(name), name)
	}
}

func TestFlowThroughFacade(t *testing.T) {
	cfg := &Config{
		FlowName:           "facade",
		ProcessingStrategy: "proactor",
		BackPressurePolicy: "fail",
	}
	flow, err := NewFlow(cfg, NopLogger(), FlowDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = flow.Dispose() })

	assert.Equal(t, StrategyProactor, flow.Strategy().Kind())
	assert.Equal(t, PolicyFail, flow.Policy())

	upper, err := NewJSONStage("upper", CPULight, func(_ context.Context, in StageContext[*greeting]) (StageOutput[*greeting], error) {
		return StageOutput[*greeting]{Message: &greeting{Name: in.Payload.Name + "!"}}, nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, flow.Bind(upper))
	require.NoError(t, flow.Start())

	out, err := flow.Process(context.Background(), NewEvent([]byte(`{"name":"ada"}`)))
	require.NoError(t, err)
	raw, err := out.PayloadBytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada!"}`, string(raw))
	assert.NotEmpty(t, out.Metadata.Get(MetadataKeyCorrelationID))
}

func TestProtoStageExport(t *testing.T) {
	stage, err := NewProtoStage("echo", Blocking, &structpb.Struct{}, func(_ context.Context, in StageContext[*structpb.Struct]) (StageOutput[*structpb.Struct], error) {
		return StageOutput[*structpb.Struct]{Message: in.Payload}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Blocking, stage.ProcessingType())
}

func TestParseExports(t *testing.T) {
	kind, err := ParseStrategyKind("proactor-stream-emitter")
	require.NoError(t, err)
	assert.Equal(t, StrategyProactorStreamEmitter, kind)

	policy, err := ParsePolicy("drop")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, policy)
	assert.Len(t, StrategyKinds(), 10)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md.Get("key"))
	assert.NotEmpty(t, NewEventID())
}
