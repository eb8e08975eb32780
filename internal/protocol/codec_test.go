package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryKindDecodesFromItsEncoding(t *testing.T) {
	for _, kind := range Kinds() {
		m, err := New(kind)
		require.NoError(t, err)
		if br, ok := m.(*BenchmarkRequest); ok {
			br.ModelName, br.Domain, br.DataSource = "m", "cartpole", SourceRecorded
		}

		data, err := Encode(m)
		require.NoError(t, err, kind)

		var envelope map[string]any
		require.NoError(t, json.Unmarshal(data, &envelope), kind)
		assert.Equal(t, string(kind), envelope["obj_type"])

		back, err := Decode(data)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, back.Kind())
	}
}

func TestEncodeEmptyMessage(t *testing.T) {
	data, err := Encode(&RequestState{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"obj_type":"RequestState"}`, string(data))
}

func TestDecodePrediction(t *testing.T) {
	m, err := Decode([]byte(`{"obj_type":"TestingDataPrediction","label_prediction":"left",
		"novelty_probability":0.8,"novelty_threshold":0.5,"end_early":true}`))
	require.NoError(t, err)

	p, ok := m.(*TestingDataPrediction)
	require.True(t, ok)
	assert.Equal(t, "left", p.Label)
	assert.Equal(t, 0.8, p.NoveltyProbability)
	assert.True(t, p.EndEarly)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		body string
		err  error
	}{
		"missing obj_type": {`{"label_prediction":"x"}`, ErrMissingObjType},
		"unknown obj_type": {`{"obj_type":"Launch"}`, ErrUnknownObjType},
		"not json":         {`{obj_type`, ErrInvalid},
		"probability out of range": {
			`{"obj_type":"TrainingDataPrediction","novelty_probability":1.5}`, ErrInvalid,
		},
		"bad data source": {
			`{"obj_type":"BenchmarkRequest","model_name":"m","domain":"d","data_source":"tape"}`, ErrInvalid,
		},
		"bad visibility": {
			`{"obj_type":"BenchmarkRequest","model_name":"m","domain":"d","data_source":"live","novelty_visibility":[2]}`, ErrInvalid,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestFeaturesPassThroughUntouched(t *testing.T) {
	in := &TestingData{EpisodeIndex: 2, Position: 7, Features: json.RawMessage(`{"x":0.25,"v":-1}`)}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	td := out.(*TestingData)
	assert.JSONEq(t, `{"x":0.25,"v":-1}`, string(td.Features))
	assert.Equal(t, 7, td.Position)
}
