package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMissingObjType = errors.New("protocol: missing obj_type")
	ErrUnknownObjType = errors.New("protocol: unknown obj_type")
	ErrInvalid        = errors.New("protocol: invalid message")
)

var validate = validator.New()

var registry = map[Kind]func() Message{
	KindBenchmarkRequest:          func() Message { return &BenchmarkRequest{} },
	KindRequestState:              func() Message { return &RequestState{} },
	KindRequestTrainingData:       func() Message { return &RequestTrainingData{} },
	KindTrainingDataPrediction:    func() Message { return &TrainingDataPrediction{} },
	KindTrainingEpisodeNovelty:    func() Message { return &TrainingEpisodeNovelty{} },
	KindRequestTestingData:        func() Message { return &RequestTestingData{} },
	KindTestingDataPrediction:     func() Message { return &TestingDataPrediction{} },
	KindTestingEpisodeNovelty:     func() Message { return &TestingEpisodeNovelty{} },
	KindExperimentStart:           func() Message { return &ExperimentStart{} },
	KindTrainingStart:             func() Message { return &TrainingStart{} },
	KindTrainingEpisodeStart:      func() Message { return &TrainingEpisodeStart{} },
	KindTrainingEpisodeEnd:        func() Message { return &TrainingEpisodeEnd{} },
	KindTrainingEnd:               func() Message { return &TrainingEnd{} },
	KindTrainingModelEnd:          func() Message { return &TrainingModelEnd{} },
	KindTrialStart:                func() Message { return &TrialStart{} },
	KindTestingStart:              func() Message { return &TestingStart{} },
	KindTestingEpisodeStart:       func() Message { return &TestingEpisodeStart{} },
	KindTestingEpisodeEnd:         func() Message { return &TestingEpisodeEnd{} },
	KindTestingEnd:                func() Message { return &TestingEnd{} },
	KindTrialEnd:                  func() Message { return &TrialEnd{} },
	KindExperimentEnd:             func() Message { return &ExperimentEnd{} },
	KindTrainingData:              func() Message { return &TrainingData{} },
	KindTrainingDataAck:           func() Message { return &TrainingDataAck{} },
	KindTrainingEpisodeNoveltyAck: func() Message { return &TrainingEpisodeNoveltyAck{} },
	KindTestingData:               func() Message { return &TestingData{} },
	KindTestingDataAck:            func() Message { return &TestingDataAck{} },
	KindTestingEpisodeNoveltyAck:  func() Message { return &TestingEpisodeNoveltyAck{} },
	KindError:                     func() Message { return &Error{} },
	KindExperimentException:       func() Message { return &ExperimentException{} },
	KindPartialAnalysisReady:      func() Message { return &PartialAnalysisReady{} },
}

// Kinds lists every message kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New returns an empty message of the given kind.
func New(kind Kind) (Message, error) {
	newMsg, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjType, kind)
	}
	return newMsg(), nil
}

// Encode renders m as a JSON object whose first field is obj_type.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	kind, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(kind) + 14)
	buf.WriteString(`{"obj_type":`)
	buf.Write(kind)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses and validates one message.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		ObjType Kind `json:"obj_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if envelope.ObjType == "" {
		return nil, ErrMissingObjType
	}
	m, err := New(envelope.ObjType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, envelope.ObjType, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, envelope.ObjType, err)
	}
	return m, nil
}
