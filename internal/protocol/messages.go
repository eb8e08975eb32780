// Package protocol defines the closed set of messages exchanged between the
// orchestration server and agent clients, and their JSON encoding.
//
// Every message is a pointer to one of the types below. The Message interface
// is sealed by an unexported method, so a type switch over the types listed in
// Kinds covers every message that can exist.
package protocol

import "encoding/json"

type Kind string

const (
	// client -> server
	KindBenchmarkRequest       Kind = "BenchmarkRequest"
	KindRequestState           Kind = "RequestState"
	KindRequestTrainingData    Kind = "RequestTrainingData"
	KindTrainingDataPrediction Kind = "TrainingDataPrediction"
	KindTrainingEpisodeNovelty Kind = "TrainingEpisodeNovelty"
	KindRequestTestingData     Kind = "RequestTestingData"
	KindTestingDataPrediction  Kind = "TestingDataPrediction"
	KindTestingEpisodeNovelty  Kind = "TestingEpisodeNovelty"

	// state announcements
	KindExperimentStart      Kind = "ExperimentStart"
	KindTrainingStart        Kind = "TrainingStart"
	KindTrainingEpisodeStart Kind = "TrainingEpisodeStart"
	KindTrainingEpisodeEnd   Kind = "TrainingEpisodeEnd"
	KindTrainingEnd          Kind = "TrainingEnd"
	KindTrainingModelEnd     Kind = "TrainingModelEnd"
	KindTrialStart           Kind = "TrialStart"
	KindTestingStart         Kind = "TestingStart"
	KindTestingEpisodeStart  Kind = "TestingEpisodeStart"
	KindTestingEpisodeEnd    Kind = "TestingEpisodeEnd"
	KindTestingEnd           Kind = "TestingEnd"
	KindTrialEnd             Kind = "TrialEnd"
	KindExperimentEnd        Kind = "ExperimentEnd"

	// server -> client data and acknowledgements
	KindTrainingData              Kind = "TrainingData"
	KindTrainingDataAck           Kind = "TrainingDataAck"
	KindTrainingEpisodeNoveltyAck Kind = "TrainingEpisodeNoveltyAck"
	KindTestingData               Kind = "TestingData"
	KindTestingDataAck            Kind = "TestingDataAck"
	KindTestingEpisodeNoveltyAck  Kind = "TestingEpisodeNoveltyAck"

	KindError                Kind = "Error"
	KindExperimentException  Kind = "ExperimentException"
	KindPartialAnalysisReady Kind = "PartialAnalysisReady"
)

type Message interface {
	Kind() Kind
	message()
}

// Data sources of an experiment.
const (
	SourceRecorded = "recorded"
	SourceLive     = "live"
)

// BenchmarkRequest starts a new experiment, or attaches a worker to an
// existing one when ExperimentSecret is set.
type BenchmarkRequest struct {
	ModelName         string   `json:"model_name" validate:"required"`
	Domain            string   `json:"domain" validate:"required"`
	DataSource        string   `json:"data_source" validate:"oneof=recorded live"`
	Novelty           []int    `json:"novelty" validate:"dive,gte=0"`
	NoveltyVisibility []int    `json:"novelty_visibility" validate:"dive,oneof=0 1"`
	Difficulty        []string `json:"difficulty" validate:"dive,oneof=easy medium hard"`
	TrainingEpisodes  int      `json:"training_episodes" validate:"gte=0"`
	TrialsPerSetting  int      `json:"trials_per_setting" validate:"gte=0"`
	TestingEpisodes   int      `json:"testing_episodes" validate:"gte=0"`
	// share of post-injection episodes that are novel; nil means 1
	NoveltyFraction *float64 `json:"novelty_fraction,omitempty" validate:"omitempty,gte=0,lte=1"`
	// forces the number of episodes before novelty is injected
	PreNovelEpisodes *int    `json:"pre_novel_episodes,omitempty" validate:"omitempty,gte=1"`
	Budget           float64 `json:"budget" validate:"gte=0,lte=1"`
	Seed             int64   `json:"seed"`
	NoTesting        bool    `json:"no_testing"`
	JustOneTrial     bool    `json:"just_one_trial"`
	UseImage         bool    `json:"use_image"`
	ExperimentSecret string  `json:"experiment_secret,omitempty"`
}

type RequestState struct{}

type RequestTrainingData struct{}

type RequestTestingData struct{}

// Prediction is the agent's answer for one data item.
type Prediction struct {
	Label                   string  `json:"label_prediction"`
	NoveltyProbability      float64 `json:"novelty_probability" validate:"gte=0,lte=1"`
	NoveltyThreshold        float64 `json:"novelty_threshold" validate:"gte=0,lte=1"`
	NoveltyCharacterization string  `json:"novelty_characterization,omitempty"`
	// skip the rest of the current training or testing phase
	EndEarly bool `json:"end_early,omitempty"`
}

type TrainingDataPrediction struct {
	Prediction
}

type TestingDataPrediction struct {
	Prediction
}

// NoveltyReport is the agent's end-of-episode novelty verdict.
type NoveltyReport struct {
	NoveltyProbability      float64 `json:"novelty_probability" validate:"gte=0,lte=1"`
	NoveltyThreshold        float64 `json:"novelty_threshold" validate:"gte=0,lte=1"`
	Novelty                 int     `json:"novelty"`
	NoveltyCharacterization string  `json:"novelty_characterization,omitempty"`
}

type TrainingEpisodeNovelty struct {
	NoveltyReport
}

type TestingEpisodeNovelty struct {
	NoveltyReport
}

type ExperimentStart struct {
	ExperimentID     uint   `json:"experiment_id"`
	Secret           string `json:"experiment_secret"`
	ReplyQueue       string `json:"reply_queue"`
	TrainingEpisodes int    `json:"training_episodes"`
	Trials           int    `json:"trials"`
}

type TrainingStart struct {
	Episodes int `json:"episodes"`
}

type TrainingEpisodeStart struct {
	EpisodeIndex int    `json:"episode_index"`
	Difficulty   string `json:"difficulty"`
}

type TrainingEpisodeEnd struct {
	EpisodeIndex int     `json:"episode_index"`
	Performance  float64 `json:"performance"`
}

type TrainingEnd struct{}

type TrainingModelEnd struct{}

type TrialStart struct {
	TrialID           uint   `json:"trial_id"`
	Novelty           int    `json:"novelty"`
	Difficulty        string `json:"difficulty"`
	NoveltyVisibility int    `json:"novelty_visibility"`
}

type TestingStart struct {
	Episodes int `json:"episodes"`
}

type TestingEpisodeStart struct {
	EpisodeIndex int `json:"episode_index"`
	// set only for trials with novelty visibility 1
	NoveltyIndicator *bool `json:"novelty_indicator,omitempty"`
}

type TestingEpisodeEnd struct {
	EpisodeIndex int     `json:"episode_index"`
	Performance  float64 `json:"performance"`
}

type TestingEnd struct{}

type TrialEnd struct {
	TrialID uint `json:"trial_id"`
}

type ExperimentEnd struct {
	Reason string `json:"reason,omitempty"`
}

type TrainingData struct {
	EpisodeIndex int             `json:"episode_index"`
	Position     int             `json:"position"`
	Features     json.RawMessage `json:"feature_vector"`
	Label        string          `json:"feature_label"`
}

type TrainingDataAck struct {
	Performance     float64 `json:"performance"`
	EpisodeComplete bool    `json:"episode_complete"`
}

type TrainingEpisodeNoveltyAck struct{}

type TestingData struct {
	EpisodeIndex int             `json:"episode_index"`
	Position     int             `json:"position"`
	Features     json.RawMessage `json:"feature_vector"`
}

// Feedback is the ground truth revealed under the experiment budget.
type Feedback struct {
	Label  string  `json:"label,omitempty"`
	Reward float64 `json:"reward"`
}

type TestingDataAck struct {
	Performance     float64   `json:"performance"`
	EpisodeComplete bool      `json:"episode_complete"`
	Feedback        *Feedback `json:"feedback,omitempty"`
}

type TestingEpisodeNoveltyAck struct{}

// Error answers a request that was rejected; the session state is unchanged.
type Error struct {
	Reasons []string `json:"reasons"`
}

// ExperimentException reports a fatal session error; the session is gone.
type ExperimentException struct {
	Message string `json:"message"`
}

type PartialAnalysisReady struct {
	ExperimentID uint   `json:"experiment_id"`
	TrialID      uint   `json:"trial_id"`
	Summary      string `json:"summary"`
}

func (*BenchmarkRequest) Kind() Kind          { return KindBenchmarkRequest }
func (*RequestState) Kind() Kind              { return KindRequestState }
func (*RequestTrainingData) Kind() Kind       { return KindRequestTrainingData }
func (*TrainingDataPrediction) Kind() Kind    { return KindTrainingDataPrediction }
func (*TrainingEpisodeNovelty) Kind() Kind    { return KindTrainingEpisodeNovelty }
func (*RequestTestingData) Kind() Kind        { return KindRequestTestingData }
func (*TestingDataPrediction) Kind() Kind     { return KindTestingDataPrediction }
func (*TestingEpisodeNovelty) Kind() Kind     { return KindTestingEpisodeNovelty }
func (*ExperimentStart) Kind() Kind           { return KindExperimentStart }
func (*TrainingStart) Kind() Kind             { return KindTrainingStart }
func (*TrainingEpisodeStart) Kind() Kind      { return KindTrainingEpisodeStart }
func (*TrainingEpisodeEnd) Kind() Kind        { return KindTrainingEpisodeEnd }
func (*TrainingEnd) Kind() Kind               { return KindTrainingEnd }
func (*TrainingModelEnd) Kind() Kind          { return KindTrainingModelEnd }
func (*TrialStart) Kind() Kind                { return KindTrialStart }
func (*TestingStart) Kind() Kind              { return KindTestingStart }
func (*TestingEpisodeStart) Kind() Kind       { return KindTestingEpisodeStart }
func (*TestingEpisodeEnd) Kind() Kind         { return KindTestingEpisodeEnd }
func (*TestingEnd) Kind() Kind                { return KindTestingEnd }
func (*TrialEnd) Kind() Kind                  { return KindTrialEnd }
func (*ExperimentEnd) Kind() Kind             { return KindExperimentEnd }
func (*TrainingData) Kind() Kind              { return KindTrainingData }
func (*TrainingDataAck) Kind() Kind           { return KindTrainingDataAck }
func (*TrainingEpisodeNoveltyAck) Kind() Kind { return KindTrainingEpisodeNoveltyAck }
func (*TestingData) Kind() Kind               { return KindTestingData }
func (*TestingDataAck) Kind() Kind            { return KindTestingDataAck }
func (*TestingEpisodeNoveltyAck) Kind() Kind  { return KindTestingEpisodeNoveltyAck }
func (*Error) Kind() Kind                     { return KindError }
func (*ExperimentException) Kind() Kind       { return KindExperimentException }
func (*PartialAnalysisReady) Kind() Kind      { return KindPartialAnalysisReady }

func (*BenchmarkRequest) message()          {}
func (*RequestState) message()              {}
func (*RequestTrainingData) message()       {}
func (*TrainingDataPrediction) message()    {}
func (*TrainingEpisodeNovelty) message()    {}
func (*RequestTestingData) message()        {}
func (*TestingDataPrediction) message()     {}
func (*TestingEpisodeNovelty) message()     {}
func (*ExperimentStart) message()           {}
func (*TrainingStart) message()             {}
func (*TrainingEpisodeStart) message()      {}
func (*TrainingEpisodeEnd) message()        {}
func (*TrainingEnd) message()               {}
func (*TrainingModelEnd) message()          {}
func (*TrialStart) message()                {}
func (*TestingStart) message()              {}
func (*TestingEpisodeStart) message()       {}
func (*TestingEpisodeEnd) message()         {}
func (*TestingEnd) message()                {}
func (*TrialEnd) message()                  {}
func (*ExperimentEnd) message()             {}
func (*TrainingData) message()              {}
func (*TrainingDataAck) message()           {}
func (*TrainingEpisodeNoveltyAck) message() {}
func (*TestingData) message()               {}
func (*TestingDataAck) message()            {}
func (*TestingEpisodeNoveltyAck) message()  {}
func (*Error) message()                     {}
func (*ExperimentException) message()       {}
func (*PartialAnalysisReady) message()      {}
