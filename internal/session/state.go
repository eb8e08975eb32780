package session

import "novelty-server/internal/protocol"

// State is the position of a session in the experiment protocol.
type State int

const (
	StateBenchmarkRequest State = iota
	StateExperimentStart
	StateTrainingStart
	StateTrainingEpisodeStart
	StateTrainingEpisodeActive
	StateTrainingEpisodeEnd
	StateTrainingEnd
	StateTrainingModelEnd
	StateTrialStart
	StateTestingStart
	StateTestingEpisodeStart
	StateTestingEpisodeActive
	StateTestingEpisodeEnd
	StateTestingEnd
	StateTrialEnd
	StateExperimentEnd
)

var stateNames = [...]string{
	StateBenchmarkRequest:      "BenchmarkRequest",
	StateExperimentStart:       "ExperimentStart",
	StateTrainingStart:         "TrainingStart",
	StateTrainingEpisodeStart:  "TrainingEpisodeStart",
	StateTrainingEpisodeActive: "TrainingEpisodeActive",
	StateTrainingEpisodeEnd:    "TrainingEpisodeEnd",
	StateTrainingEnd:           "TrainingEnd",
	StateTrainingModelEnd:      "TrainingModelEnd",
	StateTrialStart:            "TrialStart",
	StateTestingStart:          "TestingStart",
	StateTestingEpisodeStart:   "TestingEpisodeStart",
	StateTestingEpisodeActive:  "TestingEpisodeActive",
	StateTestingEpisodeEnd:     "TestingEpisodeEnd",
	StateTestingEnd:            "TestingEnd",
	StateTrialEnd:              "TrialEnd",
	StateExperimentEnd:         "ExperimentEnd",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// accepts lists the requests that are legal in each state.
var accepts = map[State][]protocol.Kind{
	StateBenchmarkRequest:      {protocol.KindBenchmarkRequest},
	StateExperimentStart:       {protocol.KindRequestState},
	StateTrainingStart:         {protocol.KindRequestState},
	StateTrainingEpisodeStart:  {protocol.KindRequestTrainingData},
	StateTrainingEpisodeActive: {protocol.KindRequestTrainingData, protocol.KindTrainingDataPrediction, protocol.KindRequestState},
	StateTrainingEpisodeEnd:    {protocol.KindRequestState, protocol.KindTrainingEpisodeNovelty},
	StateTrainingEnd:           {protocol.KindRequestState},
	StateTrainingModelEnd:      {protocol.KindRequestState},
	StateTrialStart:            {protocol.KindRequestState},
	StateTestingStart:          {protocol.KindRequestState},
	StateTestingEpisodeStart:   {protocol.KindRequestTestingData},
	StateTestingEpisodeActive:  {protocol.KindRequestTestingData, protocol.KindTestingDataPrediction, protocol.KindRequestState},
	StateTestingEpisodeEnd:     {protocol.KindRequestState, protocol.KindTestingEpisodeNovelty},
	StateTestingEnd:            {protocol.KindRequestState},
	StateTrialEnd:              {protocol.KindRequestState},
}

func (s State) accepts(k protocol.Kind) bool {
	for _, a := range accepts[s] {
		if a == k {
			return true
		}
	}
	return false
}

// Active reports whether data is being exchanged for an episode.
func (s State) Active() bool {
	return s == StateTrainingEpisodeActive || s == StateTestingEpisodeActive
}
