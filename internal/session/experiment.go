package session

import (
	"encoding/json"
	"fmt"

	"novelty-server/internal/model"
	"novelty-server/internal/protocol"
)

// EpisodeSpec is one planned episode.
type EpisodeSpec struct {
	Domain       string `json:"domain"`
	DataType     string `json:"data_type"`
	Novelty      int    `json:"novelty"`
	TrialNovelty int    `json:"trial_novelty"`
	Difficulty   string `json:"difficulty"`
	// recorded: dataset episode index; live: -1 until minted
	DatasetIndex int   `json:"dataset_index"`
	Seed         int64 `json:"seed"`
	Sequence     int   `json:"sequence"`
}

// TrialSpec is one trial of a novelty group. Its episodes are planned when
// testing of the trial begins.
type TrialSpec struct {
	GroupIndex        int    `json:"group_index"`
	TrialIndex        int    `json:"trial_index"`
	Novelty           int    `json:"novelty"`
	Difficulty        string `json:"difficulty"`
	NoveltyVisibility int    `json:"novelty_visibility"`
}

type NoveltyGroup struct {
	NoveltyVisibility int         `json:"novelty_visibility"`
	Trials            []TrialSpec `json:"trials"`
}

// Experiment is the immutable layout built from a benchmark request.
type Experiment struct {
	ID         uint    `json:"-"`
	Secret     string  `json:"-"`
	ModelName  string  `json:"model_name"`
	Domain     string  `json:"domain"`
	DataSource string  `json:"data_source"`
	Budget     float64 `json:"budget"`
	Seed       int64   `json:"seed"`

	NoTesting        bool    `json:"no_testing"`
	JustOneTrial     bool    `json:"just_one_trial"`
	UseImage         bool    `json:"use_image"`
	TestingEpisodes  int     `json:"testing_episodes"`
	NoveltyFraction  float64 `json:"novelty_fraction"`
	PreNovelEpisodes int     `json:"pre_novel_episodes"`

	Training []EpisodeSpec  `json:"training"`
	Groups   []NoveltyGroup `json:"groups"`
}

func (e Experiment) Live() bool { return e.DataSource == protocol.SourceLive }

func (e Experiment) trainingType() string {
	if e.Live() {
		return model.DataLiveTrain
	}
	return model.DataRecordedTrain
}

func (e Experiment) testingType() string {
	if e.Live() {
		return model.DataLiveTest
	}
	return model.DataRecordedTest
}

// TrialCount is the number of test trials in all groups.
func (e Experiment) TrialCount() int {
	n := 0
	for _, g := range e.Groups {
		n += len(g.Trials)
	}
	return n
}

// trialSpec resolves a persisted trial row back to its place in the layout.
func (e Experiment) trialSpec(row model.ExperimentTrial) TrialSpec {
	if row.GroupIndex >= 0 && row.GroupIndex < len(e.Groups) {
		g := e.Groups[row.GroupIndex]
		if row.TrialIndex >= 0 && row.TrialIndex < len(g.Trials) {
			return g.Trials[row.TrialIndex]
		}
	}
	return TrialSpec{
		GroupIndex:        row.GroupIndex,
		TrialIndex:        row.TrialIndex,
		Novelty:           row.Novelty,
		Difficulty:        row.Difficulty,
		NoveltyVisibility: row.NoveltyVisibility,
	}
}

const defaultDifficulty = "easy"

// BuildExperiment lays out training episodes and novelty groups for req.
// Reasons lists every problem found; the layout is only valid when it is empty.
func BuildExperiment(req *protocol.BenchmarkRequest) (Experiment, []string) {
	var reasons []string
	exp := Experiment{
		ModelName:       req.ModelName,
		Domain:          req.Domain,
		DataSource:      req.DataSource,
		Budget:          req.Budget,
		Seed:            req.Seed,
		NoTesting:       req.NoTesting,
		JustOneTrial:    req.JustOneTrial,
		UseImage:        req.UseImage,
		TestingEpisodes: req.TestingEpisodes,
		NoveltyFraction: 1,
	}
	if req.NoveltyFraction != nil {
		exp.NoveltyFraction = *req.NoveltyFraction
	}
	if req.PreNovelEpisodes != nil {
		exp.PreNovelEpisodes = *req.PreNovelEpisodes
	}

	difficulties := req.Difficulty
	if len(difficulties) == 0 {
		difficulties = []string{defaultDifficulty}
	}
	visibilities := req.NoveltyVisibility
	if len(visibilities) == 0 {
		visibilities = []int{0}
	}
	trialsPerSetting := req.TrialsPerSetting
	if trialsPerSetting == 0 {
		trialsPerSetting = 1
	}

	for i := 0; i < req.TrainingEpisodes; i++ {
		exp.Training = append(exp.Training, EpisodeSpec{
			Domain:       req.Domain,
			DataType:     exp.trainingType(),
			Novelty:      model.BaselineNovelty,
			TrialNovelty: model.BaselineNovelty,
			Difficulty:   difficulties[i%len(difficulties)],
			DatasetIndex: -1,
			Sequence:     i,
		})
	}

	if !req.NoTesting {
		if len(req.Novelty) == 0 {
			reasons = append(reasons, "novelty: at least one novelty level is required for testing")
		}
		if req.TestingEpisodes < 3 {
			reasons = append(reasons, fmt.Sprintf("testing_episodes: need at least 3, got %d", req.TestingEpisodes))
		}
		if exp.PreNovelEpisodes >= req.TestingEpisodes && req.TestingEpisodes > 0 {
			reasons = append(reasons, "pre_novel_episodes: must be smaller than testing_episodes")
		}
		for gi, vis := range visibilities {
			group := NoveltyGroup{NoveltyVisibility: vis}
			for _, novelty := range req.Novelty {
				for _, difficulty := range difficulties {
					for k := 0; k < trialsPerSetting; k++ {
						group.Trials = append(group.Trials, TrialSpec{
							GroupIndex:        gi,
							TrialIndex:        len(group.Trials),
							Novelty:           novelty,
							Difficulty:        difficulty,
							NoveltyVisibility: vis,
						})
					}
				}
			}
			exp.Groups = append(exp.Groups, group)
		}
	}
	if req.NoTesting && req.TrainingEpisodes == 0 {
		reasons = append(reasons, "training_episodes: an experiment without testing needs training episodes")
	}
	return exp, reasons
}

// trialRows are the claimable rows of every test trial.
func (e Experiment) trialRows() []model.ExperimentTrial {
	rows := make([]model.ExperimentTrial, 0, e.TrialCount())
	for _, g := range e.Groups {
		for _, t := range g.Trials {
			rows = append(rows, model.ExperimentTrial{
				GroupIndex:        t.GroupIndex,
				TrialIndex:        t.TrialIndex,
				Novelty:           t.Novelty,
				Difficulty:        t.Difficulty,
				NoveltyVisibility: t.NoveltyVisibility,
			})
		}
	}
	return rows
}

func (e Experiment) row() (*model.ModelExperiment, error) {
	layout, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode experiment layout: %w", err)
	}
	return &model.ModelExperiment{
		ModelName:  e.ModelName,
		Domain:     e.Domain,
		DataSource: e.DataSource,
		Budget:     e.Budget,
		Seed:       e.Seed,
		Secret:     e.Secret,
		LayoutJSON: string(layout),
		NoTesting:  e.NoTesting,
	}, nil
}

// experimentFromRow restores the layout of a persisted experiment.
func experimentFromRow(row model.ModelExperiment) (Experiment, error) {
	var exp Experiment
	if err := json.Unmarshal([]byte(row.LayoutJSON), &exp); err != nil {
		return Experiment{}, fmt.Errorf("decode layout of experiment %d: %w", row.ID, err)
	}
	exp.ID = row.ID
	exp.Secret = row.Secret
	return exp, nil
}
