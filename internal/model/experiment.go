package model

import (
	"time"

	"gorm.io/gorm"
)

// ModelExperiment is one experiment created from a benchmark request.
type ModelExperiment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ModelName string `gorm:"type:varchar(200);not null;index" json:"model_name"`
	Domain    string `gorm:"type:varchar(100);not null;index" json:"domain"`
	// recorded or live
	DataSource string  `gorm:"type:varchar(20);not null" json:"data_source"`
	Budget     float64 `json:"budget"`
	Seed       int64   `json:"seed"`
	// workers attach to an existing experiment with this secret
	Secret string `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	// serialized training episode list and novelty group tree
	LayoutJSON string `gorm:"type:longtext" json:"-"`
	NoTesting  bool   `json:"no_testing"`
	IsComplete bool   `gorm:"default:false" json:"is_complete"`
}

func (ModelExperiment) TableName() string { return "model_experiment" }

// ExperimentTrial is the claimable unit of work.
type ExperimentTrial struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ExperimentID uint      `gorm:"not null;index" json:"experiment_id"`

	// position in the experiment layout: group index and trial index within the group
	GroupIndex int `json:"group_index"`
	TrialIndex int `json:"trial_index"`
	// the synthetic trial that holds training episodes
	IsTraining bool `gorm:"default:false;index" json:"is_training"`

	Novelty           int    `json:"novelty"`
	Difficulty        string `gorm:"type:varchar(20)" json:"difficulty"`
	NoveltyVisibility int    `json:"novelty_visibility"`

	LockedBy       *string   `gorm:"type:varchar(64);index" json:"locked_by"`
	IsActive       bool      `gorm:"default:false;index" json:"is_active"`
	IsComplete     bool      `gorm:"default:false;index" json:"is_complete"`
	UTCLastUpdated time.Time `gorm:"column:utc_last_updated;index" json:"utc_last_updated"`
}

func (ExperimentTrial) TableName() string { return "experiment_trial" }

// TrialEpisode is the store-owned progress row of one episode of a trial.
type TrialEpisode struct {
	ID      uint `gorm:"primarykey" json:"id"`
	TrialID uint `gorm:"not null;index" json:"trial_id"`
	// within-trial sequence index
	Sequence int `gorm:"not null" json:"sequence"`

	Domain       string `gorm:"type:varchar(100)" json:"domain"`
	DataType     string `gorm:"type:varchar(20)" json:"data_type"`
	Novelty      int    `json:"novelty"`
	TrialNovelty int    `json:"trial_novelty"`
	Difficulty   string `gorm:"type:varchar(20)" json:"difficulty"`
	// dataset episode index; -1 until a live episode is minted
	DatasetIndex int   `json:"dataset_index"`
	Seed         int64 `json:"seed"`
	EpisodeID    *uint `json:"episode_id"`

	IsActive   bool       `gorm:"default:false" json:"is_active"`
	IsComplete bool       `gorm:"default:false" json:"is_complete"`
	Skipped    bool       `gorm:"default:false" json:"skipped"`
	StartedAt  *time.Time `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`

	Performance             float64 `json:"performance"`
	NoveltyProbability      float64 `json:"novelty_probability"`
	NoveltyThreshold        float64 `json:"novelty_threshold"`
	NoveltyDetected         *int    `json:"novelty_detected"`
	NoveltyCharacterization string  `gorm:"type:text" json:"novelty_characterization"`
}

func (TrialEpisode) TableName() string { return "trial_episode" }
