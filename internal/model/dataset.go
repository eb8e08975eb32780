package model

import "time"

// Dataset groups episodes sharing one (domain, data type, novelty, difficulty, trial novelty).
type Dataset struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	Domain       string `gorm:"type:varchar(100);not null;uniqueIndex:idx_dataset_key" json:"domain"`
	DataType     string `gorm:"type:varchar(20);not null;uniqueIndex:idx_dataset_key" json:"data_type"`
	Novelty      int    `gorm:"not null;uniqueIndex:idx_dataset_key" json:"novelty"`
	Difficulty   string `gorm:"type:varchar(20);not null;uniqueIndex:idx_dataset_key" json:"difficulty"`
	TrialNovelty int    `gorm:"not null;uniqueIndex:idx_dataset_key" json:"trial_novelty"`

	// only ever grows; changed under LockedBy
	Episodes int        `gorm:"not null;default:0" json:"episodes"`
	LockedBy *string    `gorm:"type:varchar(64)" json:"-"`
	LockedAt *time.Time `json:"-"`
}

func (Dataset) TableName() string { return "dataset" }

type Episode struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	DatasetID uint      `gorm:"not null;uniqueIndex:idx_episode_key" json:"dataset_id"`
	Index     int       `gorm:"column:episode_index;not null;uniqueIndex:idx_episode_key" json:"index"`
	Seed      int64     `json:"seed"`
	// number of data rows; 0 for a live episode that has not ended yet
	Size int `gorm:"not null;default:0" json:"size"`
}

func (Episode) TableName() string { return "episode" }

// Data is one recorded (feature vector, label) step of an episode.
type Data struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	EpisodeID uint   `gorm:"not null;uniqueIndex:idx_data_pos" json:"episode_id"`
	Position  int    `gorm:"not null;uniqueIndex:idx_data_pos" json:"position"`
	Features  string `gorm:"type:longtext" json:"features"`
	Label     string `gorm:"type:varchar(200)" json:"label"`
}

func (Data) TableName() string { return "data" }

// TestInstance records one served data item and the prediction made for it.
type TestInstance struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	TrialEpisodeID uint      `gorm:"not null;index" json:"trial_episode_id"`
	Position       int       `json:"position"`
	DataID         *uint     `json:"data_id"`

	Prediction         string  `gorm:"type:varchar(200)" json:"prediction"`
	Correct            *bool   `json:"correct"`
	Reward             float64 `json:"reward"`
	NoveltyProbability float64 `json:"novelty_probability"`
	NoveltyThreshold   float64 `json:"novelty_threshold"`
	Predicted          bool    `gorm:"default:false" json:"predicted"`
}

func (TestInstance) TableName() string { return "test_instance" }

// TestLabel is the ground truth that was revealed as budgeted feedback.
type TestLabel struct {
	ID             uint      `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	TestInstanceID uint      `gorm:"not null;index" json:"test_instance_id"`
	Label          string    `gorm:"type:varchar(200)" json:"label"`
	Reward         float64   `json:"reward"`
}

func (TestLabel) TableName() string { return "test_label" }

// DatasetKey identifies a dataset; it is comparable and used directly as a map key.
type DatasetKey struct {
	Domain       string
	DataType     string
	Novelty      int
	Difficulty   string
	TrialNovelty int
}

// Data types of an episode.
const (
	DataRecordedTrain = "recorded-train"
	DataRecordedTest  = "recorded-test"
	DataLiveTrain     = "live-train"
	DataLiveTest      = "live-test"
)

// BaselineNovelty is the novelty level of data without novelty.
const BaselineNovelty = 0

func IsLive(dataType string) bool {
	return dataType == DataLiveTrain || dataType == DataLiveTest
}
