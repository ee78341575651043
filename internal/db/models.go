package db

import "time"

// Column types are left to the dialect so the same models migrate on
// postgres and sqlite.

// StoredRecord maps news_records.
type StoredRecord struct {
	RecordID      int64      `gorm:"column:record_id;primaryKey;autoIncrement"`
	RecordUUID    string     `gorm:"column:record_uuid;type:varchar(36);not null;uniqueIndex"`
	Dataset       string     `gorm:"column:dataset;type:varchar(128);not null"`
	URL           string     `gorm:"column:url;type:text;not null"`
	URLHash       string     `gorm:"column:url_hash;type:char(64);not null"`
	Title         string     `gorm:"column:title;type:text;not null;default:''"`
	Body          string     `gorm:"column:body;type:text;not null;default:''"`
	Source        string     `gorm:"column:source;type:text;not null;default:''"`
	SourceType    string     `gorm:"column:source_type;type:varchar(64);not null;default:''"`
	PublishedAt   *time.Time `gorm:"column:published_at"`
	Embedding     []byte     `gorm:"column:embedding"`
	EmbeddingDims int        `gorm:"column:embedding_dims;not null;default:0"`
	RunID         string     `gorm:"column:run_id;type:varchar(36);not null;default:''"`
	DeletedAt     *time.Time `gorm:"column:deleted_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
}

func (StoredRecord) TableName() string { return "news_records" }

// DedupDecision maps news_dedup_decisions. Rows are only ever inserted.
type DedupDecision struct {
	DecisionID           int64     `gorm:"column:decision_id;primaryKey;autoIncrement"`
	DecisionUUID         string    `gorm:"column:decision_uuid;type:varchar(36);not null;uniqueIndex"`
	Dataset              string    `gorm:"column:dataset;type:varchar(128);not null"`
	RunID                string    `gorm:"column:run_id;type:varchar(36);not null;index"`
	RunTimestamp         time.Time `gorm:"column:run_timestamp;not null"`
	SubjectURL           string    `gorm:"column:subject_url;type:text;not null"`
	SubjectTitle         string    `gorm:"column:subject_title;type:text;not null;default:''"`
	SubjectSourceType    string    `gorm:"column:subject_source_type;type:varchar(64);not null;default:''"`
	DecisionKind         string    `gorm:"column:decision_kind;type:varchar(32);not null"`
	DuplicateOfURL       *string   `gorm:"column:duplicate_of_url;type:text"`
	DuplicateOfTitle     *string   `gorm:"column:duplicate_of_title;type:text"`
	DuplicateOfSource    *string   `gorm:"column:duplicate_of_source_type;type:varchar(64)"`
	Similarity           *float64  `gorm:"column:similarity"`
	ConfirmedBySecondary *bool     `gorm:"column:confirmed_by_secondary"`
	Reason               *string   `gorm:"column:reason;type:text"`
	CreatedAt            time.Time `gorm:"column:created_at;not null"`
}

func (DedupDecision) TableName() string { return "news_dedup_decisions" }

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// DedupRun maps news_dedup_runs, the per-run ledger.
type DedupRun struct {
	RunID             string     `gorm:"column:run_id;type:varchar(36);primaryKey" json:"run_id"`
	Dataset           string     `gorm:"column:dataset;type:varchar(128);not null;index" json:"dataset"`
	Status            string     `gorm:"column:status;type:varchar(16);not null;default:running" json:"status"`
	IsFirstRun        bool       `gorm:"column:is_first_run;not null;default:false" json:"is_first_run"`
	TotalInput        int        `gorm:"column:total_input;not null;default:0" json:"total_input"`
	UniqueKept        int        `gorm:"column:unique_kept;not null;default:0" json:"unique_kept"`
	DuplicatesRemoved int        `gorm:"column:duplicates_removed;not null;default:0" json:"duplicates_removed"`
	StoredCount       int        `gorm:"column:stored_count;not null;default:0" json:"stored_count"`
	ErrorMessage      *string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	StartedAt         time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt        *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (DedupRun) TableName() string { return "news_dedup_runs" }

func autoMigrateModels() []any {
	return []any{
		&StoredRecord{},
		&DedupDecision{},
		&DedupRun{},
	}
}
