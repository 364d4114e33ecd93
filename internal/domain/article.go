package domain

import "time"

// Article is a title + abstract bound to a task, screened as an atom.
// Articles are immutable once written.
type Article struct {
	TaskID    string    `bson:"task_id" json:"task_id"`
	ArticleID string    `bson:"article_id" json:"article_id"`
	Title     string    `bson:"title" json:"title"`
	Abstract  string    `bson:"abstract" json:"abstract"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Decision is the normalised LLM verdict for one article before it is
// persisted as a ScreeningResult.
type Decision struct {
	Included       bool    `json:"included"`
	Reason         string  `json:"reason"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ResultMetadata snapshots the article content alongside its verdict.
type ResultMetadata struct {
	Title    string `bson:"title" json:"title"`
	Abstract string `bson:"abstract" json:"abstract"`
}

// ScreeningResult is the stored verdict for one (task, article) pair.
// Written via upsert keyed on that identity, so replays are idempotent.
type ScreeningResult struct {
	TaskID         string         `bson:"task_id" json:"task_id"`
	ArticleID      string         `bson:"article_id" json:"article_id"`
	Included       bool           `bson:"included" json:"included"`
	Reason         string         `bson:"reason" json:"reason"`
	RelevanceScore float64        `bson:"relevance_score" json:"relevance_score"`
	Metadata       ResultMetadata `bson:"metadata" json:"metadata"`
	UpdatedAt      time.Time      `bson:"updated_at" json:"updated_at"`
}

// Stats aggregates verdict counts for a task.
type Stats struct {
	Included int `bson:"included" json:"included"`
	Excluded int `bson:"excluded" json:"excluded"`
}
