package producer

import "time"

// Payload is a normalized analysis result, ready to be written as one batch.
type Payload struct {
	ClientID          string
	AnalysisTimestamp *time.Time
	SummaryNote       string
	Items             []Item
}

type Item struct {
	Kind       string
	Message    string
	SubjectRef string
	Priority   int
}
