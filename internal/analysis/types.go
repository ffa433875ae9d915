package analysis

// Job status values reported by the service. Anything that is not terminal
// means "still working".
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusError      = "error"
)

// Submission is the reply to an audio upload.
type Submission struct {
	JobID          string `json:"jobId"`
	ConversationID string `json:"conversationId"`
}

// Polarity carries the signed sentiment score, roughly -1..1.
type Polarity struct {
	Score float64 `json:"score"`
}

// Sentiment is the per-topic or per-message sentiment block.
type Sentiment struct {
	Polarity  Polarity `json:"polarity"`
	Suggested string   `json:"suggested"`
}

// Topic is one detected conversation topic with its sentiment.
type Topic struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	Score      float64   `json:"score"`
	MessageIDs []string  `json:"messageIds"`
	Sentiment  Sentiment `json:"sentiment"`
}

// Speaker identifies who said a message, when the service knows.
type Speaker struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Message is one transcribed utterance.
type Message struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	From      Speaker    `json:"from"`
	StartTime string     `json:"startTime,omitempty"`
	EndTime   string     `json:"endTime,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

type jobStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type topicsResponse struct {
	Topics []Topic `json:"topics"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}
