package ir

type EmbeddingsRequest struct {
	Model string
	Input []string
	// SingleInput records that Input was a bare string on the wire.
	SingleInput    bool
	EncodingFormat string
	Dimensions     *int
	User           string
}

type Embedding struct {
	Index  int
	Vector []float64
	// Base64 holds the vector when the caller asked for base64 encoding.
	Base64 string
}

type EmbeddingsResponse struct {
	Model    string
	Provider string
	Data     []Embedding
	Usage    *Usage
}

type ModerationsRequest struct {
	Model       string
	Input       []string
	SingleInput bool
}

type ModerationResult struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

type ModerationsResponse struct {
	ID       string
	Model    string
	Provider string
	Results  []ModerationResult
}
