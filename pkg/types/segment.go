package types

// AudioSegment is a time slice of the extracted audio track.
type AudioSegment struct {
	Index           int     `json:"index"`
	Path            string  `json:"path"`
	StartSeconds    float64 `json:"startSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// SegmentTranscript is the transcription result for one segment.
// Err is set when Text holds a placeholder.
type SegmentTranscript struct {
	Index int
	Text  string
	Err   error
}
