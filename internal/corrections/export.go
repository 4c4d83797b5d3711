package corrections

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// TrainingSample is one element of uploaded_corrections.json as read by the
// Whisper LoRA trainer.
type TrainingSample struct {
	ID            string `json:"id"`
	RawText       string `json:"rawText"`
	CorrectedText string `json:"correctedText"`
	AudioPath     string `json:"audioPath,omitempty"`
	AgentType     string `json:"agentType"`
	Timestamp     int64  `json:"timestamp"`
}

type ExportOptions struct {
	Since        time.Time
	ApprovedOnly bool
	RequireAudio bool
}

func (o ExportOptions) include(e Entry) bool {
	if o.ApprovedOnly && e.ApprovalStatus != ApprovalApproved && !e.UserExplicitlyApproved {
		return false
	}
	if o.RequireAudio && e.AudioPath == "" {
		return false
	}
	return true
}

// TrainingSet returns the exportable samples oldest first.
func (l *Log) TrainingSet(ctx context.Context, opts ExportOptions) []TrainingSample {
	entries := l.Query(ctx, Filter{Since: opts.Since})
	samples := make([]TrainingSample, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !opts.include(e) {
			continue
		}
		samples = append(samples, TrainingSample{
			ID:            e.ID,
			RawText:       e.RawText,
			CorrectedText: e.CorrectedText,
			AudioPath:     e.AudioPath,
			AgentType:     e.AgentType,
			Timestamp:     e.Timestamp,
		})
	}
	return samples
}

// ExportTrainingSet writes the samples as an indented JSON array and
// reports how many were written.
func (l *Log) ExportTrainingSet(ctx context.Context, w io.Writer, opts ExportOptions) (int, error) {
	samples := l.TrainingSet(ctx, opts)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(samples); err != nil {
		return 0, err
	}
	return len(samples), nil
}
