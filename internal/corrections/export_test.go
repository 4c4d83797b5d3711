package corrections

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestExportTrainingSetFormat(t *testing.T) {
	log := newTestLog(t, nil, Options{})
	ctx := context.Background()

	approved := sampleEntry("teh valve", "the valve")
	approved.ApprovalStatus = ApprovalApproved
	approved.AudioPath = "/data/asr/audio/1.wav"
	pending := sampleEntry("aortic steno", "aortic stenosis")
	noAudio := sampleEntry("tavi", "TAVI")
	noAudio.UserExplicitlyApproved = true

	for _, in := range []NewEntry{approved, pending, noAudio} {
		if _, err := log.Append(ctx, in); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := log.ExportTrainingSet(ctx, &buf, ExportOptions{ApprovedOnly: true})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 approved samples, got %d", n)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 decoded samples, got %d", len(decoded))
	}
	first := decoded[0]
	for _, key := range []string{"id", "rawText", "correctedText", "audioPath", "agentType", "timestamp"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("expected key %q in exported sample %v", key, first)
		}
	}
	if first["correctedText"] != "the valve" {
		t.Fatalf("expected oldest sample first, got %v", first["correctedText"])
	}

	withAudio := log.TrainingSet(ctx, ExportOptions{RequireAudio: true})
	if len(withAudio) != 1 || withAudio[0].AudioPath != approved.AudioPath {
		t.Fatalf("expected only the sample with audio, got %+v", withAudio)
	}
}
