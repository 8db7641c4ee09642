package inference

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Profile carries the loader hints and decoding hyperparameters for a model.
type Profile struct {
	Device            string
	DType             string
	ChunkLengthS      int
	StrideLengthS     int
	MaxNewTokens      int
	BatchSize         int
	NumBeams          int
	RepetitionPenalty float64
	NoRepeatNgramSize int
}

// Args renders the decoding hyperparameters as recognizer flags. Zero values
// are left to the recognizer's defaults.
func (p Profile) Args() []string {
	var args []string
	add := func(flag string, v int) {
		if v > 0 {
			args = append(args, flag, strconv.Itoa(v))
		}
	}
	add("--chunk-length", p.ChunkLengthS)
	add("--stride", p.StrideLengthS)
	add("--max-new-tokens", p.MaxNewTokens)
	add("--batch-size", p.BatchSize)
	add("--beams", p.NumBeams)
	if p.RepetitionPenalty > 0 {
		args = append(args, "--repetition-penalty", strconv.FormatFloat(p.RepetitionPenalty, 'f', -1, 64))
	}
	add("--no-repeat-ngram-size", p.NoRepeatNgramSize)
	return args
}

var fallbackProfile = Profile{Device: "cpu", DType: "fp32", NumBeams: 1}

var profiles = map[string]Profile{
	"onnx-community/distil-large-v3.5-ONNX": {
		Device: "gpu", DType: "fp16",
		ChunkLengthS: 25, StrideLengthS: 5, MaxNewTokens: 1024, BatchSize: 4,
		NumBeams: 1, RepetitionPenalty: 1.1, NoRepeatNgramSize: 3,
	},
	"onnx-community/whisper-large-v3-turbo": {
		Device: "gpu", DType: "fp16",
		ChunkLengthS: 30, StrideLengthS: 5, MaxNewTokens: 448, BatchSize: 1,
		NumBeams: 1, RepetitionPenalty: 1.0, NoRepeatNgramSize: 3,
	},
	"onnx-community/whisper-small": {
		Device: "gpu", DType: "fp32",
		ChunkLengthS: 30, StrideLengthS: 5, MaxNewTokens: 1024, BatchSize: 4,
		NumBeams: 1, RepetitionPenalty: 1.1, NoRepeatNgramSize: 3,
	},
	"onnx-community/whisper-base": {
		Device: "gpu", DType: "fp32",
		ChunkLengthS: 30, StrideLengthS: 5, MaxNewTokens: 1024, BatchSize: 4,
		NumBeams: 1, RepetitionPenalty: 1.1, NoRepeatNgramSize: 3,
	},
	"onnx-community/moonshine-base-ONNX": {
		Device: "gpu", DType: "fp32",
		ChunkLengthS: 30, StrideLengthS: 5, MaxNewTokens: 1024, BatchSize: 4,
		NumBeams: 1, RepetitionPenalty: 1.1, NoRepeatNgramSize: 3,
	},
	"onnx-community/moonshine-base-zh-ONNX": {
		Device: "gpu", DType: "fp32",
		ChunkLengthS: 30, StrideLengthS: 5, MaxNewTokens: 1024, BatchSize: 4,
		NumBeams: 1, RepetitionPenalty: 1.1, NoRepeatNgramSize: 3,
	},
}

// ProfileFor returns the tuned profile for modelID, or a generic one.
func ProfileFor(modelID string) (Profile, bool) {
	p, ok := profiles[modelID]
	if !ok {
		return fallbackProfile, false
	}
	return p, true
}

// KnownModels lists the model identifiers with tuned profiles.
func KnownModels() []string {
	out := make([]string, 0, len(profiles))
	for id := range profiles {
		out = append(out, id)
	}
	return out
}

// MapLanguage converts a settings language code into the recognizer hint.
// An empty result means the backend should auto-detect.
func MapLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "zh-tw", "zh-cn":
		return "chinese"
	case "auto", "":
		return ""
	default:
		return lang
	}
}

// ModelName is the short display name of a model identifier.
func ModelName(modelID string) string {
	return path.Base(modelID)
}

// ModelPath resolves a model identifier to a weights file under dir.
func ModelPath(dir, modelID string) string {
	return filepath.Join(dir, ModelName(modelID)+".bin")
}
