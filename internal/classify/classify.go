// Package classify turns the captured text of one grab attempt into
// per-line coupon outcomes.
package classify

import "strings"

// Outcome is the classification of a single output line.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// LineOutcome pairs an output line with its classification.
type LineOutcome struct {
	Text    string  `json:"text"`
	Outcome Outcome `json:"outcome"`
}

// Result holds the counts and ordered line outcomes for one output blob.
type Result struct {
	Succeeded int
	Failed    int
	Lines     []LineOutcome
}

// Classifier classifies the combined output of a grab attempt.
type Classifier interface {
	Classify(output string) Result
}

// Vocabulary is the set of substrings used to recognize outcome lines.
// Failure markers are always checked before success markers.
type Vocabulary struct {
	FailureMarkers []string
	SuccessMarkers []string
}

// DefaultVocabulary matches the output of the coupon claim script.
var DefaultVocabulary = Vocabulary{
	FailureMarkers: []string{"失败", "错误", "异常", "failed", "error", "exception"},
	SuccessMarkers: []string{"成功领取", "successfully claimed"},
}

// MarkerClassifier classifies lines by substring markers.
type MarkerClassifier struct {
	failure []string
	success []string
}

// New returns a MarkerClassifier for the given vocabulary. ASCII letters in
// markers match case-insensitively.
func New(v Vocabulary) *MarkerClassifier {
	return &MarkerClassifier{
		failure: lowerAll(v.FailureMarkers),
		success: lowerAll(v.SuccessMarkers),
	}
}

// Default returns a classifier for DefaultVocabulary.
func Default() *MarkerClassifier {
	return New(DefaultVocabulary)
}

// Classify implements Classifier. Lines are reported in input order; lines
// without any marker are skipped.
func (c *MarkerClassifier) Classify(output string) Result {
	var res Result
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		folded := strings.ToLower(line)

		// A line such as "claim failed: already claimed" mentions both; it is a failure.
		switch {
		case containsAny(folded, c.failure):
			res.Failed++
			res.Lines = append(res.Lines, LineOutcome{Text: line, Outcome: Failed})
		case containsAny(folded, c.success):
			res.Succeeded++
			res.Lines = append(res.Lines, LineOutcome{Text: line, Outcome: Succeeded})
		}
	}
	return res
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		out = append(out, strings.ToLower(s))
	}
	return out
}
