package insights

import "strings"

// Insights are derived post-call signals used for row tagging and run metrics.
type Insights struct {
	Sentiment      Sentiment `json:"sentiment"`
	FollowUpNeeded bool      `json:"followUpNeeded"`
	FollowUpReason string    `json:"followUpReason,omitempty"`
	PatientReached bool      `json:"patientReached"`
	VoicemailLeft  bool      `json:"voicemailLeft"`
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Follow-up reasons, in cause priority order.
const (
	reasonExplicitRequest = "Follow-up explicitly requested"
	reasonQuestions       = "Patient had unanswered questions"
	reasonUnreachable     = "Patient could not be reached"
	reasonNegative        = "Negative sentiment detected"
	reasonCallback        = "Callback request detected in transcript"
)

var callbackPhrases = []string{"call me back", "callback", "call back", "call me tomorrow", "call me later"}

var positiveWords = []string{
	"great", "good", "thank", "thanks", "appreciate", "wonderful", "perfect",
	"helpful", "happy", "excellent", "yes",
}

var negativeWords = []string{
	"bad", "angry", "upset", "frustrated", "annoyed", "terrible", "awful",
	"complaint", "cancel", "unhappy", "no",
}

// Extract derives insights from a transcript and a merged analysis map.
// It never fails: malformed input degrades to the all-default result, since this
// runs inside the webhook pipeline and must not abort it.
func Extract(transcript string, analysis map[string]any) Insights {
	out := Insights{Sentiment: SentimentNeutral}
	if analysis == nil {
		analysis = map[string]any{}
	}

	if v, ok := lookup(analysis, sentimentAliases); ok {
		if s, ok := v.(string); ok {
			ls := strings.ToLower(s)
			if strings.Contains(ls, "positive") {
				out.Sentiment = SentimentPositive
			} else if strings.Contains(ls, "negative") {
				out.Sentiment = SentimentNegative
			}
		}
	}

	out.PatientReached = anyTruthy(analysis, patientReachedAliases)
	out.VoicemailLeft = anyTruthy(analysis, voicemailAliases)

	// Follow-up causes in priority order; the first match sets the reason.
	// The unreachable cause only applies when structured analysis exists at all; a
	// call with no analysis payload is judged on its transcript instead.
	switch {
	case anyTruthy(analysis, followUpRequestedAliases):
		out.FollowUpNeeded = true
		out.FollowUpReason = reasonExplicitRequest
	case anyTruthy(analysis, unansweredQuestionsAliases):
		out.FollowUpNeeded = true
		out.FollowUpReason = reasonQuestions
	case len(analysis) > 0 && !out.PatientReached:
		out.FollowUpNeeded = true
		out.FollowUpReason = reasonUnreachable
	case out.Sentiment == SentimentNegative:
		out.FollowUpNeeded = true
		out.FollowUpReason = reasonNegative
	}

	if transcript != "" {
		out = augmentFromTranscript(out, transcript)
	}
	return out
}

func augmentFromTranscript(in Insights, transcript string) Insights {
	out := in
	lt := strings.ToLower(transcript)

	if !out.FollowUpNeeded {
		for _, phrase := range callbackPhrases {
			if strings.Contains(lt, phrase) {
				out.FollowUpNeeded = true
				out.FollowUpReason = reasonCallback
				break
			}
		}
	}

	if out.Sentiment == SentimentNeutral {
		pos := countOccurrences(lt, positiveWords)
		neg := countOccurrences(lt, negativeWords)
		// Positive needs a clear margin; negative wins on a strict majority.
		if pos > neg+1 {
			out.Sentiment = SentimentPositive
		} else if neg > pos {
			out.Sentiment = SentimentNegative
		}
	}
	return out
}

func countOccurrences(text string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(text, w)
	}
	return n
}

// ResolveConversion decides whether the call converted. The campaign's main-KPI
// fields take precedence; the fixed fallback key list applies only when the
// campaign defines none.
func ResolveConversion(analysis map[string]any, kpiKeys []string) bool {
	if analysis == nil {
		return false
	}
	if len(kpiKeys) > 0 {
		for _, key := range kpiKeys {
			if v, ok := analysis[key]; ok && truthy(v) {
				return true
			}
		}
		return false
	}
	for _, key := range conversionFallbackKeys {
		if v, ok := analysis[key]; ok && truthy(v) {
			return true
		}
	}
	return false
}
