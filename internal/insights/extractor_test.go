package insights

import "testing"

func TestExtractReachedWithVoicemailFlag(t *testing.T) {
	got := Extract("", map[string]any{
		"patient_reached":    "true",
		"voicemail_detected": true,
	})
	if !got.PatientReached {
		t.Fatalf("expected patientReached")
	}
	if !got.VoicemailLeft {
		t.Fatalf("expected voicemailLeft")
	}
	if got.Sentiment != SentimentNeutral {
		t.Fatalf("expected neutral sentiment, got %q", got.Sentiment)
	}
	if got.FollowUpNeeded {
		t.Fatalf("reached patient must not force follow-up, got reason %q", got.FollowUpReason)
	}
}

func TestExtractCallbackPhraseInTranscript(t *testing.T) {
	got := Extract("please call me back tomorrow", map[string]any{})
	if !got.FollowUpNeeded {
		t.Fatalf("expected follow-up")
	}
	if got.FollowUpReason != "Callback request detected in transcript" {
		t.Fatalf("unexpected reason %q", got.FollowUpReason)
	}
}

func TestExtractSentimentAliasesAndPriority(t *testing.T) {
	got := Extract("", map[string]any{"user_sentiment": "Very Positive", "patient_reached": true})
	if got.Sentiment != SentimentPositive {
		t.Fatalf("expected positive from alias, got %q", got.Sentiment)
	}

	got = Extract("", map[string]any{"call_sentiment": "negative", "patient_reached": "yes"})
	if got.Sentiment != SentimentNegative {
		t.Fatalf("expected negative, got %q", got.Sentiment)
	}
	if !got.FollowUpNeeded || got.FollowUpReason != "Negative sentiment detected" {
		t.Fatalf("negative sentiment must force follow-up, got %+v", got)
	}
}

func TestExtractFollowUpCausePriority(t *testing.T) {
	got := Extract("", map[string]any{
		"follow_up_needed": true,
		"call_sentiment":   "negative",
	})
	if got.FollowUpReason != "Follow-up explicitly requested" {
		t.Fatalf("explicit request must win, got %q", got.FollowUpReason)
	}

	got = Extract("", map[string]any{"unanswered_questions": "yes", "patient_reached": false})
	if got.FollowUpReason != "Patient had unanswered questions" {
		t.Fatalf("questions must outrank unreachable, got %q", got.FollowUpReason)
	}

	got = Extract("", map[string]any{"some_field": 1})
	if got.FollowUpReason != "Patient could not be reached" {
		t.Fatalf("unreached must be flagged when analysis exists, got %q", got.FollowUpReason)
	}
}

func TestExtractTranscriptKeywordTally(t *testing.T) {
	// Positive needs a margin greater than one.
	got := Extract("thank you, that was great, really helpful, wonderful", map[string]any{"patient_reached": true})
	if got.Sentiment != SentimentPositive {
		t.Fatalf("expected positive from tally, got %q", got.Sentiment)
	}

	// A strict negative majority wins.
	got = Extract("this is terrible and I want to cancel", map[string]any{"patient_reached": true})
	if got.Sentiment != SentimentNegative {
		t.Fatalf("expected negative from tally, got %q", got.Sentiment)
	}
}

func TestExtractNeverPanicsOnOddShapes(t *testing.T) {
	got := Extract("", map[string]any{
		"sentiment":       42,
		"patient_reached": []any{"yes"},
		"voicemail":       map[string]any{"x": 1},
	})
	if got.Sentiment != SentimentNeutral || got.PatientReached || got.VoicemailLeft {
		t.Fatalf("odd shapes must degrade to defaults, got %+v", got)
	}
}

func TestTruthyForms(t *testing.T) {
	for _, v := range []any{true, "true", "TRUE", "yes", " Yes ", 1, float64(2)} {
		if !truthy(v) {
			t.Fatalf("expected truthy for %v", v)
		}
	}
	for _, v := range []any{false, "false", "no", "", 0, float64(0), nil, []any{}} {
		if truthy(v) {
			t.Fatalf("expected falsy for %v", v)
		}
	}
}

func TestResolveConversionPrecedence(t *testing.T) {
	analysis := map[string]any{
		"appointment_confirmed": true,
		"custom_kpi":            false,
	}
	// Campaign KPI path first: flagged field is false, so no conversion even
	// though a fallback key is truthy.
	if ResolveConversion(analysis, []string{"custom_kpi"}) {
		t.Fatalf("campaign KPI must take precedence over fallback keys")
	}
	// Without campaign KPIs the fallback list applies.
	if !ResolveConversion(analysis, nil) {
		t.Fatalf("fallback key should convert")
	}
	if ResolveConversion(map[string]any{"unrelated": true}, nil) {
		t.Fatalf("no conversion signal expected")
	}
}
