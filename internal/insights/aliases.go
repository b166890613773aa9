package insights

import "strings"

// Field-name aliasing: provider agents and campaign schemas are inconsistent about
// key casing and truthy encodings, so every boolean-ish signal is read through one
// alias table instead of ad-hoc checks at each call site.

var (
	sentimentAliases = []string{"sentiment", "user_sentiment", "patient_sentiment", "call_sentiment"}

	patientReachedAliases = []string{"patient_reached", "patientReached"}

	voicemailAliases = []string{
		"voicemail_left", "voicemailLeft", "left_voicemail", "leftVoicemail",
		"voicemail", "in_voicemail", "voicemail_detected",
	}

	followUpRequestedAliases = []string{"follow_up_needed", "followUpNeeded", "follow_up_requested", "needs_follow_up"}

	unansweredQuestionsAliases = []string{"unanswered_questions", "has_questions", "patient_questions"}

	// conversionFallbackKeys are consulted only when the campaign defines no main
	// KPI field. Order is the documented precedence.
	conversionFallbackKeys = []string{
		"appointment_confirmed", "appointment_booked", "converted", "conversion",
		"call_successful", "goal_achieved", "success",
	}
)

// lookup returns the first alias present in the analysis map.
func lookup(analysis map[string]any, aliases []string) (any, bool) {
	for _, key := range aliases {
		if v, ok := analysis[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// anyTruthy reports whether any alias carries a truthy value.
func anyTruthy(analysis map[string]any, aliases []string) bool {
	for _, key := range aliases {
		if v, ok := analysis[key]; ok && truthy(v) {
			return true
		}
	}
	return false
}

// truthy normalizes the accepted true representations: boolean true, "true", "yes"
// (case-insensitive), and nonzero numbers.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}
