package exam

import "github.com/pavelanni/sqlprobe/internal/model"

// Reason codes reported by Decide.
const (
	ReasonEarlySession = "Early session stabilization."
	ReasonLargeGap     = "Large gap with low confidence."
	ReasonPartial      = "Partial understanding detected."
	ReasonLowGap       = "Low gap with high confidence."
	ReasonDefault      = "Defaulting to open-ended reasoning."
)

// Decide picks mcq or text for the next follow-up from the learner's gap
// score, confidence score, and turn count. Rules are checked in order and
// the first match wins; the branches are not mutually exclusive by score
// alone, so the order is load-bearing.
func Decide(gapScore, confidence float64, turnsSoFar int) (model.FollowupType, string) {
	if turnsSoFar < 2 {
		return model.FollowupMCQ, ReasonEarlySession
	}
	if gapScore >= 0.6 && confidence <= 0.4 {
		return model.FollowupMCQ, ReasonLargeGap
	}
	if gapScore >= 0.4 && confidence < 0.6 {
		return model.FollowupMCQ, ReasonPartial
	}
	if gapScore < 0.4 && confidence >= 0.6 {
		return model.FollowupText, ReasonLowGap
	}
	return model.FollowupText, ReasonDefault
}

// followupMode is the post-stabilization branch inside the exam flow. It is
// deliberately distinct from Decide: it ignores confidence and counts turns
// from the stored session log rather than an explicit caller-supplied count.
func followupMode(gapScore float64, loggedTurns int) model.FollowupType {
	if gapScore >= 0.4 || loggedTurns < 2 {
		return model.FollowupMCQ
	}
	return model.FollowupText
}
