package synth

// Feedback is what the next generation request learns from the previous
// pass. It is one of NoFeedback, ErrorFeedback or ImprovementFeedback.
type Feedback interface {
	feedback()
}

// NoFeedback is used on the first iteration and after provider failures
// that left nothing to report.
type NoFeedback struct{}

// ErrorFeedback carries a validation or execution error verbatim together
// with the code that produced it. The model is asked to fix that defect.
type ErrorFeedback struct {
	Text string
	Code string
}

// ImprovementFeedback carries the evaluator's report and the best code so
// far. The model is asked to raise coverage.
type ImprovementFeedback struct {
	Text string
	Code string
}

func (NoFeedback) feedback()          {}
func (ErrorFeedback) feedback()       {}
func (ImprovementFeedback) feedback() {}

// feedbackKind names the variant for logs and trace details.
func feedbackKind(f Feedback) string {
	switch f.(type) {
	case ErrorFeedback:
		return "error"
	case ImprovementFeedback:
		return "improvement"
	default:
		return "none"
	}
}
