package synth

import "github.com/rotisserie/eris"

// Iteration failure classes. They are recorded in the trace and drive the
// next iteration's feedback; none of them escapes Run.
var (
	// ErrProvider marks a failed or empty completion.
	ErrProvider = eris.New("synth: completion provider failed")
	// ErrValidation marks generated code rejected by the safety validator.
	ErrValidation = eris.New("synth: generated code failed validation")
	// ErrExecution marks code that threw or timed out in the sandbox.
	ErrExecution = eris.New("synth: generated code failed in the sandbox")
)

// ErrInvalidRequest is returned by CreateSession for a malformed request.
var ErrInvalidRequest = eris.New("synth: invalid session request")
