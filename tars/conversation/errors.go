package conversation

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// ErrorKind classifies why a turn failed.
type ErrorKind int

const (
	ProviderError ErrorKind = iota
	StoreError
	ValidationError
)

func (k ErrorKind) String() string {
	switch k {
	case ProviderError:
		return "provider"
	case StoreError:
		return "store"
	case ValidationError:
		return "validation"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Step names used in TurnError and step metrics.
const (
	StepSeed      = "seed"
	StepValidate  = "validate"
	StepRetrieve  = "retrieve"
	StepSummarize = "summarize"
	StepGenerate  = "generate"
	StepEmbed     = "embed"
	StepPersist   = "persist"
)

// TurnError is the single error a failed turn surfaces. The cause is kept.
type TurnError struct {
	Kind    ErrorKind
	Persona persona.Persona
	Turn    int
	Step    string
	Err     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s turn %d: %s failed (%s error): %v", e.Persona, e.Turn, e.Step, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// KindOf returns the kind of a TurnError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func newTurnError(s State, step string, err error) *TurnError {
	return &TurnError{
		Kind:    classify(step, err),
		Persona: s.Persona,
		Turn:    s.Turn,
		Step:    step,
		Err:     err,
	}
}

func classify(step string, err error) ErrorKind {
	switch {
	case harness.IsValidation(err),
		errors.Is(err, store.ErrInvalidTurn),
		errors.Is(err, store.ErrDimensionMismatch),
		errors.Is(err, store.ErrUnknownPartition):
		return ValidationError
	case step == StepRetrieve || step == StepPersist:
		return StoreError
	default:
		return ProviderError
	}
}
