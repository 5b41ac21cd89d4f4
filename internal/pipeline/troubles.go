package pipeline

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/remux"
	"github.com/varkey/ferryman/internal/route"
)

type (
	TroubleType int

	// Trouble is an operator-visible failure raised against a pipeline
	// item. The embedded error is the underlying cause; the type selects
	// which resolutions an operator may apply.
	Trouble struct {
		error
		tType TroubleType
	}

	ResolutionType int

	RetryResolution            struct{}
	AbortResolution            struct{}
	TransferOriginalResolution struct{}
	SpecifyLanguageResolution  struct{ language media.Language }
)

const (
	InspectFailure TroubleType = iota
	ClassifyFailure
	RemuxFailure
	TransferFailure
	GenericFailure

	Retry ResolutionType = iota
	Abort
	TransferOriginal
	SpecifyLanguage
)

var (
	ErrNoTrouble                     = errors.New("pipeline item has no trouble")
	ErrItemNotFound                  = errors.New("no pipeline item could be found")
	ErrResolutionIncompatible        = errors.New("provided resolution method is not valid for this trouble")
	ErrResolutionIncomplete          = errors.New("provided resolution context is missing information required to resolve the trouble")
	ErrResolutionContextIncompatible = errors.New("trouble resolution failed, consult logs for further information")
)

var allowedResolutionTypes = map[TroubleType][]ResolutionType{
	InspectFailure:  {Abort, Retry, SpecifyLanguage},
	ClassifyFailure: {Abort, Retry},
	RemuxFailure:    {Abort, Retry, TransferOriginal},
	TransferFailure: {Abort, Retry},
	GenericFailure:  {Abort, Retry},
}

// newTrouble classifies an error raised by a pipeline stage into the
// trouble taxonomy. Errors with no recognised type are generic.
func newTrouble(err error) *Trouble {
	var unreadable *media.UnreadableContainerError
	var unclassified *route.UnclassifiedMediaError
	var remuxFailed *remux.RemuxFailedError

	switch {
	case errors.As(err, &unreadable):
		return &Trouble{error: err, tType: InspectFailure}
	case errors.As(err, &unclassified):
		return &Trouble{error: err, tType: ClassifyFailure}
	case errors.As(err, &remuxFailed):
		return &Trouble{error: err, tType: RemuxFailure}
	}

	return &Trouble{error: err, tType: GenericFailure}
}

func newTransferTrouble(err error) *Trouble {
	return &Trouble{error: err, tType: TransferFailure}
}

func (t *Trouble) Type() TroubleType { return t.tType }

func (t *Trouble) AllowedResolutionTypes() []ResolutionType {
	if allowed, ok := allowedResolutionTypes[t.tType]; ok {
		return allowed
	}

	return []ResolutionType{}
}

func (t *Trouble) isResolutionTypeAllowed(resType ResolutionType) bool {
	for _, v := range t.AllowedResolutionTypes() {
		if v == resType {
			return true
		}
	}

	return false
}

// specifyLanguageContext is the shape of the operator-supplied context
// for a SpecifyLanguage resolution.
type specifyLanguageContext struct {
	Language string `mapstructure:"language"`
}

// GenerateResolution validates the requested resolution method against
// this trouble and decodes any required context into a typed resolution.
func (t *Trouble) GenerateResolution(resolutionMethod ResolutionType, context map[string]string) (any, error) {
	if !t.isResolutionTypeAllowed(resolutionMethod) {
		return nil, ErrResolutionIncompatible
	}

	switch resolutionMethod {
	case Abort:
		return &AbortResolution{}, nil
	case Retry:
		return &RetryResolution{}, nil
	case TransferOriginal:
		return &TransferOriginalResolution{}, nil
	case SpecifyLanguage:
		var decoded specifyLanguageContext
		if err := mapstructure.WeakDecode(context, &decoded); err != nil {
			return nil, ErrResolutionContextIncompatible
		}
		if decoded.Language == "" {
			return nil, ErrResolutionIncomplete
		}

		language, ok := media.ParseLanguage(decoded.Language)
		if !ok {
			return nil, fmt.Errorf("%w: language %q is not recognised", ErrResolutionContextIncompatible, decoded.Language)
		}

		return &SpecifyLanguageResolution{language: language}, nil
	default:
		return nil, ErrResolutionIncompatible
	}
}

func (t TroubleType) String() string {
	switch t {
	case InspectFailure:
		return fmt.Sprintf("INSPECT_FAILURE[%d]", int(t))
	case ClassifyFailure:
		return fmt.Sprintf("CLASSIFY_FAILURE[%d]", int(t))
	case RemuxFailure:
		return fmt.Sprintf("REMUX_FAILURE[%d]", int(t))
	case TransferFailure:
		return fmt.Sprintf("TRANSFER_FAILURE[%d]", int(t))
	case GenericFailure:
		return fmt.Sprintf("GENERIC_FAILURE[%d]", int(t))
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(t))
	}
}

func (r ResolutionType) String() string {
	switch r {
	case Retry:
		return fmt.Sprintf("RETRY[%d]", int(r))
	case Abort:
		return fmt.Sprintf("ABORT[%d]", int(r))
	case TransferOriginal:
		return fmt.Sprintf("TRANSFER_ORIGINAL[%d]", int(r))
	case SpecifyLanguage:
		return fmt.Sprintf("SPECIFY_LANGUAGE[%d]", int(r))
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(r))
	}
}
