package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/varkey/ferryman/internal/media"
	"github.com/varkey/ferryman/internal/remux"
	"github.com/varkey/ferryman/internal/route"
)

func Test_NewTrouble_ClassifiesStageErrors(t *testing.T) {
	tests := []struct {
		summary  string
		err      error
		expected TroubleType
	}{
		{
			summary:  "unreadable container",
			err:      &media.UnreadableContainerError{Path: "/watch/a.mkv"},
			expected: InspectFailure,
		},
		{
			summary:  "wrapped unreadable container",
			err:      fmt.Errorf("stage failed: %w", &media.UnreadableContainerError{Path: "/watch/a.mkv"}),
			expected: InspectFailure,
		},
		{
			summary:  "unclassified media",
			err:      &route.UnclassifiedMediaError{Path: "/watch/b.mkv"},
			expected: ClassifyFailure,
		},
		{
			summary:  "failed remux",
			err:      &remux.RemuxFailedError{Source: "/watch/c.mkv", Output: "muxer exploded"},
			expected: RemuxFailure,
		},
		{
			summary:  "unrecognised error",
			err:      errors.New("the database fell over"),
			expected: GenericFailure,
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			trouble := newTrouble(test.err)
			assert.Equal(t, test.expected, trouble.Type())
			assert.Equal(t, test.err.Error(), trouble.Error())
		})
	}
}

func Test_NewTransferTrouble_AlwaysTransferFailure(t *testing.T) {
	trouble := newTransferTrouble(errors.New("share unreachable"))
	assert.Equal(t, TransferFailure, trouble.Type())
}

func Test_Trouble_AllowedResolutionTypes(t *testing.T) {
	tests := []struct {
		tType   TroubleType
		allowed []ResolutionType
	}{
		{tType: InspectFailure, allowed: []ResolutionType{Abort, Retry, SpecifyLanguage}},
		{tType: ClassifyFailure, allowed: []ResolutionType{Abort, Retry}},
		{tType: RemuxFailure, allowed: []ResolutionType{Abort, Retry, TransferOriginal}},
		{tType: TransferFailure, allowed: []ResolutionType{Abort, Retry}},
		{tType: GenericFailure, allowed: []ResolutionType{Abort, Retry}},
	}

	for _, test := range tests {
		t.Run(test.tType.String(), func(t *testing.T) {
			trouble := &Trouble{error: errors.New("boom"), tType: test.tType}
			assert.ElementsMatch(t, test.allowed, trouble.AllowedResolutionTypes())
		})
	}
}

func Test_GenerateResolution_ValidatesMethodAgainstTroubleType(t *testing.T) {
	tests := []struct {
		summary  string
		tType    TroubleType
		method   ResolutionType
		context  map[string]string
		expected any
		err      error
	}{
		{
			summary:  "retry on a transfer failure",
			tType:    TransferFailure,
			method:   Retry,
			expected: &RetryResolution{},
		},
		{
			summary:  "abort on a generic failure",
			tType:    GenericFailure,
			method:   Abort,
			expected: &AbortResolution{},
		},
		{
			summary:  "transfer original on a remux failure",
			tType:    RemuxFailure,
			method:   TransferOriginal,
			expected: &TransferOriginalResolution{},
		},
		{
			summary: "transfer original rejected on an inspect failure",
			tType:   InspectFailure,
			method:  TransferOriginal,
			err:     ErrResolutionIncompatible,
		},
		{
			summary: "specify language rejected on a remux failure",
			tType:   RemuxFailure,
			method:  SpecifyLanguage,
			err:     ErrResolutionIncompatible,
		},
		{
			summary:  "specify language with a bucket name",
			tType:    InspectFailure,
			method:   SpecifyLanguage,
			context:  map[string]string{"language": "malayalam"},
			expected: &SpecifyLanguageResolution{language: media.LangMalayalam},
		},
		{
			summary:  "specify language with an ISO tag",
			tType:    InspectFailure,
			method:   SpecifyLanguage,
			context:  map[string]string{"language": "ml"},
			expected: &SpecifyLanguageResolution{language: media.LangMalayalam},
		},
		{
			summary: "specify language with no context",
			tType:   InspectFailure,
			method:  SpecifyLanguage,
			err:     ErrResolutionIncomplete,
		},
		{
			summary: "specify language with an empty language",
			tType:   InspectFailure,
			method:  SpecifyLanguage,
			context: map[string]string{"language": ""},
			err:     ErrResolutionIncomplete,
		},
		{
			summary: "specify language with an unknown language",
			tType:   InspectFailure,
			method:  SpecifyLanguage,
			context: map[string]string{"language": "klingon"},
			err:     ErrResolutionContextIncompatible,
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			trouble := &Trouble{error: errors.New("boom"), tType: test.tType}
			resolution, err := trouble.GenerateResolution(test.method, test.context)

			if test.err != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, test.err)
				assert.Nil(t, resolution)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expected, resolution)
		})
	}
}
