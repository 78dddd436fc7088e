package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndNewf(t *testing.T) {
	err := New("dataset is empty")
	require.Error(t, err)
	assert.Equal(t, "dataset is empty", err.Error())

	err = Newf("iteration %d of %d failed", 3, 10)
	require.Error(t, err)
	assert.Equal(t, "iteration 3 of 10 failed", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := New("connection refused")

	wrapped := Wrap(cause, "open run store")
	assert.Equal(t, "open run store: connection refused", wrapped.Error())
	assert.True(t, Is(wrapped, cause))

	wrapped = Wrapf(cause, "attempt %d", 2)
	assert.Equal(t, "attempt 2: connection refused", wrapped.Error())
	assert.True(t, Is(wrapped, cause))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}

func TestIsDistinguishesCauses(t *testing.T) {
	this := New("this")
	that := New("that")

	wrapped := Wrap(this, "outer")
	assert.True(t, Is(wrapped, this))
	assert.False(t, Is(wrapped, that))
	assert.False(t, Is(nil, this))
}

type scoreError struct {
	row int
}

func (e *scoreError) Error() string {
	return fmt.Sprintf("row %d unscorable", e.row)
}

func TestAsFindsTypedCause(t *testing.T) {
	wrapped := Wrap(&scoreError{row: 7}, "judge stage")

	var se *scoreError
	require.True(t, As(wrapped, &se))
	assert.Equal(t, 7, se.row)
}

func TestHintsSurviveWrapping(t *testing.T) {
	err := WithHint(New("no API key"), "export HONE_LLM_OPENAI_API_KEY")
	err = Wrap(err, "resolve test stage")

	assert.Equal(t, "resolve test stage: no API key", err.Error(),
		"hints must not leak into the message")
	assert.Equal(t, []string{"export HONE_LLM_OPENAI_API_KEY"}, GetAllHints(err))
}

func TestHintNilHandling(t *testing.T) {
	assert.Nil(t, WithHint(nil, "unused"))
	assert.Empty(t, GetAllHints(nil))
}

func TestStackTraceCaptured(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
		check    func(error) bool
	}{
		{"not found", ErrNotFound, IsNotFoundError},
		{"invalid request", ErrInvalidRequest, IsInvalidRequestError},
		{"not configured", ErrNotConfigured, IsNotConfiguredError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.sentinel))
			assert.True(t, tt.check(Wrap(tt.sentinel, "context")))
			assert.False(t, tt.check(nil))
			assert.False(t, tt.check(New("unrelated")))
		})
	}
}

func TestAlreadyExistsIdentity(t *testing.T) {
	err := Wrapf(ErrAlreadyExists, "run %s is already executing", "run_123")

	assert.True(t, Is(err, ErrAlreadyExists))
	assert.Contains(t, err.Error(), "run_123")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("unknown pipeline stage %q", "polish")

	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), `unknown pipeline stage "polish"`)
}

func TestDeepChainKeepsEverything(t *testing.T) {
	base := New("judge returned no score")

	err := Wrap(base, "row 3")
	err = WithHint(err, "check the judge prompt")
	err = Wrap(err, "iteration 2")

	assert.True(t, Is(err, base))
	assert.Equal(t, "iteration 2: row 3: judge returned no score", err.Error())
	assert.Equal(t, []string{"check the judge prompt"}, GetAllHints(err))
}

func ExampleWrap() {
	cause := New("connection failed")
	err := Wrap(cause, "failed to open run store")
	fmt.Println(err)
	// Output: failed to open run store: connection failed
}

func ExampleWithHint() {
	err := WithHint(New("provider not configured"),
		"set llm.openai.api_key in your config file")
	fmt.Println(GetAllHints(err)[0])
	// Output: set llm.openai.api_key in your config file
}
