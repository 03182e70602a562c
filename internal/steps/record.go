package steps

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
)

// ErrorKey is the envelope field that marks a failed step.
const ErrorKey = "error"

// Step names
const (
	Complexity = "complexity"
	Plan       = "plan"
	SearchPlan = "search_plan"
	Search     = "search"
	Insight    = "insight"
	AnswerPlan = "answer_plan"
	Answer     = "answer"
)

// Record is the uniform input/output envelope of every external step.
type Record map[string]interface{}

// ErrorRecord builds an output envelope carrying only an error message.
func ErrorRecord(msg string) Record {
	return Record{ErrorKey: msg}
}

// ErrorMessage returns the populated error field, if any.
func (r Record) ErrorMessage() string {
	if r == nil {
		return ""
	}
	switch v := r[ErrorKey].(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprint(v)
	}
}

// Err returns the populated error field as an *ExternalStepError for step, or nil.
func (r Record) Err(step string) error {
	if msg := r.ErrorMessage(); msg != "" {
		return &ExternalStepError{Step: step, Message: msg}
	}
	return nil
}

// Keys returns the record's field names, sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExternalStepError is an external step reporting failure, either through its
// error field or by returning a Go error.
type ExternalStepError struct {
	Step    string
	Message string
}

func (e *ExternalStepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

// Decode maps an output record onto a typed struct using its json tags.
// Numbers, single values for slices and nested records are converted leniently.
func Decode(in Record, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(map[string]interface{}(in)); err != nil {
		return fmt.Errorf("failed to decode step output: %w", err)
	}
	return nil
}
