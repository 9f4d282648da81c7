package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// executionCommandSchema covers RETRY_STEP and SKIP_STEP on execution/{drillID}.
const executionCommandSchema = `{
  "type": "object",
  "required": ["type", "step_id"],
  "properties": {
    "type": {"enum": ["RETRY_STEP", "SKIP_STEP"]},
    "step_id": {"type": "string", "minLength": 1},
    "scenario_id": {"type": "string"}
  },
  "additionalProperties": false
}`

// testRunCommandSchema covers ABORT_RUN on scenario_test/{scenarioID}.
const testRunCommandSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["ABORT_RUN"]}
  },
  "additionalProperties": false
}`

// CommandValidator validates inbound websocket commands
type CommandValidator struct {
	execution *gojsonschema.Schema
	testRun   *gojsonschema.Schema
}

// NewCommandValidator compiles the command schemas.
func NewCommandValidator() (*CommandValidator, error) {
	execution, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(executionCommandSchema))
	if err != nil {
		return nil, fmt.Errorf("compile execution command schema: %w", err)
	}
	testRun, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(testRunCommandSchema))
	if err != nil {
		return nil, fmt.Errorf("compile test run command schema: %w", err)
	}
	return &CommandValidator{execution: execution, testRun: testRun}, nil
}

// ValidateExecution checks a command sent on an execution topic.
func (v *CommandValidator) ValidateExecution(data []byte) error {
	return validate(v.execution, data)
}

// ValidateTestRun checks a command sent on a scenario test topic.
func (v *CommandValidator) ValidateTestRun(data []byte) error {
	return validate(v.testRun, data)
}

func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid command: %s", strings.Join(msgs, "; "))
}
