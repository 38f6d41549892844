package planner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aetherhq/aether/pkg/models"
)

//go:embed plan.schema.json
var planSchemaJSON []byte

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parsing embedded plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		panic(fmt.Sprintf("adding plan schema resource: %v", err))
	}
	s, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compiling plan schema: %v", err))
	}
	return s
}

// ValidatePlan checks a planner-produced plan against the wire schema.
func ValidatePlan(plan *models.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decoding plan for validation: %w", err)
	}
	if err := planSchema.Validate(inst); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	return nil
}
