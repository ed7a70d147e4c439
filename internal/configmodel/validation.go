package configmodel

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// variationShape is a narrow, validator-tagged projection of a variation
// node used only to catch a misconfigured "type" before it reaches
// inheritance resolution and the resolver dispatch it would otherwise
// fail much later, deeper in the request path.
type variationShape struct {
	Type string `validate:"required,oneof=personalize-recommender personalize-campaign model-endpoint function http"`
}

// actionShape validates the action bucket names a recommender's
// variations/experiments live under.
type actionShape struct {
	Action string `validate:"required,oneof=recommend-items related-items rerank-items"`
}

var validate = validator.New()

// ValidateVariationType checks a variation node's "type" field is one of
// the four recognized backends (spec.md §3 invariants).
func ValidateVariationType(variation Node) error {
	t, _ := variation["type"].(string)
	if err := validate.Struct(variationShape{Type: t}); err != nil {
		return fmt.Errorf("configmodel: invalid variation type %q: %w", t, err)
	}
	return nil
}

// ValidateAction checks an action bucket name is one of the three
// recognized recommendation verbs.
func ValidateAction(action string) error {
	if err := validate.Struct(actionShape{Action: action}); err != nil {
		return fmt.Errorf("configmodel: invalid action %q: %w", action, err)
	}
	return nil
}
