// Package tools carries the two tool declarations the relay exposes to
// inference back-ends and the dispatcher that resolves their invocations.
package tools

// Declaration is an OpenAI-style function tool declaration.
type Declaration struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes one callable function with a JSON-Schema parameter
// object.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool names recognized by the dispatcher.
const (
	NameGenerateImage = "generate_image"
	NameWebSearch     = "web_search"
)

// Declarations returns the full tool set offered on tool-enabled turns.
func Declarations() []Declaration {
	return []Declaration{
		{
			Type: "function",
			Function: Function{
				Name:        NameGenerateImage,
				Description: "Generate an image from a text prompt. Use when the user asks for a picture, artwork, or visual.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "Detailed description of the image to generate",
							"minLength":   1,
							"maxLength":   2000,
						},
						"orientation": map[string]any{
							"type":        "string",
							"enum":        []any{"portrait", "landscape"},
							"description": "Aspect of the generated image, portrait unless the subject calls for landscape",
						},
					},
					"required": []any{"prompt"},
				},
			},
		},
		{
			Type: "function",
			Function: Function{
				Name:        NameWebSearch,
				Description: "Search the web for current information and return a text summary.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query",
							"minLength":   1,
						},
					},
					"required": []any{"query"},
				},
			},
		},
	}
}

// Schema keywords some back-ends reject. The compatibility filter strips these
// before a declaration is sent to such a back-end.
var unsupportedSchemaKeywords = map[string]struct{}{
	"minimum":          {},
	"maximum":          {},
	"exclusiveMinimum": {},
	"exclusiveMaximum": {},
	"minLength":        {},
	"maxLength":        {},
	"minItems":         {},
	"maxItems":         {},
	"pattern":          {},
	"format":           {},
}

// CompatibilityFilter deep-copies the declarations and strips JSON-Schema
// bounds keywords unsupported by compatibility-limited back-ends. The
// originals are never mutated.
func CompatibilityFilter(decls []Declaration) []Declaration {
	filtered := make([]Declaration, len(decls))
	for i, decl := range decls {
		filtered[i] = decl
		filtered[i].Function.Parameters = filterSchema(decl.Function.Parameters)
	}
	return filtered
}

func filterSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if _, drop := unsupportedSchemaKeywords[key]; drop {
			continue
		}
		out[key] = filterValue(value)
	}
	return out
}

func filterValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return filterSchema(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = filterValue(item)
		}
		return out
	default:
		return v
	}
}
