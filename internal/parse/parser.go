// Package parse extracts a classification label from inference-service
// response text. Absence of a parseable label is a normal outcome that
// routes the item into human review; it is never an error.
package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/seclab/vulnreview/constants"
)

// BuildResultSchema returns the JSON-Schema the structured portion of a
// response must satisfy. The result vocabulary depends on the run kind.
func BuildResultSchema(kind constants.RunKind) map[string]any {
	vocab := []string{"vulnerable", "not vulnerable", "not relevant"}
	if kind == constants.KindFunction {
		vocab = []string{"vulnerable", "not vulnerable"}
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"result"},
		"properties": map[string]any{
			"result": map[string]any{
				"type": "string",
				"enum": vocab,
			},
		},
	}
}

// Parser turns free-form or structured response text into a label.
type Parser struct {
	kind   constants.RunKind
	schema *jsonschema.Schema
	logger *slog.Logger
}

func New(kind constants.RunKind, logger *slog.Logger) (*Parser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := json.Marshal(BuildResultSchema(kind))
	if err != nil {
		return nil, fmt.Errorf("marshal result schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add result schema: %w", err)
	}
	schema, err := compiler.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &Parser{kind: kind, schema: schema, logger: logger}, nil
}

// Parse attempts structured extraction first and falls back to phrase
// matching. ok=false means unparsed, which is distinct from any label
// value and feeds arbitration.
func (p *Parser) Parse(text string) (constants.Label, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if label, ok := p.fromJSON(text); ok {
		p.logger.Debug("parse.json_ok", "label", label.Describe())
		return label, true
	}
	if label, ok := p.fromPhrases(text); ok {
		p.logger.Debug("parse.phrase_ok", "label", label.Describe())
		return label, true
	}
	p.logger.Debug("parse.unparsed", "text_len", len(text))
	return 0, false
}

// fromJSON validates the response (or the object embedded in it)
// against the result schema and maps the result string to a label.
func (p *Parser) fromJSON(text string) (constants.Label, bool) {
	candidate := stripFences(text)
	if i, j := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); i >= 0 && j > i {
		candidate = candidate[i : j+1]
	}
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return 0, false
	}
	if err := p.schema.Validate(v); err != nil {
		return 0, false
	}
	result := v.(map[string]any)["result"].(string)
	return p.labelFor(strings.ToLower(result))
}

// fromPhrases matches the expected wording anywhere in the response.
// Negated forms are checked first; "not vulnerable" contains
// "vulnerable".
func (p *Parser) fromPhrases(text string) (constants.Label, bool) {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "not vulnerable") {
		return constants.LabelNotVulnerable, true
	}
	if p.kind != constants.KindFunction && strings.Contains(lower, "not relevant") {
		return constants.LabelNotRelevant, true
	}
	if strings.Contains(lower, "vulnerable") {
		return constants.LabelVulnerable, true
	}
	return 0, false
}

func (p *Parser) labelFor(result string) (constants.Label, bool) {
	switch result {
	case "vulnerable":
		return constants.LabelVulnerable, true
	case "not vulnerable":
		return constants.LabelNotVulnerable, true
	case "not relevant":
		if p.kind == constants.KindFunction {
			return 0, false
		}
		return constants.LabelNotRelevant, true
	default:
		return 0, false
	}
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := text[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
