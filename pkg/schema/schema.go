// Package schema derives the tool catalog from AAS submodel metadata.
// Every Operation element becomes a ToolSpec with a JSON Schema for its
// input arguments, mapped from the XSD value types of the operation's
// input variables. Qualifiers carry risk and delegation hints.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/twinerr"
)

// Qualifier types recognized on Operation elements.
const (
	QualifierRiskLevel     = "RiskLevel"
	QualifierDelegationURL = "DelegationUrl"
)

// ToolSpec describes one invokable operation to the selector and kernel.
type ToolSpec struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	InputSchema   json.RawMessage  `json:"input_schema"`
	SubmodelID    string           `json:"submodel_id"`
	OperationPath string           `json:"operation_path"`
	Risk          policy.RiskLevel `json:"risk"`
	DelegationURL string           `json:"delegation_url,omitempty"`
}

// AAS metadata shapes, reduced to the fields the walk needs.

type SubmodelDoc struct {
	ID               string    `json:"id"`
	IDShort          string    `json:"idShort"`
	SubmodelElements []Element `json:"submodelElements"`
}

type Element struct {
	ModelType      string       `json:"modelType"`
	IDShort        string       `json:"idShort"`
	Description    []LangString `json:"description,omitempty"`
	Qualifiers     []Qualifier  `json:"qualifiers,omitempty"`
	InputVariables []Variable   `json:"inputVariables,omitempty"`
	Value          []Element    `json:"value,omitempty"` // collection children
}

type LangString struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

type Qualifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Variable struct {
	Value Property `json:"value"`
}

type Property struct {
	IDShort     string       `json:"idShort"`
	ValueType   string       `json:"valueType"`
	Description []LangString `json:"description,omitempty"`
}

// FromSubmodels walks the submodel documents and builds the catalog.
// Operations nested in collections get slash-joined paths.
func FromSubmodels(docs []SubmodelDoc) ([]ToolSpec, error) {
	var tools []ToolSpec
	seen := make(map[string]string)
	for _, doc := range docs {
		if doc.ID == "" {
			return nil, twinerr.New(twinerr.CodeMissingField, "submodel document has no id")
		}
		for _, el := range doc.SubmodelElements {
			if err := walk(doc.ID, "", el, &tools, seen); err != nil {
				return nil, err
			}
		}
	}
	return tools, nil
}

func walk(submodelID, prefix string, el Element, tools *[]ToolSpec, seen map[string]string) error {
	path := el.IDShort
	if prefix != "" {
		path = prefix + "/" + el.IDShort
	}

	switch el.ModelType {
	case "Operation":
		if el.IDShort == "" {
			return twinerr.New(twinerr.CodeMissingField,
				"operation in %s at %q has no idShort", submodelID, prefix)
		}
		if prev, dup := seen[el.IDShort]; dup {
			return twinerr.New(twinerr.CodeMalformedInput,
				"duplicate operation name %q in %s and %s", el.IDShort, prev, submodelID)
		}
		seen[el.IDShort] = submodelID

		spec, err := buildSpec(submodelID, path, el)
		if err != nil {
			return err
		}
		*tools = append(*tools, spec)
	case "SubmodelElementCollection", "SubmodelElementList":
		for _, child := range el.Value {
			if err := walk(submodelID, path, child, tools, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildSpec(submodelID, path string, el Element) (ToolSpec, error) {
	spec := ToolSpec{
		Name:          el.IDShort,
		Description:   englishText(el.Description),
		SubmodelID:    submodelID,
		OperationPath: path,
		Risk:          policy.RiskMedium,
	}
	for _, q := range el.Qualifiers {
		switch q.Type {
		case QualifierRiskLevel:
			r, err := policy.ParseRisk(strings.ToUpper(q.Value))
			if err != nil {
				return ToolSpec{}, fmt.Errorf("operation %s: %w", el.IDShort, err)
			}
			spec.Risk = r
		case QualifierDelegationURL:
			spec.DelegationURL = q.Value
		}
	}

	properties := make(map[string]any, len(el.InputVariables))
	required := make([]string, 0, len(el.InputVariables))
	for _, v := range el.InputVariables {
		p := v.Value
		if p.IDShort == "" {
			return ToolSpec{}, twinerr.New(twinerr.CodeMissingField,
				"operation %s has an input variable without idShort", el.IDShort)
		}
		prop := map[string]any{"type": jsonType(p.ValueType)}
		if d := englishText(p.Description); d != "" {
			prop["description"] = d
		}
		properties[p.IDShort] = prop
		required = append(required, p.IDShort)
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ToolSpec{}, fmt.Errorf("operation %s: encoding input schema: %w", el.IDShort, err)
	}
	spec.InputSchema = raw
	return spec, nil
}

// jsonType maps XSD value types onto JSON Schema types. Unknown types fall
// back to string, which the twin-side validation will still catch.
func jsonType(xsd string) string {
	switch strings.TrimPrefix(xsd, "xs:") {
	case "int", "integer", "long", "short", "byte",
		"unsignedInt", "unsignedLong", "unsignedShort", "unsignedByte",
		"nonNegativeInteger", "positiveInteger":
		return "integer"
	case "double", "float", "decimal":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

func englishText(ls []LangString) string {
	for _, l := range ls {
		if l.Language == "en" || strings.HasPrefix(l.Language, "en-") {
			return l.Text
		}
	}
	if len(ls) > 0 {
		return ls[0].Text
	}
	return ""
}
