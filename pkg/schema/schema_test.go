package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/twinerr"
)

func testSubmodels() []SubmodelDoc {
	return []SubmodelDoc{{
		ID:      "urn:sm:operations",
		IDShort: "Operations",
		SubmodelElements: []Element{
			{
				ModelType: "Operation",
				IDShort:   "SetSpeed",
				Description: []LangString{
					{Language: "en", Text: "Set the pump speed in rpm"},
				},
				Qualifiers: []Qualifier{{Type: QualifierRiskLevel, Value: "HIGH"}},
				InputVariables: []Variable{
					{Value: Property{IDShort: "rpm", ValueType: "xs:int"}},
				},
			},
			{
				ModelType: "Operation",
				IDShort:   "EmergencyStop",
				Qualifiers: []Qualifier{
					{Type: QualifierRiskLevel, Value: "CRITICAL"},
					{Type: QualifierDelegationURL, Value: "http://opservice:9090"},
				},
			},
			{
				ModelType: "SubmodelElementCollection",
				IDShort:   "Thermal",
				Value: []Element{
					{
						ModelType: "Operation",
						IDShort:   "SetTemperature",
						InputVariables: []Variable{
							{Value: Property{IDShort: "celsius", ValueType: "xs:double"}},
							{Value: Property{IDShort: "hold", ValueType: "xs:boolean"}},
						},
					},
				},
			},
			{ModelType: "Property", IDShort: "NotATool"},
		},
	}}
}

func TestFromSubmodels(t *testing.T) {
	tools, err := FromSubmodels(testSubmodels())
	require.NoError(t, err)
	require.Len(t, tools, 3)

	byName := make(map[string]ToolSpec, len(tools))
	for _, tl := range tools {
		byName[tl.Name] = tl
	}

	setSpeed := byName["SetSpeed"]
	assert.Equal(t, "urn:sm:operations", setSpeed.SubmodelID)
	assert.Equal(t, "SetSpeed", setSpeed.OperationPath)
	assert.Equal(t, policy.RiskHigh, setSpeed.Risk)
	assert.Equal(t, "Set the pump speed in rpm", setSpeed.Description)
	assert.JSONEq(t, `{
		"type":"object",
		"properties":{"rpm":{"type":"integer"}},
		"required":["rpm"],
		"additionalProperties":false
	}`, string(setSpeed.InputSchema))

	stop := byName["EmergencyStop"]
	assert.Equal(t, policy.RiskCritical, stop.Risk)
	assert.Equal(t, "http://opservice:9090", stop.DelegationURL)

	// Nested operation gets a slash-joined path and defaults to MEDIUM.
	setTemp := byName["SetTemperature"]
	assert.Equal(t, "Thermal/SetTemperature", setTemp.OperationPath)
	assert.Equal(t, policy.RiskMedium, setTemp.Risk)
}

func TestFromSubmodels_DuplicateName(t *testing.T) {
	docs := testSubmodels()
	docs = append(docs, SubmodelDoc{
		ID: "urn:sm:other",
		SubmodelElements: []Element{
			{ModelType: "Operation", IDShort: "SetSpeed"},
		},
	})
	_, err := FromSubmodels(docs)
	assert.True(t, twinerr.Is(err, twinerr.CodeMalformedInput))
}

func TestFromSubmodels_BadRiskQualifier(t *testing.T) {
	docs := []SubmodelDoc{{
		ID: "urn:sm:x",
		SubmodelElements: []Element{{
			ModelType:  "Operation",
			IDShort:    "Op",
			Qualifiers: []Qualifier{{Type: QualifierRiskLevel, Value: "EXTREME"}},
		}},
	}}
	_, err := FromSubmodels(docs)
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	tools, err := FromSubmodels(testSubmodels())
	require.NoError(t, err)
	v, err := NewValidator(tools)
	require.NoError(t, err)

	assert.NoError(t, v.Validate("SetSpeed", map[string]any{"rpm": 1200}))

	err = v.Validate("SetSpeed", map[string]any{"rpm": "fast"})
	assert.True(t, twinerr.Is(err, twinerr.CodeMalformedInput))

	err = v.Validate("SetSpeed", map[string]any{})
	assert.True(t, twinerr.Is(err, twinerr.CodeMalformedInput), "required argument missing")

	err = v.Validate("SetSpeed", map[string]any{"rpm": 1200, "extra": true})
	assert.True(t, twinerr.Is(err, twinerr.CodeMalformedInput), "additionalProperties is false")

	err = v.Validate("NoSuchTool", nil)
	assert.True(t, twinerr.Is(err, twinerr.CodeNotFound))

	// No inputs declared: empty arguments pass, anything else fails.
	assert.NoError(t, v.Validate("EmergencyStop", nil))
	assert.Error(t, v.Validate("EmergencyStop", map[string]any{"x": 1}))
}
