package policy

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema is the structural shape of a PrivExecPolicy document,
// checked ahead of the domain invariants in Load. It catches the generic
// mistakes (wrong type, missing top-level field, unknown ParamRule.type)
// with a precise diagnosis instead of an ad hoc type-assertion walk,
// mirroring the division of labor PolicyFirewall.AllowTool uses in the
// retrieval pack: schema validates shape, handwritten code validates
// semantics.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "policyName", "version", "defaultAction", "security", "allowedCommands"],
  "properties": {
    "schemaVersion": {"type": "integer"},
    "policyName": {"type": "string"},
    "version": {"type": "integer"},
    "defaultAction": {"type": "string"},
    "security": {
      "type": "object",
      "required": ["requireSignature", "requireDeviceBinding", "requireNonce"],
      "properties": {
        "requireSignature": {"type": "boolean"},
        "signatureAlgorithm": {"type": "string"},
        "requireDeviceBinding": {"type": "boolean"},
        "requireNonce": {"type": "boolean"},
        "nonceTtlSeconds": {"type": "integer"},
        "maxClockSkewSeconds": {"type": "integer"},
        "sessionTtlSeconds": {"type": "integer"},
        "publicKeys": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "allowedCommands": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "enabled", "requiresSession"],
        "properties": {
          "name": {"type": "string"},
          "enabled": {"type": "boolean"},
          "requiresSession": {"type": "boolean"},
          "riskLevel": {"type": "string"},
          "params": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"enum": ["string", "bool", "int", "path"]}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledDocumentSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://privexecd.local/schema/policy.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(documentSchemaJSON)); err != nil {
		panic("policy: invalid embedded schema: " + err.Error())
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic("policy: schema compile failed: " + err.Error())
	}
	compiledDocumentSchema = compiled
}

// validateShape checks raw (a generically-decoded JSON value, as produced
// by json.Unmarshal into an any) against documentSchema.
func validateShape(raw any) error {
	return compiledDocumentSchema.Validate(raw)
}
