package core

// CCL -> bytecode compiler (spec §4.3), grounded on the teacher's
// governance.go proposal-to-action pipeline, generalized from a fixed
// proposal action set to the schema-registry-driven pipeline below.

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CompileConfig is the policy configuration half of a compile call: a
// template descriptor plus its rule body (opaque to the compiler beyond
// the template_type/version it carries).
type CompileConfig struct {
	TemplateType    string
	TemplateVersion string
	RuleBody        Payload
}

// CompileOptions controls non-semantic compiler behavior.
type CompileOptions struct {
	Debug       bool
	CallerDID   DID
	ExecutionID string
	// Timestamp overrides the compilation_timestamp embedded in
	// icn-metadata for reproducible builds (spec §4.3 determinism contract).
	Timestamp *time.Time
}

// Compiler translates a CompileConfig and input payload into a sandbox
// artifact. It is explicitly constructed (spec §9: no ambient singletons)
// over an immutable SchemaRegistry.
type Compiler struct {
	schema *SchemaRegistry
	log    *logrus.Logger
}

func NewCompiler(schema *SchemaRegistry, log *logrus.Logger) *Compiler {
	if schema == nil {
		schema = NewSchemaRegistry(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Compiler{schema: schema, log: log}
}

func toStringValue(p Payload) (string, bool) {
	switch v := p.(type) {
	case string:
		return v, true
	case []byte:
		return base64.StdEncoding.EncodeToString(v), true
	default:
		return "", false
	}
}

// Compile runs the four-stage pipeline of spec §4.3 and returns the
// encoded artifact bytes. Given identical config, input, and options with
// the same Timestamp override set, the output is byte-identical; without the
// override, the embedded compilation_timestamp differs between calls.
func (c *Compiler) Compile(config CompileConfig, input map[string]Payload, options CompileOptions) ([]byte, error) {
	// 1. Action extraction.
	action := "unknown"
	if raw, ok := input["action"]; ok {
		if s, ok := toStringValue(raw); ok {
			action = s
		}
	}

	// 2. Schema validation (spec §4.3 point 2): an unrecognized action is
	// rejected under a known template, and an absent action field is no
	// exception — it resolves to the literal "unknown" action, which is
	// never registered under any template, so it is rejected here rather
	// than falling through to synthesis.
	fields, ok := c.schema.RequiredFields(config.TemplateType, action)
	if !ok {
		return nil, wrapErr(KindValidation, fmt.Sprintf("action %q not recognized for template %q", action, config.TemplateType), nil)
	}
	for _, f := range fields {
		v, present := input[f]
		if !present || v == nil {
			return nil, wrapErr(KindValidation, fmt.Sprintf("missing required field %q for action %q", f, action), ErrMissingField)
		}
	}

	// 3. Metadata construction.
	ts := time.Now().UTC()
	if options.Timestamp != nil {
		ts = options.Timestamp.UTC()
	}
	dslFields := make(map[string]string)
	for k, v := range input {
		if k == "action" {
			continue
		}
		if s, ok := toStringValue(v); ok {
			dslFields["dsl_"+k] = s
		}
	}
	meta := MetadataInfo{
		TemplateType:          config.TemplateType,
		TemplateVersion:       config.TemplateVersion,
		Action:                action,
		CallerDID:             options.CallerDID,
		CompilationTimestamp:  ts.Format(time.RFC3339Nano),
		ExecutionID:           options.ExecutionID,
		DSLFields:             dslFields,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, wrapErr(KindEncoding, "marshal icn-metadata", err)
	}

	// 4. Artifact synthesis.
	sections := map[string][]byte{SectionMetadata: metaBytes}
	order := []string{SectionMetadata}
	if options.Debug {
		cfgBytes, err := json.Marshal(config)
		if err != nil {
			return nil, wrapErr(KindEncoding, "marshal icn-ccl-config", err)
		}
		inputBytes, err := json.Marshal(input)
		if err != nil {
			return nil, wrapErr(KindEncoding, "marshal icn-dsl-input", err)
		}
		sections[SectionCCLConfig] = cfgBytes
		sections[SectionDSLInput] = inputBytes
		order = append(order, SectionCCLConfig, SectionDSLInput)
	}

	code, err := c.synthesizeCode(config, action, input)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{"template_type": config.TemplateType, "action": action}).Debug("compiled artifact")
	return EncodeArtifact(order, sections, code)
}

func (c *Compiler) synthesizeCode(config CompileConfig, action string, input map[string]Payload) (CodeSection, error) {
	descriptor := fmt.Sprintf("%s v%s", config.TemplateType, config.TemplateVersion)
	start := []Instruction{instr("LOG", "info", descriptor)}

	var invoke []Instruction
	switch action {
	case "store_data":
		key, _ := toStringValue(input["key_cid"])
		value, _ := toStringValue(input["value"])
		invoke = []Instruction{
			instr("PUSH", key),
			instr("PUSH", value),
			instr("CALLHOST", "host_storage_put", "2", "put_result"),
			instr("RETSTATUSNZ", "put_result"),
		}
	case "get_data":
		key, _ := toStringValue(input["key_cid"])
		invoke = []Instruction{
			instr("PUSH", key),
			instr("CALLHOST", "host_storage_get", "1", "get_result"),
			instr("LOGBYFLAG", "get_result", "Data found", "Data not found"),
			instr("RETSTATUSNZ", "get_result"),
		}
	case "propose_membership", "propose_budget":
		invoke = []Instruction{instr("RETSTATUS", "0")}
	default:
		invoke = []Instruction{instr("RETSTATUS", "1")}
	}

	return CodeSection{Functions: map[string][]Instruction{
		"_start": start,
		"invoke": invoke,
	}}, nil
}
