package core

// Sandbox artifact binary layout (spec §6): a length-prefixed section
// container rather than hand-assembled WASM bytes, since emitting valid WASM
// without an assembler dependency the pack does not carry would be
// unverifiable without running the toolchain (see DESIGN.md). This is the
// only artifact format the VM executes; real .wasm ingestion was dropped
// (see DESIGN.md, "Dropped teacher domain dependencies").

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

const artifactMagic = "ICN1"

// Well-known section names.
const (
	SectionMetadata  = "icn-metadata"
	SectionCCLConfig = "icn-ccl-config"
	SectionDSLInput  = "icn-dsl-input"
	SectionCode      = "code"
)

// MetadataInfo is the always-present icn-metadata section payload.
type MetadataInfo struct {
	TemplateType        string            `json:"template_type"`
	TemplateVersion      string            `json:"template_version"`
	Action               string            `json:"action"`
	CallerDID            DID               `json:"caller_did,omitempty"`
	CompilationTimestamp string            `json:"compilation_timestamp"`
	ExecutionID          string            `json:"execution_id,omitempty"`
	DSLFields            map[string]string `json:"dsl_fields,omitempty"`
}

// Instruction is one opcode of the compiler's target language: the
// teacher's PUSH/STORE/LOAD/LOG set extended with LOGBYFLAG, CALLHOST,
// RETSTATUSNZ and RETSTATUS so compiled bodies can invoke the host ABI and
// return a status.
type Instruction struct {
	_    struct{} `cbor:",toarray"`
	Op   string
	Args []string
}

func instr(op string, args ...string) Instruction {
	return Instruction{Op: op, Args: args}
}

// CodeSection holds the named function bodies ("_start", "invoke") a
// compiled artifact exports.
type CodeSection struct {
	Functions map[string][]Instruction
}

// Artifact is a decoded sandbox module: ordered sections plus the parsed
// code body, ready for the VM to execute.
type Artifact struct {
	Sections map[string][]byte
	Code     CodeSection
}

// section is the on-the-wire [name-len][name][body-len][body] unit.
func writeSection(buf *bytes.Buffer, name string, body []byte) {
	nameB := []byte(name)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nameB)))
	buf.Write(lenBuf[:])
	buf.Write(nameB)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
}

// EncodeArtifact serializes sections (in the given order) and the code
// section into the binary layout the VM loader expects.
func EncodeArtifact(order []string, sections map[string][]byte, code CodeSection) ([]byte, error) {
	codeBytes, err := dagEncMode.Marshal(code.Functions)
	if err != nil {
		return nil, wrapErr(KindEncoding, "encode code section", err)
	}
	buf := &bytes.Buffer{}
	buf.WriteString(artifactMagic)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(order)+1))
	buf.Write(countBuf[:])
	for _, name := range order {
		writeSection(buf, name, sections[name])
	}
	writeSection(buf, SectionCode, codeBytes)
	return buf.Bytes(), nil
}

// DecodeArtifact parses the binary layout back into an Artifact.
func DecodeArtifact(raw []byte) (Artifact, error) {
	if len(raw) < len(artifactMagic)+4 || string(raw[:len(artifactMagic)]) != artifactMagic {
		return Artifact{}, wrapErr(KindEncoding, "bad artifact magic", nil)
	}
	pos := len(artifactMagic)
	count := binary.BigEndian.Uint32(raw[pos : pos+4])
	pos += 4

	sections := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(raw) {
			return Artifact{}, wrapErr(KindEncoding, "truncated artifact (name length)", nil)
		}
		nameLen := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+nameLen > len(raw) {
			return Artifact{}, wrapErr(KindEncoding, "truncated artifact (name)", nil)
		}
		name := string(raw[pos : pos+nameLen])
		pos += nameLen
		if pos+4 > len(raw) {
			return Artifact{}, wrapErr(KindEncoding, "truncated artifact (body length)", nil)
		}
		bodyLen := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+bodyLen > len(raw) {
			return Artifact{}, wrapErr(KindEncoding, "truncated artifact (body)", nil)
		}
		sections[name] = raw[pos : pos+bodyLen]
		pos += bodyLen
	}

	a := Artifact{Sections: sections}
	if codeRaw, ok := sections[SectionCode]; ok {
		var funcs map[string][]Instruction
		if err := cbor.Unmarshal(codeRaw, &funcs); err != nil {
			return Artifact{}, wrapErr(KindEncoding, "decode code section", err)
		}
		a.Code = CodeSection{Functions: funcs}
	}
	return a, nil
}

// Metadata decodes and returns the artifact's icn-metadata section.
func (a Artifact) Metadata() (MetadataInfo, error) {
	raw, ok := a.Sections[SectionMetadata]
	if !ok {
		return MetadataInfo{}, wrapErr(KindValidation, "missing icn-metadata section", nil)
	}
	var m MetadataInfo
	if err := json.Unmarshal(raw, &m); err != nil {
		return MetadataInfo{}, wrapErr(KindEncoding, "decode icn-metadata", err)
	}
	return m, nil
}
