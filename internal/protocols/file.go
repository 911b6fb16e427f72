package protocols

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-utm/internal/data"
)

//go:embed schema.cue
var schemaCUE []byte

// Schema returns the CUE schema custom protocol files are checked against.
func Schema() []byte {
	out := make([]byte, len(schemaCUE))
	copy(out, schemaCUE)
	return out
}

type fileProtocol struct {
	ID            string `yaml:"id"`
	data.Protocol `yaml:",inline"`
}

type protocolFile struct {
	Protocols []fileProtocol `yaml:"protocols"`
}

// Validate checks a protocol file body against the embedded schema.
func Validate(filename string, body []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if schema.Err() != nil {
		return fmt.Errorf("compile protocol schema: %w", schema.Err())
	}

	f, err := cueyaml.Extract(filename, body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	doc := ctx.BuildFile(f)
	if doc.Err() != nil {
		return fmt.Errorf("build %s: %w", filename, doc.Err())
	}

	final := schema.LookupPath(cue.ParsePath("#ProtocolFile")).Unify(doc)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Parse validates body and decodes it. Protocols without an id get a stable
// one derived from their type and severity. Two entries for the same key are
// rejected.
func Parse(filename string, body []byte) ([]data.Protocol, error) {
	if err := Validate(filename, body); err != nil {
		return nil, err
	}

	var pf protocolFile
	if err := yaml.Unmarshal(body, &pf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}

	seen := make(map[string]bool, len(pf.Protocols))
	out := make([]data.Protocol, 0, len(pf.Protocols))
	for i, fp := range pf.Protocols {
		p := fp.Protocol
		key := string(p.EmergencyType) + "/" + string(p.Severity)
		if seen[key] {
			return nil, fmt.Errorf("%s: protocols[%d]: duplicate protocol for %s", filename, i, key)
		}
		seen[key] = true

		if fp.ID != "" {
			id, err := uuid.Parse(fp.ID)
			if err != nil {
				return nil, fmt.Errorf("%s: protocols[%d]: invalid id: %w", filename, i, err)
			}
			p.ID = id
		} else {
			p.ID = protocolID(SourceFile, p.EmergencyType, p.Severity)
		}
		ApplyDefaults(&p, SourceFile)
		out = append(out, p)
	}
	return out, nil
}

// ApplyDefaults fills the optional fields of a custom protocol.
func ApplyDefaults(p *data.Protocol, source string) {
	if p.ConfirmationTimeoutSeconds == 0 {
		p.ConfirmationTimeoutSeconds = data.DefaultConfirmationTimeoutSeconds
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	p.IsActive = true
	p.Source = source
}

// ValidateProtocol checks a single protocol, such as one submitted through the
// API, against the protocol file schema.
func ValidateProtocol(p data.Protocol) error {
	entry := map[string]any{
		"name":                    p.Name,
		"emergency_type":          string(p.EmergencyType),
		"severity":                string(p.Severity),
		"response_action":         string(p.ResponseAction),
		"requires_confirmation":   p.RequiresConfirmation,
		"auto_execute_on_timeout": p.AutoExecuteOnTimeout,
		"notify_operator":         p.NotifyOperator,
		"notify_sms":              p.NotifySMS,
		"notify_email":            p.NotifyEmail,
	}
	if p.FallbackAction != "" {
		entry["fallback_action"] = string(p.FallbackAction)
	}
	if p.ConfirmationTimeoutSeconds != 0 {
		entry["confirmation_timeout_seconds"] = p.ConfirmationTimeoutSeconds
	}
	if p.Priority != 0 {
		entry["priority"] = p.Priority
	}
	if len(p.Thresholds) > 0 {
		entry["thresholds"] = p.Thresholds
	}
	if len(p.Conditions) > 0 {
		entry["conditions"] = p.Conditions
	}

	body, err := yaml.Marshal(map[string]any{"protocols": []any{entry}})
	if err != nil {
		return fmt.Errorf("encode protocol: %w", err)
	}
	return Validate("protocol", body)
}

// LoadFile reads and parses a protocol file. A missing file is not an error
// and yields no protocols.
func LoadFile(path string) ([]data.Protocol, error) {
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(path, body)
}
