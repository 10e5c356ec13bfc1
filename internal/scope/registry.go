package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard as an identity key applies to every unregistered identity; as a
// code it grants every requested code.
const Wildcard = "*"

// Registry maps a caller identity to the partition codes it may see.
type Registry map[string][]string

// Allowed returns the codes registered for identity, falling back to the
// wildcard entry when the identity is missing or has no codes.
func (r Registry) Allowed(identity string) ([]string, bool) {
	if codes := r[identity]; len(codes) > 0 {
		return codes, true
	}
	codes := r[Wildcard]
	return codes, len(codes) > 0
}

// ParseRegistry decodes a JSON or YAML mapping. Values may be a list of codes
// or a comma-packed string.
func ParseRegistry(raw []byte) (Registry, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("scope: parse registry: %w", err)
	}
	if doc == nil {
		return nil, errors.New("scope: registry is empty")
	}
	reg := make(Registry, len(doc))
	for identity, v := range doc {
		identity = strings.TrimSpace(identity)
		if identity == "" {
			continue
		}
		switch t := v.(type) {
		case string:
			reg[identity] = NormalizeCodes(t)
		case []any:
			vals := make([]string, 0, len(t))
			for _, x := range t {
				vals = append(vals, fmt.Sprint(x))
			}
			reg[identity] = NormalizeCodes(vals...)
		case int:
			reg[identity] = NormalizeCodes(fmt.Sprint(t))
		default:
			return nil, fmt.Errorf("scope: registry entry %q has unsupported type %T", identity, v)
		}
	}
	return reg, nil
}

// Source loads the identity registry.
type Source interface {
	Load(ctx context.Context) (Registry, error)
}

// StaticSource serves raw registry content, typically from an environment variable.
type StaticSource struct {
	Raw string
}

func (s StaticSource) Load(_ context.Context) (Registry, error) {
	if strings.TrimSpace(s.Raw) == "" {
		return nil, errors.New("scope: registry content is empty")
	}
	return ParseRegistry([]byte(s.Raw))
}

// FileSource reads a JSON or YAML registry file.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) (Registry, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("scope: read registry file: %w", err)
	}
	return ParseRegistry(raw)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamSource reads the registry from a parameter store entry.
type ParamSource struct {
	Getter ParamGetter
	Name   string
}

func (s ParamSource) Load(ctx context.Context) (Registry, error) {
	if s.Getter == nil {
		return nil, errors.New("scope: param getter is nil")
	}
	raw, err := s.Getter.GetParameter(ctx, s.Name)
	if err != nil {
		return nil, fmt.Errorf("scope: load registry param: %w", err)
	}
	return ParseRegistry([]byte(raw))
}
