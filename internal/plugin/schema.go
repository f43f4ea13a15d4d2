package plugin

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema validates plugin configuration against the JSON schema a
// manifest declares.
type configSchema struct {
	schema *gojsonschema.Schema
}

func compileSchema(raw []byte) (*configSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return &configSchema{schema: s}, nil
}

// validate returns nil when cfg conforms. A nil schema accepts anything.
func (s *configSchema) validate(cfg Config) error {
	if s == nil {
		return nil
	}
	doc := map[string]any(cfg)
	if doc == nil {
		doc = map[string]any{}
	}
	res, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("config does not match schema: %s", strings.Join(msgs, "; "))
}
