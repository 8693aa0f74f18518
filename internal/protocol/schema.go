package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://crawlparty.io/schemas/"

// Schemas validates inbound client frames before they are decoded into typed
// payloads.
type Schemas struct {
	envelope *jsonschema.Schema
	byType   map[string]*jsonschema.Schema
}

func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}

	s := &Schemas{byType: map[string]*jsonschema.Schema{}}
	if s.envelope, err = c.Compile(schemaBase + "envelope.schema.json"); err != nil {
		return nil, fmt.Errorf("compile envelope: %w", err)
	}
	for _, typ := range []string{TypeHello, TypeAction, TypeChat, TypeQuickCommand, TypePause, TypeControl} {
		sch, err := c.Compile(schemaBase + typ + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", typ, err)
		}
		s.byType[typ] = sch
	}
	return s, nil
}

// Validate checks a raw client frame against the envelope schema and the
// payload schema for its type.
func (s *Schemas) Validate(frame []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if err := s.envelope.Validate(v); err != nil {
		return fmt.Errorf("%w: %s", ErrBadFrame, firstLine(err))
	}
	obj := v.(map[string]any)
	typ, _ := obj["type"].(string)
	sch := s.byType[typ]
	if sch == nil {
		return fmt.Errorf("%w: no schema for %q", ErrBadFrame, typ)
	}
	if err := sch.Validate(obj["data"]); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBadFrame, typ, firstLine(err))
	}
	return nil
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
