package evidence

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var metadataSchema []byte

const metadataSchemaURL = "https://proctord.local/schemas/evidence-metadata.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(metadataSchemaURL, bytes.NewReader(metadataSchema)); err != nil {
			compileErr = fmt.Errorf("evidence: load metadata schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(metadataSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("evidence: compile metadata schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// ValidateMetadata checks an encoded envelope against the collector
// contract.
func ValidateMetadata(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("evidence: decode metadata: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("evidence: metadata contract: %w", err)
	}
	return nil
}
