package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"formline/internal/domain"
)

//go:embed schema/template.json
var templateSchemaJSON []byte

var (
	templateSchemaOnce sync.Once
	templateSchema     *jsonschema.Schema
	templateSchemaErr  error
)

func compiledTemplateSchema() (*jsonschema.Schema, error) {
	templateSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(templateSchemaJSON))
		if err != nil {
			templateSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("template.json", doc); err != nil {
			templateSchemaErr = err
			return
		}
		templateSchema, templateSchemaErr = c.Compile("template.json")
	})
	return templateSchema, templateSchemaErr
}

// ParseTemplateFile reads a YAML or JSON template definition. The document is
// checked against the template schema before the field rules run, so both
// structural and semantic problems come back as one ValidationError.
func ParseTemplateFile(data []byte) (TemplateInput, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return TemplateInput{}, fmt.Errorf("parse template file: %w", err)
	}
	// Round-trip through JSON so the validator sees plain JSON values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return TemplateInput{}, fmt.Errorf("parse template file: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return TemplateInput{}, fmt.Errorf("parse template file: %w", err)
	}
	sch, err := compiledTemplateSchema()
	if err != nil {
		return TemplateInput{}, fmt.Errorf("template schema: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return TemplateInput{}, schemaFieldErrors(ve)
		}
		return TemplateInput{}, err
	}

	var in TemplateInput
	if err := json.Unmarshal(asJSON, &in); err != nil {
		return TemplateInput{}, fmt.Errorf("decode template file: %w", err)
	}
	if err := ValidateFields(in.Fields); err != nil {
		return TemplateInput{}, err
	}
	return in, nil
}

var schemaPrinter = message.NewPrinter(language.English)

// schemaFieldErrors flattens a schema failure into one message per instance location.
func schemaFieldErrors(ve *jsonschema.ValidationError) error {
	verr := &domain.ValidationError{}
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			verr.Add(instancePath(e.InstanceLocation), e.ErrorKind.LocalizedString(schemaPrinter))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if err := verr.OrNil(); err != nil {
		return err
	}
	return ve
}

// instancePath renders ["fields","1","type"] as fields[1].type.
func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "template"
	}
	var b strings.Builder
	for i, seg := range loc {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
