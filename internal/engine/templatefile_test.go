package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/domain"
)

func TestParseTemplateFile(t *testing.T) {
	in, err := ParseTemplateFile([]byte(`
name: Candidate intake
subject: Tell us about yourself
fields:
  - id: full_name
    label: Full name
    type: text
    required: true
  - id: level
    label: Level
    type: radio
    options: [junior, senior]
`))
	require.NoError(t, err)
	assert.Equal(t, "Candidate intake", in.Name)
	require.Len(t, in.Fields, 2)
	assert.Equal(t, domain.FieldRadio, in.Fields[1].Type)
	assert.True(t, in.Fields[0].Required)
	assert.Equal(t, []string{"junior", "senior"}, in.Fields[1].Options)
}

func TestParseTemplateFileSchemaErrors(t *testing.T) {
	_, err := ParseTemplateFile([]byte(`
name: Broken
fields:
  - id: a
    label: A
    type: color
`))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "fields[0].type")

	_, err = ParseTemplateFile([]byte(`fields: []`))
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Fields)
}

func TestParseTemplateFileFieldRules(t *testing.T) {
	_, err := ParseTemplateFile([]byte(`
name: Missing options
fields:
  - id: level
    label: Level
    type: select
`))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "fields[0].options")
}

func TestParseTemplateFileRejectsBadYAML(t *testing.T) {
	_, err := ParseTemplateFile([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrValidationFailed)
}
