package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/domain"
)

func TestExtractEmbeddedJSON(t *testing.T) {
	body := "Hi, here you go:\n\n{\"name\": \"Jane Doe\", \"email\": \"jane@x.com\", \"note\": \"uses {braces}\"}\n\nThanks\nName: ignored"
	got, ok := Extract(body)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "Jane Doe", "email": "jane@x.com", "note": "uses {braces}"}, got)
}

func TestExtractSkipsInvalidJSONCandidates(t *testing.T) {
	body := "see {this} then {\"years\": 5, \"skills\": [\"go\", \"sql\"], \"meta\": {\"a\": 1}}"
	got, ok := Extract(body)
	require.True(t, ok)
	assert.Equal(t, 5.0, got["years"])
	assert.Equal(t, []any{"go", "sql"}, got["skills"])
	assert.Equal(t, `{"a":1}`, got["meta"])
}

func TestExtractKeyValueLines(t *testing.T) {
	got, ok := Extract("Name: Jane Doe\nEmail: jane@x.com\n")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "Jane Doe", "email": "jane@x.com"}, got)
}

func TestExtractNormalizesKeysAndStripsHistory(t *testing.T) {
	body := "Hello,\r\n\r\nFull Name: Jane Doe\r\n- Phone Number: +1 555 010 9999\r\nStart date : 2024-03-01\r\nPortfolio: https://jane.dev\r\nhttps://jane.dev/cv\r\n\r\nOn Mon, Jan 1, 2024 at 9:00 AM Recruiter <r@agency.example> wrote:\r\n> Full name: \r\n> Email: \r\nEmail: quoted@x.com\r\n"
	got, ok := Extract(body)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"full_name":    "Jane Doe",
		"phone_number": "+1 555 010 9999",
		"start_date":   "2024-03-01",
		"portfolio":    "https://jane.dev",
	}, got)
}

func TestExtractNothing(t *testing.T) {
	_, ok := Extract("Thanks, I will fill the form later.\n\n> Name:\n")
	assert.False(t, ok)
	_, ok = Extract("")
	assert.False(t, ok)
	_, ok = Extract("{}")
	assert.False(t, ok)
}

func TestMapToFields(t *testing.T) {
	fields := []domain.FieldSpec{
		{ID: "full_name", Label: "Full name", Type: domain.FieldText},
		{ID: "email", Label: "Email address", Type: domain.FieldEmail},
		{ID: "phoneNumber", Label: "Phone", Type: domain.FieldTel},
	}
	got := mapToFields(map[string]any{
		"full_name":     "Jane",
		"email_address": "jane@x.com",
		"phonenumber":   "+1 555 010 9999",
		"unknown":       "x",
	}, fields)
	assert.Equal(t, map[string]any{"full_name": "Jane", "email": "jane@x.com", "phoneNumber": "+1 555 010 9999"}, got)
}

func TestMapToFieldsPrefersExactID(t *testing.T) {
	fields := []domain.FieldSpec{{ID: "email", Label: "Email", Type: domain.FieldEmail}}
	got := mapToFields(map[string]any{"email": "exact@x.com", "Email": "label@x.com"}, fields)
	assert.Equal(t, "exact@x.com", got["email"])
}
