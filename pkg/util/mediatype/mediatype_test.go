package mediatype

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testCase struct {
	input  string
	valid  bool
	parsed *MediaType
}

var testCases = []testCase{
	{ // simple
		input: "application/json",
		valid: true,
		parsed: &MediaType{
			Type:       "application",
			Subtype:    "json",
			Parameters: map[string]string{},
		},
	},
	{ // vendor type
		input: "application/vnd.awslambda.http-integration-response",
		valid: true,
		parsed: &MediaType{
			Type:       "application",
			Subtype:    "vnd.awslambda.http-integration-response",
			Parameters: map[string]string{},
		},
	},
	{ // media type with suffix
		input: "application/problem+json; charset=utf-8",
		valid: true,
		parsed: &MediaType{
			Type:    "application",
			Subtype: "problem",
			Suffix:  "json",
			Parameters: map[string]string{
				"charset": "utf-8",
			},
		},
	},
	{ // invalid
		input: "application/json; =",
		valid: false,
	},
}

func TestParse(t *testing.T) {
	for i, testCase := range testCases {
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			mt, err := Parse(testCase.input)
			if !testCase.valid {
				assert.Error(t, err)
				assert.Nil(t, mt)
				return
			}
			assert.NoError(t, err)
			assert.EqualValues(t, testCase.parsed, mt)

			// Test formatting (assuming that the input is correctly formatted)
			assert.Equal(t, testCase.input, mt.String())
		})
	}
}

func TestFromHeader(t *testing.T) {
	mt, err := FromHeader(http.Header{HeaderContentType: []string{"application/json; charset=utf-8"}})
	assert.NoError(t, err)
	assert.True(t, mt.Is("application/json"))
	assert.False(t, mt.Is("text/plain"))

	_, err = FromHeader(http.Header{})
	assert.Equal(t, ErrNoMediaType, err)

	var nilType *MediaType
	assert.False(t, nilType.Is("application/json"))
	assert.Equal(t, "", nilType.String())
}
