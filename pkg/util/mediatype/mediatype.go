// Package mediatype parses and formats IANA media types as used in Content-Type headers.
//
// The standard library's mime package parses media types but has no container for them and no notion of suffixes.
// This package wraps it, providing those functions.
package mediatype

import (
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const (
	HeaderContentType = "Content-Type"
)

var (
	JSON           = &MediaType{Type: "application", Subtype: "json"}
	OctetStream    = &MediaType{Type: "application", Subtype: "octet-stream"}
	ErrNoMediaType = errors.New("mediatype: no media type")
)

// See: https://en.wikipedia.org/wiki/Media_type
type MediaType struct {
	Parameters map[string]string
	Type       string
	Subtype    string
	Suffix     string
}

// Identifier returns type and subtype without suffix and parameters.
func (m *MediaType) Identifier() string {
	return m.Type + "/" + m.Subtype
}

// Is reports whether m has the identifier id, ignoring suffix and parameters.
func (m *MediaType) Is(id string) bool {
	return m != nil && strings.EqualFold(m.Identifier(), id)
}

func (m *MediaType) String() string {
	if m == nil {
		return ""
	}
	var builder strings.Builder
	builder.WriteString(m.Type + "/" + m.Subtype)
	if len(m.Suffix) > 0 {
		builder.WriteString("+" + m.Suffix)
	}
	return mime.FormatMediaType(builder.String(), m.Parameters)
}

func SetContentTypeHeader(m *MediaType, w http.ResponseWriter) {
	w.Header().Set(HeaderContentType, m.String())
}

// FromHeader parses the Content-Type of h. It returns ErrNoMediaType if the header is absent.
func FromHeader(h http.Header) (*MediaType, error) {
	val := h.Get(HeaderContentType)
	if len(val) == 0 {
		return nil, ErrNoMediaType
	}
	return Parse(val)
}

func Parse(s string) (*MediaType, error) {
	identifier, params, err := mime.ParseMediaType(s)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var mediaType, subType, suffix string
	if pos := strings.Index(identifier, "+"); pos >= 0 {
		suffix = identifier[pos+1:]
		identifier = identifier[:pos]
	}
	if pos := strings.Index(identifier, "/"); pos >= 0 {
		mediaType = identifier[:pos]
		subType = identifier[pos+1:]
	}
	return &MediaType{
		Parameters: params,
		Subtype:    subType,
		Type:       mediaType,
		Suffix:     suffix,
	}, nil
}
