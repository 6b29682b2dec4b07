// Package barcode decodes the TCGA-style barcode embedded in slide filenames.
//
// A slide filename has the shape
//
//	<barcode>.<uuid>.<extension>
//
// where <barcode> is a dash-delimited identifier such as
// TCGA-02-0001-01C-01-DX1. Parsing is pure: no I/O, no shared state.
package barcode

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPrefix is the organization token every barcode must start with.
const DefaultPrefix = "TCGA"

const minFields = 6

var (
	// ErrMalformedBasename reports a filename that is not <barcode>.<uuid>.<ext>.
	ErrMalformedBasename = errors.New("malformed basename")
	// ErrTooFewFields reports a barcode with fewer than six dash-delimited tokens.
	ErrTooFewFields = fmt.Errorf("%w: barcode has fewer than %d fields", ErrMalformedBasename, minFields)
	// ErrUnexpectedPrefix reports a barcode whose first token is not the organization prefix.
	ErrUnexpectedPrefix = errors.New("unexpected organization prefix")
)

// ParseError identifies the basename that failed to parse.
type ParseError struct {
	Basename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Basename, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Identity is the structured metadata decoded from one slide filename.
type Identity struct {
	Basename    string `json:"basename"`
	Barcode     string `json:"barcode"`
	TSS         string `json:"tss"`
	Participant string `json:"participant"`
	Sample      string `json:"sample"`
	Vial        string `json:"vial"`
	Portion     string `json:"portion"`
	Slide       string `json:"slide"`
	SlideOrder  string `json:"slide_order"`
	SlideType   string `json:"slide_type"`
	// GroupKey names the destination folder (the case): TSS-Participant.
	GroupKey string `json:"group_key"`
	// ItemKey names the destination item: the token between barcode and extension.
	ItemKey string `json:"item_key"`
}

// Metadata flattens the identity into the key set attached to ingested items.
func (id Identity) Metadata(originalURL string) map[string]string {
	return map[string]string{
		"OriginalUrl": originalURL,
		"FullBarcode": id.Barcode,
		"TSS":         id.TSS,
		"Participant": id.Participant,
		"Sample":      id.Sample,
		"Vial":        id.Vial,
		"Portion":     id.Portion,
		"Slide":       id.Slide,
		"SlideOrder":  id.SlideOrder,
		"SlideType":   id.SlideType,
	}
}

// Parser decodes barcodes that start with Prefix.
type Parser struct {
	Prefix string
}

// NewParser returns a Parser for the given organization prefix. An empty
// prefix selects DefaultPrefix.
func NewParser(prefix string) Parser {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Parser{Prefix: prefix}
}

// Parse decodes a basename. Failures are always *ParseError.
func (p Parser) Parse(basename string) (Identity, error) {
	parts := strings.Split(basename, ".")
	if len(parts) != 3 {
		return Identity{}, &ParseError{Basename: basename, Err: ErrMalformedBasename}
	}
	code, item := parts[0], parts[1]

	fields := strings.Split(code, "-")
	if fields[0] != p.prefix() {
		return Identity{}, &ParseError{
			Basename: basename,
			Err:      fmt.Errorf("%w: got %q, want %q", ErrUnexpectedPrefix, fields[0], p.prefix()),
		}
	}
	if len(fields) < minFields {
		return Identity{}, &ParseError{Basename: basename, Err: ErrTooFewFields}
	}

	// Sub-fields are fixed two-character heads; shorter tokens degrade to
	// partial or empty values rather than failing.
	sample, vial := splitAt(fields[3], 2)
	portion, _ := splitAt(fields[4], 2)
	slide, order := splitAt(fields[5], 2)

	return Identity{
		Basename:    basename,
		Barcode:     code,
		TSS:         fields[1],
		Participant: fields[2],
		Sample:      sample,
		Vial:        vial,
		Portion:     portion,
		Slide:       slide,
		SlideOrder:  order,
		SlideType:   SlideTypeLabel(slide),
		GroupKey:    fields[1] + "-" + fields[2],
		ItemKey:     item,
	}, nil
}

// ParseURL parses the last path segment of a file URL.
func (p Parser) ParseURL(fileURL string) (Identity, error) {
	return p.Parse(Basename(fileURL))
}

// Basename returns the component after the final slash.
func Basename(fileURL string) string {
	if i := strings.LastIndex(fileURL, "/"); i >= 0 {
		return fileURL[i+1:]
	}
	return fileURL
}

func (p Parser) prefix() string {
	if p.Prefix == "" {
		return DefaultPrefix
	}
	return p.Prefix
}

func splitAt(s string, n int) (string, string) {
	if len(s) <= n {
		return s, ""
	}
	return s[:n], s[n:]
}
