package tslxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// WellFormednessValidator is the concrete SchemaValidator wired into
// production: it rejects malformed XML by fully decoding the document with
// encoding/xml. It does not check the document against the ETSI TS 119 612
// XSD itself — no repo in the retrieved pack carries a schema-validation or
// XML-canonicalization library (see DESIGN.md) — so structural conformance
// beyond well-formedness is left to Parse's own field-level checks.
type WellFormednessValidator struct{}

func (WellFormednessValidator) Validate(xmlBytes []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	dec.CharsetReader = charsetReader
	for {
		_, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("malformed TSL XML: %w", err)
		}
	}
}
