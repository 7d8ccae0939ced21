package tslxml

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWellFormednessValidatorAcceptsWellFormedXML(t *testing.T) {
	v := WellFormednessValidator{}
	err := v.Validate([]byte(`<?xml version="1.0"?><root><child>text</child></root>`))
	require.NoError(t, err)
}

func TestWellFormednessValidatorRejectsMalformedXML(t *testing.T) {
	v := WellFormednessValidator{}
	err := v.Validate([]byte(`<root><child>text</root>`))
	require.Error(t, err)
}

func TestWellFormednessValidatorRejectsTruncatedXML(t *testing.T) {
	v := WellFormednessValidator{}
	err := v.Validate([]byte(`<root><child>text`))
	require.Error(t, err)
}
