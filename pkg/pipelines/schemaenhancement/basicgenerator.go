package schemaenhancement

import (
	"bytes"
	"context"
	"fmt"
)

// BasicGenerator is a minimal Generator that appends a static JSON-LD
// WebPage block. Real schema production (crawling the DOM, inferring
// entity type, validating against schema.org) is an external collaborator
// per this package's doc comment; this implementation exists so the
// pipeline is runnable out of the box.
type BasicGenerator struct{}

func NewBasicGenerator() *BasicGenerator { return &BasicGenerator{} }

func (g *BasicGenerator) Generate(ctx context.Context, path string, content []byte) ([]byte, SchemaMeta, error) {
	block := fmt.Sprintf(`<script type="%s">{"@context":"https://schema.org","@type":"WebPage"}</script>`, structuredDataMarker)
	var out bytes.Buffer
	out.Write(content)
	out.WriteString("\n")
	out.WriteString(block)
	out.WriteString("\n")
	return out.Bytes(), SchemaMeta{SchemaType: "WebPage", FieldsInjected: 1}, nil
}
