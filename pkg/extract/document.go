package extract

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Document is the output of one method on one file. It's persisted as
// <extraction method=…><document title=…><page number=…>text</page>…
type Document struct {
	Method Method
	Title  string
	Pages  []string
}

type xmlExtraction struct {
	XMLName  xml.Name    `xml:"extraction"`
	Method   string      `xml:"method,attr"`
	Document xmlDocument `xml:"document"`
}

type xmlDocument struct {
	Title string    `xml:"title,attr"`
	Pages []xmlPage `xml:"page"`
}

type xmlPage struct {
	Number string `xml:"number,attr"`
	Text   string `xml:",chardata"`
}

// NonEmptyPages counts the pages with text after trimming whitespace.
func (d *Document) NonEmptyPages() int {
	n := 0
	for _, p := range d.Pages {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

// XML renders the document. Pages are numbered from 0.
func (d *Document) XML() (string, error) {
	out := xmlExtraction{
		Method:   string(d.Method),
		Document: xmlDocument{Title: d.Title},
	}
	for i, p := range d.Pages {
		out.Document.Pages = append(out.Document.Pages, xmlPage{Number: strconv.Itoa(i), Text: p})
	}

	b, err := xml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding extraction document: %w", err)
	}
	return string(b), nil
}

// ParseDocument reads a document rendered by XML.
func ParseDocument(s string) (*Document, error) {
	var in xmlExtraction
	if err := xml.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("decoding extraction document: %w", err)
	}

	doc := &Document{Method: Method(in.Method), Title: in.Document.Title}
	for _, p := range in.Document.Pages {
		doc.Pages = append(doc.Pages, p.Text)
	}
	return doc, nil
}
