package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// xmlDocument mirrors the on-wire NZB schema; it exists only to drive
// encoding/xml and is never exposed outside this file.
type xmlDocument struct {
	XMLName xml.Name  `xml:"nzb"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Subject  string       `xml:"subject,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []xmlSegment `xml:"segments>segment"`
}

type xmlSegment struct {
	Number    int    `xml:"number,attr"`
	Bytes     int64  `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// ParseFile opens and parses an NZB document from disk.
func (p *Parser) ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nzb: open %s: %w", path, err)
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse decodes an NZB document and converts it into the Manifest shape
// the scheduler consumes: segments sorted by ordinal, one group per
// file, message-ids with surrounding angle brackets stripped.
func (p *Parser) Parse(r io.Reader) (*Manifest, error) {
	var doc xmlDocument
	dec := xml.NewDecoder(r)
	// Many NZBs declare iso-8859-1; Latin-1 maps byte-for-byte onto the
	// first 256 code points, so it is converted to UTF-8 here.
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(label) {
		case "iso-8859-1", "latin1", "latin-1":
			raw, err := io.ReadAll(input)
			if err != nil {
				return nil, err
			}
			runes := make([]rune, len(raw))
			for i, b := range raw {
				runes[i] = rune(b)
			}
			return strings.NewReader(string(runes)), nil
		}
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("nzb: decode: %w", err)
	}

	if len(doc.Files) == 0 {
		return nil, ErrEmptyManifest
	}

	m := &Manifest{Files: make([]File, 0, len(doc.Files))}
	for _, xf := range doc.Files {
		if len(xf.Segments) == 0 {
			return nil, fmt.Errorf("%w: subject %q", ErrNoSegments, xf.Subject)
		}

		segments := make([]Segment, 0, len(xf.Segments))
		for _, xs := range xf.Segments {
			segments = append(segments, Segment{
				Number:        xs.Number,
				MessageID:     trimMessageID(xs.MessageID),
				ExpectedBytes: xs.Bytes,
			})
		}
		sort.Slice(segments, func(i, j int) bool {
			return segments[i].Number < segments[j].Number
		})

		group := ""
		if len(xf.Groups) > 0 {
			group = xf.Groups[0]
		}

		m.Files = append(m.Files, File{
			Subject:  xf.Subject,
			Group:    group,
			Segments: segments,
		})
	}

	return m, nil
}

func trimMessageID(id string) string {
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		return id[1 : len(id)-1]
	}
	return id
}
