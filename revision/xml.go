package revision

import (
	"bytes"
	"encoding/xml"
	"sort"
	"strconv"
	"strings"

	"github.com/t7a/weft/errs"
)

const xmlFormat = "5"

func escapeAttr(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '&':
			b.WriteString("&amp;")
		case r == '\'':
			b.WriteString("&apos;")
		case r == '"':
			b.WriteString("&quot;")
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		case r < 0x20 || r > 0x7e:
			b.WriteString("&#" + strconv.Itoa(int(r)) + ";")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// escapeText keeps newlines and tabs literal in element text.
func escapeText(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '&':
			b.WriteString("&amp;")
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r > 0x7e:
			b.WriteString("&#" + strconv.Itoa(int(r)) + ";")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Write serializes r as a revision element.
func Write(r *Revision) []byte {
	var b bytes.Buffer
	b.WriteString(`<revision committer="` + escapeAttr(r.Committer) + `" format="` + xmlFormat + `"`)
	if r.InventorySha1 != "" {
		b.WriteString(` inventory_sha1="` + escapeAttr(r.InventorySha1) + `"`)
	}
	b.WriteString(` revision_id="` + escapeAttr(r.ID) + `"`)
	b.WriteString(` timestamp="` + strconv.FormatFloat(r.Timestamp, 'f', 3, 64) + `"`)
	b.WriteString(` timezone="` + strconv.Itoa(r.Timezone) + `">` + "\n")
	b.WriteString("<message>" + escapeText(r.Message) + "</message>\n")
	if len(r.ParentIDs) > 0 {
		b.WriteString("<parents>\n")
		for _, p := range r.ParentIDs {
			b.WriteString(`<revision_ref revision_id="` + escapeAttr(p) + `" />` + "\n")
		}
		b.WriteString("</parents>\n")
	}
	if len(r.Properties) > 0 {
		var names []string
		for n := range r.Properties {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("<properties>")
		for _, n := range names {
			b.WriteString(`<property name="` + escapeAttr(n) + `">` + escapeText(r.Properties[n]) + "</property>\n")
		}
		b.WriteString("</properties>\n")
	}
	b.WriteString("</revision>\n")
	return b.Bytes()
}

type xmlRevision struct {
	XMLName       xml.Name `xml:"revision"`
	Committer     string   `xml:"committer,attr"`
	Format        string   `xml:"format,attr"`
	InventorySha1 string   `xml:"inventory_sha1,attr"`
	RevisionID    string   `xml:"revision_id,attr"`
	Timestamp     string   `xml:"timestamp,attr"`
	Timezone      string   `xml:"timezone,attr"`
	Message       string   `xml:"message"`
	Parents       []struct {
		RevisionID string `xml:"revision_id,attr"`
	} `xml:"parents>revision_ref"`
	Properties []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",chardata"`
	} `xml:"properties>property"`
}

// Read parses a revision element.
func Read(data []byte) (*Revision, error) {
	var x xmlRevision
	err := xml.Unmarshal(data, &x)
	if err != nil {
		return nil, &errs.CorruptFile{Path: "revision", Msg: err.Error()}
	}
	if x.Format != "" && x.Format != xmlFormat {
		return nil, &errs.UnsupportedFormat{Format: x.Format, Msg: "revision serializer"}
	}
	r := &Revision{
		ID:            x.RevisionID,
		Committer:     x.Committer,
		Message:       x.Message,
		InventorySha1: x.InventorySha1,
	}
	r.Timestamp, err = strconv.ParseFloat(x.Timestamp, 64)
	if err != nil {
		return nil, &errs.CorruptFile{Path: r.ID, Msg: "bad timestamp " + strconv.Quote(x.Timestamp)}
	}
	if x.Timezone != "" {
		r.Timezone, err = strconv.Atoi(x.Timezone)
		if err != nil {
			return nil, &errs.CorruptFile{Path: r.ID, Msg: "bad timezone " + strconv.Quote(x.Timezone)}
		}
	}
	for _, p := range x.Parents {
		r.ParentIDs = append(r.ParentIDs, p.RevisionID)
	}
	if len(x.Properties) > 0 {
		r.Properties = map[string]string{}
		for _, p := range x.Properties {
			r.Properties[p.Name] = p.Value
		}
	}
	return r, nil
}
