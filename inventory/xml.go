package inventory

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/weave"
)

// Serializer reads and writes one inventory format, 5 to 8.
//
// Format 5 has an implicit root: the inventory element carries the
// root id when it is not TREE_ROOT and children of the root omit
// parent_id.  Formats 6 and up write the root as an explicit first
// directory entry.  Format 7 adds tree references and format 8
// refuses elements it does not know.
type Serializer struct {
	Format int

	mu    sync.Mutex
	cache map[string]string
}

var (
	V5 = &Serializer{Format: 5}
	V6 = &Serializer{Format: 6}
	V7 = &Serializer{Format: 7}
	V8 = &Serializer{Format: 8}
)

// SerializerFor returns the serializer of a format number.
func SerializerFor(format int) (*Serializer, error) {
	switch format {
	case 5:
		return V5, nil
	case 6:
		return V6, nil
	case 7:
		return V7, nil
	case 8:
		return V8, nil
	}
	return nil, &errs.UnsupportedFormat{Format: strconv.Itoa(format), Msg: "no inventory serializer"}
}

func (s *Serializer) supportsTreeReferences() bool { return s.Format >= 7 }

// escape renders an attribute value.  & ' " < > become entities and
// anything outside printable ASCII a numeric reference.
func escape(v string) string {
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
			b.WriteString("&#")
			b.WriteString(strconv.Itoa(int(r)))
			b.WriteString(";")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// encode escapes through a cache; ids repeat across entries and
// across inventories written by the same serializer.  Caller holds mu.
func (s *Serializer) encode(v string) string {
	if s.cache == nil || len(s.cache) > 100000 {
		s.cache = map[string]string{}
	}
	if e, ok := s.cache[v]; ok {
		return e
	}
	e := escape(v)
	s.cache[v] = e
	return e
}

func (s *Serializer) attr(b *bytes.Buffer, name, value string) {
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(s.encode(value))
	b.WriteString(`"`)
}

// Write serializes inv, one element per line.
func (s *Serializer) Write(inv *Inventory) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	b.WriteString("<inventory")
	if s.Format == 5 && inv.RootID != RootID {
		s.attr(&b, "file_id", inv.RootID)
	}
	b.WriteString(` format="` + strconv.Itoa(s.Format) + `"`)
	if inv.RevisionID != "" {
		s.attr(&b, "revision_id", inv.RevisionID)
	}
	b.WriteString(">\n")
	if s.Format > 5 {
		root := inv.Root()
		b.WriteString("<directory")
		s.attr(&b, "file_id", root.FileID)
		b.WriteString(` name=""`)
		if root.Revision != "" {
			s.attr(&b, "revision", root.Revision)
		}
		b.WriteString(" />\n")
	}
	for _, pe := range inv.Entries() {
		err := s.writeEntry(&b, inv, pe.Entry)
		if err != nil {
			return nil, err
		}
	}
	b.WriteString("</inventory>\n")
	return b.Bytes(), nil
}

// Lines is Write split for storing in a weave.
func (s *Serializer) Lines(inv *Inventory) ([]string, error) {
	buf, err := s.Write(inv)
	if err != nil {
		return nil, err
	}
	return weave.SplitLines(string(buf)), nil
}

func (s *Serializer) writeEntry(b *bytes.Buffer, inv *Inventory, e *Entry) error {
	if e.Kind == TreeReference && !s.supportsTreeReferences() {
		return &errs.UnsupportedFormat{Format: strconv.Itoa(s.Format), Msg: "tree references need inventory format 7"}
	}
	b.WriteString("<" + e.Kind)
	if e.Kind == File && e.Executable {
		b.WriteString(` executable="yes"`)
	}
	s.attr(b, "file_id", e.FileID)
	s.attr(b, "name", e.Name)
	if s.Format > 5 || e.ParentID != inv.RootID {
		s.attr(b, "parent_id", e.ParentID)
	}
	if e.Revision != "" {
		s.attr(b, "revision", e.Revision)
	}
	switch e.Kind {
	case File:
		if e.TextSha1 != "" {
			s.attr(b, "text_sha1", e.TextSha1)
			b.WriteString(` text_size="` + strconv.FormatInt(e.TextSize, 10) + `"`)
		}
	case Symlink:
		s.attr(b, "symlink_target", e.SymlinkTarget)
	case TreeReference:
		s.attr(b, "reference_revision", e.ReferenceRevision)
	case Directory:
	default:
		return &errs.UnsupportedFormat{Format: e.Kind, Msg: "unknown entry kind"}
	}
	b.WriteString(" />\n")
	return nil
}

func attrs(se xml.StartElement) map[string]string {
	m := map[string]string{}
	for _, a := range se.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

// Read parses an inventory.  revisionID fills in the inventory's
// revision when the text has none.
func (s *Serializer) Read(data []byte, revisionID string) (inv *Inventory, err error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var top map[string]string
	for top == nil {
		tok, err := dec.Token()
		if err != nil {
			return nil, &errs.UnexpectedInventoryFormat{Msg: "no inventory element: " + err.Error()}
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local != "inventory" {
				return nil, &errs.UnexpectedInventoryFormat{Msg: "root element is " + se.Name.Local}
			}
			top = attrs(se)
		}
	}
	if top["format"] != strconv.Itoa(s.Format) {
		return nil, &errs.UnexpectedInventoryFormat{Msg: "invalid format version " + strconv.Quote(top["format"]) + ", want " + strconv.Itoa(s.Format)}
	}
	rev := top["revision_id"]
	if rev == "" {
		rev = revisionID
	}

	var pending []map[string]string
	var kinds []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.UnexpectedInventoryFormat{Msg: err.Error()}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case Directory, File, Symlink:
		case TreeReference:
			if s.supportsTreeReferences() {
				break
			}
			fallthrough
		default:
			if s.Format >= 8 {
				return nil, &errs.UnexpectedInventoryFormat{Msg: "unknown element " + se.Name.Local}
			}
			log.Warnf("inventory format %d: skipping unknown element %s", s.Format, se.Name.Local)
			if err := dec.Skip(); err != nil {
				return nil, &errs.UnexpectedInventoryFormat{Msg: err.Error()}
			}
			continue
		}
		pending = append(pending, attrs(se))
		kinds = append(kinds, se.Name.Local)
	}

	rootID := RootID
	if s.Format == 5 {
		if id := top["file_id"]; id != "" {
			rootID = id
		}
	} else {
		if len(pending) == 0 || kinds[0] != Directory || pending[0]["parent_id"] != "" {
			return nil, &errs.UnexpectedInventoryFormat{Msg: "first entry is not a root directory"}
		}
		rootID = pending[0]["file_id"]
	}
	inv = New(rootID)
	inv.RevisionID = rev
	if s.Format == 5 {
		inv.Root().Revision = rev
	} else {
		inv.Root().Revision = pending[0]["revision"]
		pending, kinds = pending[1:], kinds[1:]
	}
	for i, a := range pending {
		e, err := entryFrom(kinds[i], a)
		if err != nil {
			return nil, err
		}
		if e.ParentID == "" {
			e.ParentID = rootID
		}
		err = inv.Add(e)
		if err != nil {
			return nil, &errs.UnexpectedInventoryFormat{Msg: errors.Cause(err).Error()}
		}
	}
	return inv, nil
}

func entryFrom(kind string, a map[string]string) (*Entry, error) {
	e := &Entry{
		Kind:     kind,
		FileID:   a["file_id"],
		Name:     a["name"],
		ParentID: a["parent_id"],
		Revision: a["revision"],
	}
	switch kind {
	case File:
		e.TextSha1 = a["text_sha1"]
		e.Executable = a["executable"] == "yes"
		if sz, ok := a["text_size"]; ok {
			n, err := strconv.ParseInt(sz, 10, 64)
			if err != nil {
				return nil, &errs.UnexpectedInventoryFormat{Msg: "bad text_size " + strconv.Quote(sz)}
			}
			e.TextSize = n
		}
	case Symlink:
		e.SymlinkTarget = a["symlink_target"]
	case TreeReference:
		e.ReferenceRevision = a["reference_revision"]
	}
	return e, nil
}

// ReadFormat sniffs the format attribute and parses with the matching
// serializer.
func ReadFormat(data []byte, revisionID string) (*Inventory, error) {
	i := bytes.Index(data, []byte(`format="`))
	if i < 0 {
		return nil, &errs.UnexpectedInventoryFormat{Msg: "no format attribute"}
	}
	rest := data[i+len(`format="`):]
	j := bytes.IndexByte(rest, '"')
	if j < 0 {
		return nil, &errs.UnexpectedInventoryFormat{Msg: "unterminated format attribute"}
	}
	n, err := strconv.Atoi(string(rest[:j]))
	if err != nil {
		return nil, &errs.UnexpectedInventoryFormat{Msg: "bad format " + strconv.Quote(string(rest[:j]))}
	}
	s, err := SerializerFor(n)
	if err != nil {
		return nil, err
	}
	return s.Read(data, revisionID)
}
