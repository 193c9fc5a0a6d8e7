package inventory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/errs"
)

func sample(t *testing.T, rootID string) *Inventory {
	inv := New(rootID)
	inv.RevisionID = "rev-1"
	inv.Root().Revision = "rev-1"
	add := func(p, kind, id string) *Entry {
		e, err := inv.AddPath(p, kind, id)
		require.NoError(t, err)
		e.Revision = "rev-1"
		return e
	}
	add("src", Directory, "src-id")
	f := add("src/main.go", File, "main-id")
	f.TextSha1 = strings.Repeat("a", 40)
	f.TextSize = 12
	f.Executable = true
	add("README", File, "readme-id").TextSha1 = strings.Repeat("b", 40)
	add("link", Symlink, "link-id").SymlinkTarget = "src/main.go"
	add("café & <\"quotes\">", File, "odd-id")
	return inv
}

func TestModel(t *testing.T) {
	inv := sample(t, "")
	assert.Equal(t, 6, inv.Len())
	p, err := inv.Path("main-id")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", p)
	id, ok := inv.PathToID("src/main.go")
	assert.True(t, ok)
	assert.Equal(t, "main-id", id)

	var paths []string
	for _, pe := range inv.Entries() {
		paths = append(paths, pe.Path)
	}
	assert.Equal(t, []string{"README", "café & <\"quotes\">", "link", "src", "src/main.go"}, paths)

	_, err = inv.AddPath("src/main.go", File, "dup-name")
	assert.Error(t, err)
	_, err = inv.AddPath("nodir/x", File, "x-id")
	assert.True(t, errs.IsKind(err, "NoSuchFile"), "%v", err)
	err = inv.Add(&Entry{FileID: "x", Name: "x", ParentID: "main-id", Kind: File})
	assert.Error(t, err, "parent must be a directory")

	c := inv.Copy()
	assert.True(t, inv.Equal(c))
	require.NoError(t, c.Remove("src-id"))
	assert.False(t, c.Has("main-id"))
	assert.False(t, inv.Equal(c))
	assert.True(t, inv.Has("main-id"))
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []int{5, 6, 7, 8} {
		for _, root := range []string{RootID, "custom-root"} {
			s, err := SerializerFor(format)
			require.NoError(t, err)
			inv := sample(t, root)
			buf, err := s.Write(inv)
			require.NoError(t, err)
			got, err := s.Read(buf, "")
			require.NoError(t, err, "format %d", format)
			assert.True(t, inv.Equal(got), "format %d root %s", format, root)
			again, err := s.Write(got)
			require.NoError(t, err)
			assert.Equal(t, string(buf), string(again))

			byFormat, err := ReadFormat(buf, "")
			require.NoError(t, err)
			assert.True(t, inv.Equal(byFormat))
		}
	}
}

func TestV5Layout(t *testing.T) {
	inv := sample(t, "")
	buf, err := V5.Write(inv)
	require.NoError(t, err)
	lines := strings.Split(string(buf), "\n")
	assert.Equal(t, `<inventory format="5" revision_id="rev-1">`, lines[0])
	assert.Equal(t, `<file file_id="readme-id" name="README" revision="rev-1" text_sha1="`+strings.Repeat("b", 40)+`" text_size="0" />`, lines[1])
	assert.Contains(t, string(buf), `name="caf&#233; &amp; &lt;&quot;quotes&quot;&gt;"`)
	assert.Contains(t, string(buf), `<file executable="yes" file_id="main-id" name="main.go" parent_id="src-id"`)
	assert.Equal(t, "</inventory>", lines[len(lines)-2])

	custom := sample(t, "custom-root")
	buf, err = V5.Write(custom)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf), `<inventory file_id="custom-root" format="5"`))

	// old files may lack a revision id
	inv.RevisionID = ""
	buf, err = V5.Write(inv)
	require.NoError(t, err)
	got, err := V5.Read(buf, "rev-9")
	require.NoError(t, err)
	assert.Equal(t, "rev-9", got.RevisionID)
}

func TestV8Layout(t *testing.T) {
	buf, err := V8.Write(sample(t, ""))
	require.NoError(t, err)
	lines := strings.Split(string(buf), "\n")
	assert.Equal(t, `<inventory format="8" revision_id="rev-1">`, lines[0])
	assert.Equal(t, `<directory file_id="TREE_ROOT" name="" revision="rev-1" />`, lines[1])
	assert.Contains(t, string(buf), `<symlink file_id="link-id" name="link" parent_id="TREE_ROOT" revision="rev-1" symlink_target="src/main.go" />`)
}

func TestTreeReferences(t *testing.T) {
	inv := sample(t, "")
	_, err := inv.AddPath("sub", TreeReference, "sub-id")
	require.NoError(t, err)
	e, _ := inv.Get("sub-id")
	e.ReferenceRevision = "sub-rev"
	_, err = V6.Write(inv)
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
	buf, err := V7.Write(inv)
	require.NoError(t, err)
	got, err := V7.Read(buf, "")
	require.NoError(t, err)
	assert.True(t, inv.Equal(got))

	// older readers skip what they do not know; format 8 refuses
	six := strings.Replace(string(buf), `format="7"`, `format="6"`, 1)
	got, err = V6.Read([]byte(six), "")
	require.NoError(t, err)
	assert.False(t, got.Has("sub-id"))
	unknown := strings.Replace(string(buf), `format="7"`, `format="8"`, 1)
	unknown = strings.Replace(unknown, "<tree-reference", "<gizmo", 1)
	_, err = V8.Read([]byte(unknown), "")
	assert.True(t, errs.IsKind(err, "UnexpectedInventoryFormat"), "%v", err)
}

func TestWrongFormat(t *testing.T) {
	buf, err := V6.Write(sample(t, ""))
	require.NoError(t, err)
	_, err = V8.Read(buf, "")
	assert.True(t, errs.IsKind(err, "UnexpectedInventoryFormat"), "%v", err)
	_, err = SerializerFor(4)
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
}

func TestLines(t *testing.T) {
	lines, err := V6.Lines(sample(t, ""))
	require.NoError(t, err)
	for _, l := range lines {
		assert.True(t, strings.HasSuffix(l, "\n"), "%q", l)
	}
	assert.Equal(t, "</inventory>\n", lines[len(lines)-1])
}

func TestGenFileID(t *testing.T) {
	id := GenFileID("Some File.TXT")
	assert.True(t, strings.HasPrefix(id, "somefile.txt-"), id)
	assert.NotEqual(t, id, GenFileID("Some File.TXT"))
	assert.True(t, strings.HasPrefix(GenFileID("..."), "x-"))
}
