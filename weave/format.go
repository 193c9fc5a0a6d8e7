package weave

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/weft/errs"
)

// Header is the first line of a v5 weave file.
const Header = "# weft weave file v5\n"

// Write serializes w in the v5 text format:
//
//	# weft weave file v5
//	i 0 1          parent indexes, or a bare i
//	1 <sha1>
//	n <name>
//	g <ghost> ...  only when the version has ghosts
//	               blank line ends the version
//	w
//	{ N / } / [ N / ] N   instructions
//	. line         a line ending in newline
//	, line         a line without one
//	W
func Write(out io.Writer, w *Weave) (err error) {
	defer Return(&err)
	bw := bufio.NewWriter(out)
	_, err = bw.WriteString(Header)
	Ck(err)
	for v, name := range w.names {
		if len(w.parents[v]) > 0 {
			var idxs []string
			for _, p := range w.parents[v] {
				idxs = append(idxs, strconv.Itoa(p))
			}
			_, err = bw.WriteString("i " + strings.Join(idxs, " ") + "\n")
		} else {
			_, err = bw.WriteString("i\n")
		}
		Ck(err)
		_, err = bw.WriteString("1 " + w.sha1s[v] + "\nn " + name + "\n")
		Ck(err)
		if len(w.ghosts[v]) > 0 {
			_, err = bw.WriteString("g " + strings.Join(w.ghosts[v], " ") + "\n")
			Ck(err)
		}
		_, err = bw.WriteString("\n")
		Ck(err)
	}
	_, err = bw.WriteString("w\n")
	Ck(err)
	for _, it := range w.body {
		switch {
		case it.op == opEnd:
			_, err = bw.WriteString("}\n")
		case it.op != 0:
			_, err = bw.WriteString(string(it.op) + " " + strconv.Itoa(it.v) + "\n")
		case strings.HasSuffix(it.line, "\n"):
			_, err = bw.WriteString(". " + it.line)
		default:
			_, err = bw.WriteString(", " + it.line + "\n")
		}
		Ck(err)
	}
	_, err = bw.WriteString("W\n")
	Ck(err)
	return bw.Flush()
}

// Bytes is Write into memory.
func Bytes(w *Weave) ([]byte, error) {
	var buf bytes.Buffer
	err := Write(&buf, w)
	return buf.Bytes(), err
}

// Read parses a v5 weave.  name becomes the weave's Name.
func Read(in io.Reader, name string) (w *Weave, err error) {
	w = New(name)
	br := bufio.NewReader(in)
	lineno := 0
	corrupt := func(msg string) error {
		return &errs.CorruptFile{Path: name, Msg: "weave line " + strconv.Itoa(lineno) + ": " + msg}
	}
	readLine := func() (string, error) {
		l, err := br.ReadString('\n')
		lineno++
		if err == io.EOF {
			if l == "" {
				return "", corrupt("unexpected end of file")
			}
			return "", corrupt("missing final newline")
		}
		if err != nil {
			return "", errors.Wrapf(err, "read weave %s", name)
		}
		return l, nil
	}

	l, err := readLine()
	if err != nil {
		return nil, err
	}
	if l != Header {
		return nil, &errs.UnsupportedFormat{Format: strings.TrimSpace(l), Msg: "not a weave: " + name}
	}

	// version table
	for {
		l, err = readLine()
		if err != nil {
			return nil, err
		}
		if l == "w\n" {
			break
		}
		if l != "i\n" && !strings.HasPrefix(l, "i ") {
			return nil, corrupt("expected version header, got " + strconv.Quote(l))
		}
		v := len(w.names)
		var parents []int
		for _, f := range strings.Fields(l[1:]) {
			p, perr := strconv.Atoi(f)
			if perr != nil || p < 0 || p >= v {
				return nil, corrupt("bad parent index " + f)
			}
			parents = append(parents, p)
		}
		l, err = readLine()
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(l, "1 ") {
			return nil, corrupt("expected sha1")
		}
		sha := strings.TrimSuffix(l[2:], "\n")
		l, err = readLine()
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(l, "n ") {
			return nil, corrupt("expected name")
		}
		vname := strings.TrimSuffix(l[2:], "\n")
		ghosts := []string{}
		l, err = readLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(l, "g ") {
			ghosts = strings.Fields(l[2:])
			l, err = readLine()
			if err != nil {
				return nil, err
			}
		}
		if l != "\n" {
			return nil, corrupt("expected blank line after version")
		}
		if _, dup := w.nameMap[vname]; dup {
			return nil, corrupt("duplicate version " + vname)
		}
		w.parents = append(w.parents, parents)
		w.ghosts = append(w.ghosts, ghosts)
		w.sha1s = append(w.sha1s, sha)
		w.names = append(w.names, vname)
		w.nameMap[vname] = v
	}

	// body
	depth := 0
	deletes := map[int]bool{}
	for {
		l, err = readLine()
		if err != nil {
			return nil, err
		}
		if l == "W\n" {
			break
		}
		if len(l) < 2 {
			return nil, corrupt("short body line")
		}
		switch l[0] {
		case '.', ',':
			if depth == 0 {
				return nil, corrupt("text outside any insert")
			}
			if l[0] == '.' {
				w.body = append(w.body, item{line: l[2:]})
			} else {
				w.body = append(w.body, item{line: l[2 : len(l)-1]})
			}
		case '}':
			if depth == 0 {
				return nil, corrupt("unbalanced }")
			}
			depth--
			w.body = append(w.body, item{op: opEnd})
		case '{', '[', ']':
			v, perr := strconv.Atoi(strings.TrimSpace(l[2:]))
			if perr != nil || v < 0 || v >= len(w.names) {
				return nil, corrupt("bad version in instruction")
			}
			switch l[0] {
			case '{':
				depth++
			case '[':
				if deletes[v] {
					return nil, corrupt("delete of version " + strconv.Itoa(v) + " already open")
				}
				deletes[v] = true
			case ']':
				if !deletes[v] {
					return nil, corrupt("unbalanced ]")
				}
				delete(deletes, v)
			}
			w.body = append(w.body, item{op: l[0], v: v})
		default:
			return nil, corrupt("unknown instruction " + strconv.Quote(l[:1]))
		}
	}
	if depth != 0 {
		return nil, corrupt("unclosed insert")
	}
	if len(deletes) != 0 {
		return nil, corrupt("unclosed delete")
	}
	return w, nil
}
