package svn

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// DumpSource reads an svnadmin dump file and serves revision history
// from memory. Dump files compressed with zstd (.zst) or gzip (.gz)
// are decompressed transparently.
type DumpSource struct {
	revisions []*Revision // indexed by revision number
	files     *fileHistory
}

// Open reads SVN history from path: either an svnadmin dump file
// (optionally compressed) or a local repository directory, which is
// dumped through svnadmin.
func Open(path string) (*DumpSource, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open svn repository: %w", err)
	}
	if !fi.IsDir() {
		return OpenDump(path)
	}
	cmd := exec.Command("svnadmin", "dump", "-q", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("svnadmin dump: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("svnadmin dump %s: %w", path, err)
	}
	src, perr := ParseDump(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("svnadmin dump %s: %w", path, err)
	}
	if perr != nil {
		return nil, perr
	}
	return src, nil
}

// OpenDump parses a dump file into a DumpSource.
func OpenDump(path string) (*DumpSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd dump: %w", err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip dump: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return ParseDump(r)
}

// ParseDump reads a dump stream.
func ParseDump(r io.Reader) (*DumpSource, error) {
	p := &dumpParser{
		br: bufio.NewReaderSize(r, 1<<16),
		src: &DumpSource{
			files: newFileHistory(),
		},
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.src, nil
}

// LatestRevision returns the highest revision number in the dump.
func (s *DumpSource) LatestRevision() (int, error) {
	return len(s.revisions) - 1, nil
}

// Revision returns the log entry and change list for rev.
func (s *DumpSource) Revision(rev int) (*Revision, error) {
	if rev < 0 || rev >= len(s.revisions) || s.revisions[rev] == nil {
		return nil, fmt.Errorf("no such revision r%d", rev)
	}
	return s.revisions[rev], nil
}

// Tree lists the files below path as of rev.
func (s *DumpSource) Tree(path string, rev int) ([]Node, error) {
	return s.files.tree(CleanPath(path), rev), nil
}

// Cat returns the content of path at rev.
func (s *DumpSource) Cat(path string, rev int) (io.ReadCloser, int64, error) {
	v := s.files.lookup(CleanPath(path), rev)
	if v == nil || v.deleted {
		return nil, 0, fmt.Errorf("no such file %s at r%d", path, rev)
	}
	return io.NopCloser(bytes.NewReader(v.content)), int64(len(v.content)), nil
}

type dumpParser struct {
	br  *bufio.Reader
	src *DumpSource
	cur *Revision
}

func (p *dumpParser) run() error {
	for {
		headers, err := p.readHeaders()
		if err == io.EOF {
			p.flushRevision()
			return nil
		}
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			continue
		}
		switch {
		case headers["Revision-number"] != "":
			if err := p.startRevision(headers); err != nil {
				return err
			}
		case headers["Node-path"] != "" || hasKey(headers, "Node-path"):
			if err := p.readNode(headers); err != nil {
				return err
			}
		default:
			// SVN-fs-dump-format-version, UUID and the like: skip
			// any declared content.
			if err := p.skipContent(headers); err != nil {
				return err
			}
		}
	}
}

func hasKey(h map[string]string, k string) bool {
	_, ok := h[k]
	return ok
}

// readHeaders reads a colon-separated header block up to a blank line.
func (p *dumpParser) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := p.br.ReadString('\n')
		if err == io.EOF && line == "" {
			if len(headers) == 0 {
				return nil, io.EOF
			}
			return headers, nil
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read dump: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(headers) == 0 {
				continue // skip blank separators
			}
			return headers, nil
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed dump header %q", line)
		}
		headers[key] = value
	}
}

func (p *dumpParser) startRevision(headers map[string]string) error {
	p.flushRevision()
	num, err := strconv.Atoi(headers["Revision-number"])
	if err != nil {
		return fmt.Errorf("bad revision number: %w", err)
	}
	props, err := p.readProps(headers)
	if err != nil {
		return err
	}
	epoch, err := ParseDate(props["svn:date"])
	if err != nil {
		return err
	}
	p.cur = &Revision{
		Number: num,
		Author: props["svn:author"],
		Epoch:  epoch,
		Log:    props["svn:log"],
	}
	return nil
}

func (p *dumpParser) flushRevision() {
	if p.cur == nil {
		return
	}
	for len(p.src.revisions) <= p.cur.Number {
		p.src.revisions = append(p.src.revisions, nil)
	}
	p.src.revisions[p.cur.Number] = p.cur
	p.cur = nil
}

func (p *dumpParser) readNode(headers map[string]string) error {
	if p.cur == nil {
		return fmt.Errorf("node record outside a revision")
	}
	change := Change{Path: CleanPath(headers["Node-path"])}
	switch headers["Node-kind"] {
	case "file":
		change.Kind = KindFile
	case "dir":
		change.Kind = KindDir
	}
	switch headers["Node-action"] {
	case "add":
		change.Action = ActionAdd
	case "change":
		change.Action = ActionModify
	case "delete":
		change.Action = ActionDelete
	case "replace":
		change.Action = ActionReplace
	default:
		return fmt.Errorf("unknown node action %q for %s", headers["Node-action"], change.Path)
	}
	if cp, ok := headers["Node-copyfrom-path"]; ok {
		change.CopyFromPath = CleanPath(cp)
		rev, err := strconv.Atoi(headers["Node-copyfrom-rev"])
		if err != nil {
			return fmt.Errorf("bad copyfrom rev for %s: %w", change.Path, err)
		}
		change.CopyFromRev = rev
	}

	props, err := p.readProps(headers)
	if err != nil {
		return err
	}
	var text []byte
	hasText := false
	if l, ok := headers["Text-content-length"]; ok {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return fmt.Errorf("bad text length for %s: %w", change.Path, err)
		}
		text = make([]byte, n)
		if _, err := io.ReadFull(p.br, text); err != nil {
			return fmt.Errorf("read content of %s: %w", change.Path, err)
		}
		hasText = true
	}

	p.cur.Changes = append(p.cur.Changes, change)
	p.apply(change, props, text, hasText)
	return nil
}

// apply folds one node change into the versioned file state.
func (p *dumpParser) apply(change Change, props map[string]string, text []byte, hasText bool) {
	rev := p.cur.Number
	h := p.src.files
	switch change.Action {
	case ActionDelete:
		h.deleteTree(change.Path, rev)
		return
	case ActionReplace:
		h.deleteTree(change.Path, rev)
	}
	if change.Kind == KindDir {
		if change.CopyFromPath != "" || change.CopyFromRev > 0 {
			h.copyTree(change.CopyFromPath, change.CopyFromRev, change.Path, rev)
		}
		return
	}
	mode := 0o100644
	if prev := h.lookup(change.Path, rev); prev != nil && !prev.deleted {
		mode = prev.mode
	}
	if _, ok := props["svn:executable"]; ok {
		mode = 0o100755
	}
	content := text
	if !hasText {
		if change.CopyFromPath != "" {
			if src := h.lookup(change.CopyFromPath, change.CopyFromRev); src != nil && !src.deleted {
				content = src.content
				mode = src.mode
			}
		} else if prev := h.lookup(change.Path, rev); prev != nil && !prev.deleted {
			content = prev.content
		}
	}
	h.put(change.Path, rev, content, mode)
}

// readProps consumes a property block if the headers declare one, and
// otherwise returns an empty map.
func (p *dumpParser) readProps(headers map[string]string) (map[string]string, error) {
	props := make(map[string]string)
	l, ok := headers["Prop-content-length"]
	if !ok {
		return props, nil
	}
	n, err := strconv.ParseInt(l, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad prop length: %w", err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("read props: %w", err)
	}
	return parseProps(data)
}

// parseProps decodes the K/V property format used by dump files.
func parseProps(data []byte) (map[string]string, error) {
	props := make(map[string]string)
	rest := data
	readLine := func() (string, error) {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return "", fmt.Errorf("truncated property block")
		}
		line := string(rest[:i])
		rest = rest[i+1:]
		return line, nil
	}
	for len(rest) > 0 {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "PROPS-END" {
			break
		}
		if !strings.HasPrefix(line, "K ") {
			if strings.HasPrefix(line, "D ") {
				// deleted property: skip the key
				n, _ := strconv.Atoi(line[2:])
				rest = rest[n+1:]
				continue
			}
			return nil, fmt.Errorf("malformed property line %q", line)
		}
		klen, err := strconv.Atoi(line[2:])
		if err != nil {
			return nil, fmt.Errorf("bad property key length: %w", err)
		}
		key := string(rest[:klen])
		rest = rest[klen+1:]
		line, err = readLine()
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(line, "V ") {
			return nil, fmt.Errorf("malformed property value line %q", line)
		}
		vlen, err := strconv.Atoi(line[2:])
		if err != nil {
			return nil, fmt.Errorf("bad property value length: %w", err)
		}
		props[key] = string(rest[:vlen])
		rest = rest[vlen+1:]
	}
	return props, nil
}

func (p *dumpParser) skipContent(headers map[string]string) error {
	if l, ok := headers["Content-length"]; ok {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return fmt.Errorf("bad content length: %w", err)
		}
		if _, err := io.CopyN(io.Discard, p.br, n); err != nil {
			return fmt.Errorf("skip content: %w", err)
		}
	}
	return nil
}

// fileVersion is the state of one path as of a given revision.
type fileVersion struct {
	rev     int
	content []byte
	mode    int
	deleted bool
}

// fileHistory keeps every version of every file, in revision order.
type fileHistory struct {
	byPath map[string][]fileVersion
}

func newFileHistory() *fileHistory {
	return &fileHistory{byPath: make(map[string][]fileVersion)}
}

func (h *fileHistory) put(path string, rev int, content []byte, mode int) {
	h.byPath[path] = append(h.byPath[path], fileVersion{rev: rev, content: content, mode: mode})
}

func (h *fileHistory) lookup(path string, rev int) *fileVersion {
	versions := h.byPath[path]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].rev <= rev {
			return &versions[i]
		}
	}
	return nil
}

func (h *fileHistory) deleteTree(path string, rev int) {
	for p := range h.byPath {
		if p == path || path == "" || strings.HasPrefix(p, path+"/") {
			if v := h.lookup(p, rev); v != nil && !v.deleted {
				h.byPath[p] = append(h.byPath[p], fileVersion{rev: rev, deleted: true})
			}
		}
	}
}

func (h *fileHistory) copyTree(srcPath string, srcRev int, dstPath string, rev int) {
	type copied struct {
		path    string
		version *fileVersion
	}
	var pending []copied
	for p := range h.byPath {
		if p == srcPath || srcPath == "" || strings.HasPrefix(p, srcPath+"/") {
			v := h.lookup(p, srcRev)
			if v == nil || v.deleted {
				continue
			}
			dst := dstPath
			if p != srcPath {
				dst = dstPath + "/" + strings.TrimPrefix(p, srcPath+"/")
			}
			pending = append(pending, copied{path: dst, version: v})
		}
	}
	for _, c := range pending {
		h.put(c.path, rev, c.version.content, c.version.mode)
	}
}

func (h *fileHistory) tree(prefix string, rev int) []Node {
	var nodes []Node
	for p := range h.byPath {
		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			continue
		}
		v := h.lookup(p, rev)
		if v == nil || v.deleted {
			continue
		}
		rel := p
		if prefix != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/")
		}
		nodes = append(nodes, Node{Path: rel, Kind: KindFile, Mode: v.mode})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes
}
