package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nzbcore/gonzb/internal/nntp"
	"github.com/nzbcore/gonzb/internal/nntppool"
	"github.com/nzbcore/gonzb/internal/nzb"
)

// article holds the body a fake server returns for one message-id, or a
// "missing" marker when no body exists.
type article struct {
	payload []byte
	missing bool
}

// fakeNewsServer answers GROUP/BODY/STAT/NOOP/QUIT against a fixed table
// of articles, enough to drive the scheduler through its whole
// pipeline without a real usenet provider.
type fakeNewsServer struct {
	ln       net.Listener
	articles map[string]article
}

func startFakeNewsServer(t *testing.T, articles map[string]article) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeNewsServer{ln: ln, articles: articles}
	go fs.serve()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { ln.Close() }
}

func (fs *fakeNewsServer) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handle(conn)
	}
}

func (fs *fakeNewsServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	w.WriteString("200 welcome\r\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "GROUP":
			w.WriteString("211 0 0 0 " + fields[1] + "\r\n")
		case "BODY":
			id := strings.Trim(fields[1], "<>")
			a, ok := fs.articles[id]
			if !ok || a.missing {
				w.WriteString("430 no such article\r\n")
				break
			}
			w.WriteString("222 body follows\r\n")
			w.WriteString(buildYencArticle(id, a.payload))
		case "STAT":
			id := strings.Trim(fields[1], "<>")
			if a, ok := fs.articles[id]; ok && !a.missing {
				w.WriteString("223 0 <" + id + ">\r\n")
			} else {
				w.WriteString("430 no such article\r\n")
			}
		case "NOOP":
			w.WriteString("200 ok\r\n")
		case "QUIT":
			w.WriteString("205 bye\r\n")
			w.Flush()
			return
		default:
			w.WriteString("500 unknown command\r\n")
		}
		w.Flush()
	}
}

func yencEncodeLine(raw []byte) []byte {
	var out []byte
	for _, b := range raw {
		v := b + 42
		if v == '=' || v == '\r' || v == '\n' || v == 0 {
			out = append(out, '=', v+64)
		} else {
			out = append(out, v)
		}
	}
	return out
}

func buildYencArticle(id string, payload []byte) string {
	var sb strings.Builder
	sb.WriteString("=ybegin line=128 size=")
	sb.WriteString(strconv.Itoa(len(payload)))
	sb.WriteString(" name=")
	sb.WriteString(id)
	sb.WriteString("\r\n")
	sb.Write(yencEncodeLine(payload))
	sb.WriteString("\r\n=yend size=")
	sb.WriteString(strconv.Itoa(len(payload)))
	sb.WriteString("\r\n.\r\n")
	return sb.String()
}

func newTestPool(t *testing.T, host string, port int, maxSize int) *nntppool.Pool {
	t.Helper()
	cfg := nntp.Config{Host: host, Port: port}
	return nntppool.New(cfg, maxSize, nil, nntp.DefaultTimeouts())
}

func TestRunCleanFetch(t *testing.T) {
	payloadA := bytes.Repeat([]byte("A"), 100)
	payloadB := bytes.Repeat([]byte("B"), 100)

	articles := map[string]article{
		"f1s1@example": {payload: payloadA},
		"f1s2@example": {payload: payloadB},
	}
	host, port, closeFn := startFakeNewsServer(t, articles)
	defer closeFn()

	pool := newTestPool(t, host, port, 4)
	defer pool.Close()

	dir := t.TempDir()
	cfg := DefaultConfig()
	sched := New([]*nntppool.Pool{pool}, cfg, dir, nil)

	manifest := &nzb.Manifest{Files: []nzb.File{{
		Subject: `"clean.bin" yEnc (1/2)`,
		Group:   "alt.test",
		Segments: []nzb.Segment{
			{Number: 1, MessageID: "f1s1@example", ExpectedBytes: 100},
			{Number: 2, MessageID: "f1s2@example", ExpectedBytes: 100},
		},
	}}}

	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.SegmentsOK != 2 || r.SegmentsFailed != 0 {
		t.Fatalf("got ok=%d failed=%d, want ok=2 failed=0", r.SegmentsOK, r.SegmentsFailed)
	}

	data, err := os.ReadFile(r.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := append(append([]byte{}, payloadA...), payloadB...)
	if !bytes.Equal(data, want) {
		t.Fatalf("assembled file mismatch")
	}
}

func TestRunMissingArticleIsPartialFailure(t *testing.T) {
	payloadA := bytes.Repeat([]byte("A"), 50)
	payloadC := bytes.Repeat([]byte("C"), 50)

	articles := map[string]article{
		"seg1@example": {payload: payloadA},
		"seg2@example": {missing: true},
		"seg3@example": {payload: payloadC},
	}
	host, port, closeFn := startFakeNewsServer(t, articles)
	defer closeFn()

	pool := newTestPool(t, host, port, 2)
	defer pool.Close()

	dir := t.TempDir()
	sched := New([]*nntppool.Pool{pool}, DefaultConfig(), dir, nil)

	manifest := &nzb.Manifest{Files: []nzb.File{{
		Subject: `"withgap.bin" yEnc`,
		Group:   "alt.test",
		Segments: []nzb.Segment{
			{Number: 1, MessageID: "seg1@example", ExpectedBytes: 50},
			{Number: 2, MessageID: "seg2@example", ExpectedBytes: 50},
			{Number: 3, MessageID: "seg3@example", ExpectedBytes: 50},
		},
	}}}

	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := results[0]
	if r.SegmentsOK != 2 || r.SegmentsFailed != 1 {
		t.Fatalf("got ok=%d failed=%d, want ok=2 failed=1", r.SegmentsOK, r.SegmentsFailed)
	}
	if len(r.FailedMessageIDs) != 1 || r.FailedMessageIDs[0] != "seg2@example" {
		t.Fatalf("FailedMessageIDs = %v", r.FailedMessageIDs)
	}

	data, err := os.ReadFile(r.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	gap := data[50:100]
	for _, b := range gap {
		if b != 0 {
			t.Fatalf("expected gap bytes to stay zero from pre-allocation")
		}
	}
}

func TestRunResumesCompleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "already-done.bin")
	payload := bytes.Repeat([]byte("Z"), 200)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// No articles registered: if the scheduler tried to fetch anything,
	// every BODY would come back 430 and SegmentsFailed would be > 0.
	host, port, closeFn := startFakeNewsServer(t, map[string]article{})
	defer closeFn()

	pool := newTestPool(t, host, port, 2)
	defer pool.Close()

	sched := New([]*nntppool.Pool{pool}, DefaultConfig(), dir, nil)
	manifest := &nzb.Manifest{Files: []nzb.File{{
		Subject: `"already-done.bin" yEnc`,
		Group:   "alt.test",
		Segments: []nzb.Segment{
			{Number: 1, MessageID: "irrelevant@example", ExpectedBytes: 200},
		},
	}}}

	start := time.Now()
	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("resume took too long: %s", time.Since(start))
	}
	r := results[0]
	if r.SegmentsFailed != 0 || r.SegmentsOK != 1 {
		t.Fatalf("got ok=%d failed=%d, want ok=1 failed=0", r.SegmentsOK, r.SegmentsFailed)
	}
}

func TestRunPreservesManifestOrder(t *testing.T) {
	articles := map[string]article{
		"big1@example":   {payload: bytes.Repeat([]byte("1"), 10)},
		"big2@example":   {payload: bytes.Repeat([]byte("2"), 10)},
		"small1@example": {payload: bytes.Repeat([]byte("3"), 10)},
	}
	host, port, closeFn := startFakeNewsServer(t, articles)
	defer closeFn()

	pool := newTestPool(t, host, port, 4)
	defer pool.Close()

	dir := t.TempDir()
	sched := New([]*nntppool.Pool{pool}, DefaultConfig(), dir, nil)

	manifest := &nzb.Manifest{Files: []nzb.File{
		{
			Subject: `"small.bin" yEnc`,
			Group:   "alt.test",
			Segments: []nzb.Segment{
				{Number: 1, MessageID: "small1@example", ExpectedBytes: 10},
			},
		},
		{
			Subject: `"big.bin" yEnc`,
			Group:   "alt.test",
			Segments: []nzb.Segment{
				{Number: 1, MessageID: "big1@example", ExpectedBytes: 10},
				{Number: 2, MessageID: "big2@example", ExpectedBytes: 10},
			},
		},
	}}

	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Subject != `"small.bin" yEnc` {
		t.Fatalf("expected manifest order to put small.bin first, got %q", results[0].Subject)
	}
	if results[1].Subject != `"big.bin" yEnc` {
		t.Fatalf("expected manifest order to put big.bin second, got %q", results[1].Subject)
	}
}

func TestRunEmptyManifest(t *testing.T) {
	sched := New(nil, DefaultConfig(), t.TempDir(), nil)
	_, err := sched.Run(context.Background(), &nzb.Manifest{})
	if err != nzb.ErrEmptyManifest {
		t.Fatalf("expected ErrEmptyManifest, got %v", err)
	}
}

func TestRunRetriesAgainstSecondPoolOnMiss(t *testing.T) {
	primaryArticles := map[string]article{
		"seg1@example": {missing: true},
	}
	secondaryArticles := map[string]article{
		"seg1@example": {payload: bytes.Repeat([]byte("R"), 30)},
	}
	primaryHost, primaryPort, closePrimary := startFakeNewsServer(t, primaryArticles)
	defer closePrimary()
	secondaryHost, secondaryPort, closeSecondary := startFakeNewsServer(t, secondaryArticles)
	defer closeSecondary()

	primary := newTestPool(t, primaryHost, primaryPort, 2)
	defer primary.Close()
	secondary := newTestPool(t, secondaryHost, secondaryPort, 2)
	defer secondary.Close()

	dir := t.TempDir()
	sched := New([]*nntppool.Pool{primary, secondary}, DefaultConfig(), dir, nil)

	manifest := &nzb.Manifest{Files: []nzb.File{{
		Subject: `"retry.bin" yEnc`,
		Group:   "alt.test",
		Segments: []nzb.Segment{
			{Number: 1, MessageID: "seg1@example", ExpectedBytes: 30},
		},
	}}}

	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := results[0]
	if r.SegmentsOK != 1 || r.SegmentsFailed != 0 {
		t.Fatalf("got ok=%d failed=%d, want ok=1 failed=0 (should have failed over to secondary)", r.SegmentsOK, r.SegmentsFailed)
	}
}

func TestRunSegmentPermanentlyFailedWhenMissingEverywhere(t *testing.T) {
	articles := map[string]article{
		"seg1@example": {missing: true},
	}
	host, port, closeFn := startFakeNewsServer(t, articles)
	defer closeFn()

	pool := newTestPool(t, host, port, 2)
	defer pool.Close()

	dir := t.TempDir()
	sched := New([]*nntppool.Pool{pool}, DefaultConfig(), dir, nil)

	manifest := &nzb.Manifest{Files: []nzb.File{{
		Subject: `"stillmissing.bin" yEnc`,
		Group:   "alt.test",
		Segments: []nzb.Segment{
			{Number: 1, MessageID: "seg1@example", ExpectedBytes: 30},
		},
	}}}

	results, err := sched.Run(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := results[0]
	if r.SegmentsOK != 0 || r.SegmentsFailed != 1 {
		t.Fatalf("got ok=%d failed=%d, want ok=0 failed=1", r.SegmentsOK, r.SegmentsFailed)
	}
	if len(r.FailedMessageIDs) != 1 || r.FailedMessageIDs[0] != "seg1@example" {
		t.Fatalf("FailedMessageIDs = %v", r.FailedMessageIDs)
	}
}
