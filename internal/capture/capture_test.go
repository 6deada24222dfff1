package capture

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestNeedsResolverMatchesContentPlatformHosts(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc123", true},
		{"https://youtu.be/abc123", true},
		{"https://twitch.tv/somechannel", true},
		{"rtsp://192.168.1.50:554/stream1", false},
		{"https://example.com/live.m3u8", false},
		{"not a url at all", false},
	}
	for _, tt := range tests {
		if got := needsResolver(tt.url); got != tt.want {
			t.Errorf("needsResolver(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestResolverErrorMatchesSubstringInOutput(t *testing.T) {
	err := &ResolverError{Output: "ERROR: Precondition check failed for format", Err: errors.New("exit status 1")}
	if !resolverErrorMatches(err, "Precondition check failed") {
		t.Fatal("expected substring match against resolver output")
	}
	if resolverErrorMatches(err, "some other failure") {
		t.Fatal("expected no match for unrelated substring")
	}
}

func TestResolverErrorMatchesIgnoresNonResolverErrors(t *testing.T) {
	if resolverErrorMatches(errors.New("Precondition check failed"), "Precondition check failed") {
		t.Fatal("expected plain errors to never match, only *ResolverError")
	}
}

func TestReadFullAccumulatesAcrossShortReads(t *testing.T) {
	// bytes.Reader combined with a small bufio size forces multiple partial
	// reads, exercising readFull's accumulation loop the way a slow pipe
	// from an ffmpeg subprocess would.
	data := bytes.Repeat([]byte{0xAB}, 4096)
	r := bufio.NewReaderSize(bytes.NewReader(data), 16)

	buf := make([]byte, len(data))
	n, err := readFull(r, buf)
	if err != nil {
		t.Fatalf("readFull: %v", err)
	}
	if n != len(data) {
		t.Fatalf("readFull read %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("readFull produced mismatched bytes")
	}
}

func TestReadFullPropagatesEOFOnShortStream(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{1, 2, 3}))
	buf := make([]byte, 10)
	_, err := readFull(r, buf)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on short stream, got %v", err)
	}
}
