package ffmpegcmd

import (
	"strings"
	"testing"
)

func TestPriorityOrder(t *testing.T) {
	want := []Encoder{VideoToolbox, NVENC, VAAPI, QuickSync, AMF, Software}
	if len(Priority) != len(want) {
		t.Fatalf("Priority length = %d, want %d", len(Priority), len(want))
	}
	for i, enc := range want {
		if Priority[i] != enc {
			t.Errorf("Priority[%d] = %s, want %s", i, Priority[i], enc)
		}
	}
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func TestRawVideoSinkArgsIncludesBaselineProfile(t *testing.T) {
	args := RawVideoSinkArgs(Software, 1280, 720, 30, 23, "/tmp/out.mp4")
	if !contains(args, "baseline") {
		t.Errorf("expected baseline profile flag, got %v", args)
	}
	if !contains(args, "yuv420p") {
		t.Errorf("expected yuv420p pixel format, got %v", args)
	}
	if args[len(args)-1] != "/tmp/out.mp4" {
		t.Errorf("expected output path last, got %v", args)
	}
}

func TestEncoderFlagsDistinctPerEncoder(t *testing.T) {
	seen := map[string]bool{}
	for _, enc := range Priority {
		flags := strings.Join(encoderFlags(enc, 23), " ")
		if seen[flags] {
			t.Errorf("encoder %s produced flags identical to a previously seen encoder: %q", enc, flags)
		}
		seen[flags] = true
		if !contains(encoderFlags(enc, 23), "-c:v") {
			t.Errorf("encoder %s missing -c:v flag", enc)
		}
	}
}

func TestRemuxArgsUsesStreamCopy(t *testing.T) {
	args := RemuxArgs("/data/visit.mp4", 5.5, 20.25, "/data/clip.mp4")
	if !contains(args, "copy") {
		t.Errorf("expected stream-copy remux, got %v", args)
	}
	if !contains(args, "5.500") {
		t.Errorf("expected formatted start offset, got %v", args)
	}
	if args[len(args)-1] != "/data/clip.mp4" {
		t.Errorf("expected output path last, got %v", args)
	}
}

func TestProbeTestEncodeArgsUsesLavfiSource(t *testing.T) {
	args := ProbeTestEncodeArgs(VAAPI)
	if !contains(args, "lavfi") {
		t.Errorf("expected lavfi test source, got %v", args)
	}
	if !contains(args, "h264_vaapi") {
		t.Errorf("expected vaapi encoder flag present, got %v", args)
	}
}
