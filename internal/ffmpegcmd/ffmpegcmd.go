// Package ffmpegcmd is kanyo's single encoder command builder. spec.md §9
// notes that the original's visit recorder and arrival-clip recorder carried
// two copies of the same per-encoder ffmpeg flag block that had to be kept
// in sync by hand; this package is that refactor — every caller that needs
// an ffmpeg invocation goes through here instead of assembling flags itself.
package ffmpegcmd

import "fmt"

// Encoder identifies a probed hardware (or software fallback) H.264 encoder.
type Encoder string

const (
	VideoToolbox Encoder = "h264_videotoolbox"
	NVENC        Encoder = "h264_nvenc"
	VAAPI        Encoder = "h264_vaapi"
	QuickSync    Encoder = "h264_qsv"
	AMF          Encoder = "h264_amf"
	Software     Encoder = "libx264"
)

// Priority is the probe order spec.md §4.1 names.
var Priority = []Encoder{VideoToolbox, NVENC, VAAPI, QuickSync, AMF, Software}

// RawVideoSinkArgs builds the ffmpeg argument list for consuming raw BGR24
// frames on stdin and writing an MP4/H.264 container to outPath, using enc's
// encoder-specific flags. Every path fixes baseline profile + yuv420p for
// playback compatibility, per spec.md §4.5.
func RawVideoSinkArgs(enc Encoder, width, height, fps, crf int, outPath string) []string {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "pipe:0",
	}
	args = append(args, encoderFlags(enc, crf)...)
	args = append(args,
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	)
	return args
}

// encoderFlags returns the -c:v plus any encoder-specific tuning flags.
func encoderFlags(enc Encoder, crf int) []string {
	switch enc {
	case VideoToolbox:
		return []string{"-c:v", "h264_videotoolbox", "-allow_sw", "1"}
	case NVENC:
		return []string{"-c:v", "h264_nvenc", "-preset", "p4", "-rc", "vbr", "-cq", fmt.Sprintf("%d", crf)}
	case VAAPI:
		return []string{
			"-vf", "format=nv12,hwupload",
			"-vaapi_device", "/dev/dri/renderD128",
			"-c:v", "h264_vaapi",
		}
	case QuickSync:
		return []string{"-c:v", "h264_qsv", "-preset", "fast", "-global_quality", fmt.Sprintf("%d", crf)}
	case AMF:
		return []string{"-c:v", "h264_amf", "-quality", "balanced"}
	default: // Software / unknown: libx264 fallback
		return []string{"-c:v", "libx264", "-preset", "fast", "-crf", fmt.Sprintf("%d", crf)}
	}
}

// RemuxArgs builds a stream-copy (no re-encode) sub-clip extraction from an
// existing visit file: `-ss start -t duration -c copy`, the path spec.md
// §4.5/§4.6 uses for arrival and departure sub-clips.
func RemuxArgs(inPath string, startSeconds, durationSeconds float64, outPath string) []string {
	return []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", startSeconds),
		"-i", inPath,
		"-t", fmt.Sprintf("%.3f", durationSeconds),
		"-c", "copy",
		outPath,
	}
}

// ProbeEncodersArgs lists the encoders ffmpeg was built with, used by the
// encoder probe's first phase (spec.md §4.1).
func ProbeEncodersArgs() []string {
	return []string{"-hide_banner", "-encoders"}
}

// ProbeTestEncodeArgs asks enc to transcode a 1-second synthetic lavfi input
// to a null sink; a clean exit means enc is usable.
func ProbeTestEncodeArgs(enc Encoder) []string {
	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", "testsrc=duration=1:size=1280x720:rate=30",
	}
	args = append(args, encoderFlags(enc, 23)...)
	args = append(args, "-f", "null", "-")
	return args
}

// ThumbnailArgs extracts a single JPEG frame at offsetSeconds into inPath.
func ThumbnailArgs(inPath string, offsetSeconds float64, outPath string) []string {
	return []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", offsetSeconds),
		"-i", inPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	}
}

// BufferClipSinkArgs is RawVideoSinkArgs specialized for re-encoding a
// direct-from-buffer clip (spec.md §4.6 "direct-from-buffer clip"): same
// raw-frame sink shape, distinct name so callers reading the code can tell
// the two call sites apart without re-deriving the flags.
func BufferClipSinkArgs(enc Encoder, width, height, fps, crf int, outPath string) []string {
	return RawVideoSinkArgs(enc, width, height, fps, crf, outPath)
}
