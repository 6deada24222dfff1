package encoder

import (
	"context"
	"testing"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/ffmpegcmd"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, cleanup, err := logging.New(logging.Config{Level: logging.DebugLevel})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(cleanup)
	return log.Named("kanyo.encoder.test")
}

// A nonexistent ffmpeg binary makes every probe fail, so Detect must fall
// back to the guaranteed software encoder rather than erroring out.
func TestDetectFallsBackToSoftwareWhenFfmpegMissing(t *testing.T) {
	resetCache()
	enc := Detect(context.Background(), "/nonexistent/ffmpeg-binary-for-kanyo-tests", true, testLogger(t))
	if enc != ffmpegcmd.Software {
		t.Fatalf("Detect() = %s, want software fallback %s", enc, ffmpegcmd.Software)
	}
}

func TestDetectCachesResultAcrossCalls(t *testing.T) {
	resetCache()
	log := testLogger(t)
	first := Detect(context.Background(), "/nonexistent/ffmpeg-binary-for-kanyo-tests", false, log)
	second := Detect(context.Background(), "/a-completely-different-nonexistent-path", false, log)
	if first != second {
		t.Fatalf("expected cached result to be reused regardless of ffmpegPath on the second call: %s vs %s", first, second)
	}
}

func TestDetectVerboseBypassesCache(t *testing.T) {
	resetCache()
	log := testLogger(t)

	// Seed the cache with a hardware encoder that a missing ffmpeg binary
	// can never probe as usable.
	cacheMu.Lock()
	cached, hasCache = ffmpegcmd.NVENC, true
	cachedBefore := cached
	cacheMu.Unlock()

	// Even with a cached value, verbose=true must re-probe rather than
	// short-circuiting on the cache, so the software fallback comes back.
	enc := Detect(context.Background(), "/nonexistent/ffmpeg-binary-for-kanyo-tests", true, log)
	if enc == cachedBefore || enc != ffmpegcmd.Software {
		t.Fatalf("expected verbose re-probe to ignore cached %s and return %s, got %s", cachedBefore, ffmpegcmd.Software, enc)
	}
}

func resetCache() {
	cacheMu.Lock()
	hasCache = false
	cached = ""
	cacheMu.Unlock()
}
