package monitor

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/behavior"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/config"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/notify"
)

type noopDetector struct{}

func (noopDetector) Detect(img image.Image) ([]Detection, error) { return nil, nil }

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	return &config.Config{
		VideoSource:             "rtsp://example/stream",
		DetectionConfidence:     0.5,
		FrameInterval:           5,
		SubjectLabel:            "falcon",
		ExitTimeout:             30,
		RoostingThreshold:       300,
		RoostingExitTimeout:     600,
		ActivityTimeout:         120,
		BufferSeconds:           2,
		BufferFPS:               5,
		JPEGQuality:             80,
		ClipArrivalBefore:       5,
		ClipArrivalAfter:        5,
		ClipDepartureBefore:     5,
		ClipDepartureAfter:      5,
		ClipStateChangeBefore:   5,
		ClipStateChangeAfter:    5,
		ClipStateChangeCooldown: 10,
		ClipFPS:                 30,
		ClipCRF:                 23,
		ClipWorkers:             2,
		ShortVisitThreshold:     60,
		EncoderProbePath:        "ffmpeg",
		ResolverPath:            "yt-dlp",
		DataRoot:                dir,
		StreamID:                "stream1",
		ClipsDir:                "clips",
		Location:                time.UTC,
	}
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, cleanup, err := logging.New(logging.Config{Level: logging.DebugLevel})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(cleanup)
	return log.Named("kanyo.monitor.test")
}

func TestNewWiresAllComponents(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	m, err := New(context.Background(), cfg, noopDetector{}, notify.NoopBackend{}, false, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Monitor")
	}
	if m.Events() == nil {
		t.Fatal("expected New to wire a non-nil event store")
	}
}

func TestMonitorSatisfiesAdminStatusProvider(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	m, err := New(context.Background(), cfg, noopDetector{}, notify.NoopBackend{}, false, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.State() != behavior.Absent {
		t.Fatalf("expected initial state ABSENT, got %s", m.State())
	}
	if !m.VisitStart().IsZero() {
		t.Fatalf("expected zero VisitStart before any visit, got %v", m.VisitStart())
	}
}
