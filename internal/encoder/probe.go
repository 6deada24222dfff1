// Package encoder discovers which hardware H.264 encoder the host offers,
// the way the teacher's camera package probes encoders, generalized to the
// full priority list spec.md §4.1 names and cached for the process lifetime.
package encoder

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/ffmpegcmd"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

// ProbeError is kanyo's EncoderError raised during probing (spec.md §7.4):
// always non-fatal, the probe just tries the next candidate.
type ProbeError struct {
	Encoder ffmpegcmd.Encoder
	Err     error
}

func (e *ProbeError) Error() string {
	return "encoder: probe failed for " + string(e.Encoder) + ": " + e.Err.Error()
}
func (e *ProbeError) Unwrap() error { return e.Err }

const probeTimeout = 10 * time.Second

var (
	cacheMu sync.Mutex
	cached  ffmpegcmd.Encoder
	hasCache bool
)

// Detect returns the first usable encoder from ffmpegcmd.Priority, probing
// each in order: first that ffmpeg -encoders lists it, then that a 1s
// lavfi test-encode to a null sink exits cleanly. Result is cached for the
// process lifetime unless verbose is set, which bypasses the cache for
// diagnostics (spec.md §4.1).
func Detect(ctx context.Context, ffmpegPath string, verbose bool, log *logging.Logger) ffmpegcmd.Encoder {
	cacheMu.Lock()
	if hasCache && !verbose {
		enc := cached
		cacheMu.Unlock()
		return enc
	}
	cacheMu.Unlock()

	reqID := uuid.NewString()
	listed, err := listEncoders(ctx, ffmpegPath)
	knownList := err == nil
	if err != nil {
		log.Warning("failed to query ffmpeg encoders, probing each candidate directly",
			zap.String("request_id", reqID), zap.Error(err))
	}

	for _, candidate := range ffmpegcmd.Priority {
		if candidate != ffmpegcmd.Software && knownList && !strings.Contains(listed, string(candidate)) {
			continue
		}
		if candidate == ffmpegcmd.Software {
			// Software libx264 is the guaranteed fallback; no need to probe it.
			break
		}
		if usable(ctx, ffmpegPath, candidate, reqID, log) {
			cacheMu.Lock()
			cached, hasCache = candidate, true
			cacheMu.Unlock()
			return candidate
		}
	}

	log.Info("no hardware encoder usable, defaulting to software encoder",
		zap.String("request_id", reqID), zap.String("encoder", string(ffmpegcmd.Software)))
	cacheMu.Lock()
	cached, hasCache = ffmpegcmd.Software, true
	cacheMu.Unlock()
	return ffmpegcmd.Software
}

func listEncoders(ctx context.Context, ffmpegPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffmpegPath, ffmpegcmd.ProbeEncodersArgs()...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func usable(ctx context.Context, ffmpegPath string, candidate ffmpegcmd.Encoder, reqID string, log *logging.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffmpegPath, ffmpegcmd.ProbeTestEncodeArgs(candidate)...)
	if err := cmd.Run(); err != nil {
		log.Debug("encoder candidate not usable",
			zap.String("request_id", reqID), zap.String("encoder", string(candidate)), zap.Error(err))
		return false
	}
	return true
}
