package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prober reads container metadata with ffprobe.
type Prober struct {
	Runner      Runner
	FFprobePath string
	Timeout     time.Duration
}

// NewProber returns a Prober with defaults filled in.
func NewProber(r Runner, ffprobePath string) *Prober {
	if r == nil {
		r = ExecRunner{}
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{Runner: r, FFprobePath: ffprobePath, Timeout: time.Minute}
}

// Duration returns the media duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	res, err := run(ctx, p.Runner, p.Timeout, p.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(res.Stdout))
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("ffprobe: unexpected duration %q for %s", raw, path)
	}
	return d, nil
}
