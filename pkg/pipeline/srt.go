package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

const (
	// maxCueWords bounds the words shown in one caption.
	maxCueWords = 12
	// secondsPerWord estimates timing when a segment duration is unknown.
	secondsPerWord = 0.4
)

type cue struct {
	start, end time.Duration
	text       string
}

// WriteSRT writes SubRip captions for the transcribed segments. Each segment's
// text is cut into cues of at most maxCueWords words, spread over the
// segment's time range in proportion to their word counts.
func WriteSRT(w io.Writer, segments []types.AudioSegment, results []types.SegmentTranscript) error {
	bySegment := make(map[int]types.AudioSegment, len(segments))
	for _, s := range segments {
		bySegment[s.Index] = s
	}
	sorted := make([]types.SegmentTranscript, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var (
		cues   []cue
		cursor float64
	)
	for _, res := range sorted {
		words := strings.Fields(res.Text)
		if len(words) == 0 {
			continue
		}
		seg, ok := bySegment[res.Index]
		start, dur := cursor, float64(len(words))*secondsPerWord
		if ok {
			start = seg.StartSeconds
			if seg.DurationSeconds > 0 {
				dur = seg.DurationSeconds
			}
		}
		start = math.Max(start, cursor)
		cues = append(cues, splitCues(words, start, dur)...)
		cursor = start + dur
	}

	bw := bufio.NewWriter(w)
	for i, c := range cues {
		if i > 0 {
			bw.WriteString("\n")
		}
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n", i+1, srtTimestamp(c.start), srtTimestamp(c.end), c.text)
	}
	return bw.Flush()
}

func splitCues(words []string, start, dur float64) []cue {
	n := (len(words) + maxCueWords - 1) / maxCueWords
	per := dur / float64(len(words))
	cues := make([]cue, 0, n)
	for i := 0; i < len(words); i += maxCueWords {
		end := min(i+maxCueWords, len(words))
		cues = append(cues, cue{
			start: seconds(start + float64(i)*per),
			end:   seconds(start + float64(end)*per),
			text:  strings.Join(words[i:end], " "),
		})
	}
	return cues
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}

// srtTimestamp formats d as HH:MM:SS,mmm.
func srtTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
