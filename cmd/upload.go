package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/upload"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a media file in resumable chunks",
	Long: `Upload a media file to a zapscribe server in chunks.

Interrupting the command pauses the upload. Run it again with the printed
--upload_id to resume; chunks the server already has are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.String("upload_id", "", "Resume the upload with this id (default: new id)")
	f.String("chunk_size", "50MiB", "Chunk size")
	f.String("limit_rate", "0", "Upload bandwidth cap per second, e.g. 2MiB (0 = unlimited)")
	f.Int("max_retries", upload.DefaultMaxRetries, "Retries per request after the first attempt")
	f.Bool("no_checksum", false, "Do not send per-chunk SHA-256 checksums")
	f.Bool("quiet", false, "Do not draw the progress bar")
	f.Bool("process", false, "Start transcription once the upload is assembled")
	f.Bool("wait", false, "With --process, wait for the job and download the transcript")
	f.String("output_dir", ".", "Where --wait stores the transcript files")
	f.Duration("poll_interval", 2*time.Second, "How often --wait polls the job status")
}

func runUpload(cmd *cobra.Command, args []string) error {
	f := NewFlagLoader(cmd)

	client, err := newClient()
	if err != nil {
		return err
	}

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	quiet := f.Bool("quiet")
	bar := newProgressBar(os.Stderr, quiet)

	ctrl, err := upload.NewController(client, file, upload.Options{
		UploadID:     f.String("upload_id"),
		FileName:     filepath.Base(args[0]),
		ChunkSize:    f.Size("chunk_size"),
		MaxRetries:   f.Int("max_retries"),
		RateLimit:    f.Size("limit_rate"),
		SkipChecksum: f.Bool("no_checksum"),
		OnProgress:   bar.Update,
	})
	if err != nil {
		return err
	}

	snap := ctrl.Session().Snapshot()
	logger.Info().
		Str("upload_id", snap.UploadID).
		Str("file", snap.FileName).
		Int64("size", snap.FileSize).
		Int("chunks", snap.TotalChunks).
		Msg("starting upload")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = ctrl.Start(ctx)
	bar.Done()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, upload.ErrPaused):
		fmt.Fprintf(os.Stderr, "upload paused; resume with: zapscribe upload --upload_id %s %s\n", snap.UploadID, args[0])
		return nil
	default:
		return fmt.Errorf("upload %s: %w", snap.UploadID, err)
	}

	done := ctrl.Session().Snapshot()
	fmt.Printf("uploaded %s as %s (%s)\n", done.FileName, done.UploadID, humanize.IBytes(uint64(done.FileSize)))

	if !f.Bool("process") {
		return nil
	}
	job, err := client.Process(ctx, done.UploadID, done.FileName)
	var httpErr *upload.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == "already_processing" {
		fmt.Printf("job %s is already processing\n", job.JobID)
	} else if err != nil {
		return fmt.Errorf("start processing: %w", err)
	} else {
		fmt.Printf("job %s started\n", job.JobID)
	}

	if !f.Bool("wait") {
		return nil
	}
	final, err := waitForJob(ctx, client, job.JobID, f.Duration("poll_interval"), quiet)
	if err != nil {
		return err
	}
	return downloadOutputs(ctx, client, final, f.String("output_dir"))
}

func newClient() (*upload.Client, error) {
	return upload.NewClient(upload.ClientConfig{BaseURL: viper.GetString("server")})
}

// progressBar draws a single status line that is rewritten in place.
type progressBar struct {
	out   *os.File
	quiet bool
	last  int
}

func newProgressBar(out *os.File, quiet bool) *progressBar {
	return &progressBar{out: out, quiet: quiet}
}

func (p *progressBar) Update(s types.UploadSession) {
	if p.quiet {
		return
	}
	line := renderProgress(s, 30)
	pad := ""
	if n := p.last - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.last = len(line)
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
}

func (p *progressBar) Done() {
	if !p.quiet && p.last > 0 {
		fmt.Fprintln(p.out)
	}
}

// renderProgress formats one progress line, e.g.
// "[=========>          ] 33% 1/3 chunks  50 MiB/150 MiB  12 MiB/s  ETA 8s".
func renderProgress(s types.UploadSession, width int) string {
	frac := s.Progress()
	filled := int(frac * float64(width))
	bar := strings.Repeat("=", filled)
	if filled < width {
		bar += ">" + strings.Repeat(" ", width-filled-1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %3d%% %d/%d chunks", bar, int(frac*100), len(s.UploadedChunks), s.TotalChunks)
	sent := min(confirmed(s), s.FileSize)
	fmt.Fprintf(&b, "  %s/%s", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(s.FileSize)))
	if s.BytesPerSec > 0 {
		fmt.Fprintf(&b, "  %s/s", humanize.IBytes(uint64(s.BytesPerSec)))
	}
	if s.ETA > 0 && s.Status == types.UploadUploading {
		fmt.Fprintf(&b, "  ETA %s", s.ETA.Round(time.Second))
	}
	if s.Status != types.UploadUploading {
		fmt.Fprintf(&b, "  %s", s.Status)
	}
	return b.String()
}

func confirmed(s types.UploadSession) int64 {
	var total int64
	for _, n := range s.UploadedChunks {
		_, length := types.ChunkRange(n, s.FileSize, s.ChunkSize)
		total += length
	}
	return total
}
