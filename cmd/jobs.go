// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/api"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/upload"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process <fileId> <fileName>",
	Short: "Start transcribing an assembled upload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		job, err := client.Process(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if wait, _ := cmd.Flags().GetBool("wait"); !wait {
			return printJSON(job)
		}
		interval, _ := cmd.Flags().GetDuration("poll_interval")
		final, err := waitForJob(ctx, client, job.JobID, interval, false)
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("output_dir")
		return downloadOutputs(ctx, client, final, dir)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <jobId>",
	Short: "Show the status of a transcription job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if forget, _ := cmd.Flags().GetBool("clear"); forget {
			if err := client.ClearStatus(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("cleared job %s\n", args[0])
			return nil
		}
		job, err := client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <filename>",
	Short: "Download a transcript or caption file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("output_dir")
		return downloadFile(cmd.Context(), client, args[0], dir)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <uploadId>",
	Short: "Cancel an upload and delete its staged chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.CancelUpload(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	rootCmd.AddCommand(processCmd, statusCmd, downloadCmd, cancelCmd)

	processCmd.Flags().Bool("wait", false, "Wait for the job and download the transcript")
	processCmd.Flags().Duration("poll_interval", 2*time.Second, "How often --wait polls the job status")
	processCmd.Flags().String("output_dir", ".", "Where --wait stores the transcript files")

	statusCmd.Flags().Bool("clear", false, "Forget a finished job")

	downloadCmd.Flags().String("output_dir", ".", "Directory to store the file in")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// waitForJob polls the job until it leaves the processing state.
func waitForJob(ctx context.Context, client *upload.Client, jobID string, interval time.Duration, quiet bool) (api.JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	lastMessage := ""
	for {
		job, err := client.Status(ctx, jobID)
		if err != nil && !upload.IsRetryable(err) {
			return job, err
		}
		if err == nil {
			if !quiet && job.Message != lastMessage {
				fmt.Fprintf(os.Stderr, "%3d%% %s\n", job.Progress, job.Message)
				lastMessage = job.Message
			}
			switch job.Status {
			case types.JobCompleted:
				if job.FailedSegments > 0 {
					fmt.Fprintf(os.Stderr, "warning: %d of %d segments could not be transcribed\n", job.FailedSegments, job.Segments)
				}
				return job, nil
			case types.JobError:
				return job, fmt.Errorf("job %s failed: %s", jobID, job.Message)
			}
		}
		if err := utils.Sleep(ctx, interval); err != nil {
			return job, err
		}
	}
}

func downloadOutputs(ctx context.Context, client *upload.Client, job api.JobStatus, dir string) error {
	if job.Files == nil {
		return fmt.Errorf("job %s has no output files", job.JobID)
	}
	for _, name := range []string{job.Files.TextFile, job.Files.CaptionFile} {
		if name == "" {
			continue
		}
		if err := downloadFile(ctx, client, name, dir); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile writes name into dir through a temp file so an interrupted
// download leaves nothing behind.
func downloadFile(ctx context.Context, client *upload.Client, name, dir string) error {
	if !utils.ValidID(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := client.Download(ctx, name, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	fmt.Printf("saved %s (%s)\n", dst, humanize.IBytes(uint64(n)))
	return nil
}
