// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/api"
	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"
	"github.com/LeeDigitalWorks/zapscribe/pkg/events"
	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/media"
	"github.com/LeeDigitalWorks/zapscribe/pkg/pipeline"
	"github.com/LeeDigitalWorks/zapscribe/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapscribe/pkg/stt"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerOpts holds all configuration for the transcription server
type ServerOpts struct {
	// Network binding
	BindAddr  string
	HTTPPort  int
	DebugPort int

	// Staging and scratch space
	ChunkDir      string
	MediaDir      string
	WorkDir       string
	HistoryDir    string // empty keeps job history in memory
	MaxChunkSize  int64
	MinFreeSpace  *utils.FreeSpace
	ChunkMaxAge   time.Duration
	SweepInterval time.Duration

	// Task queue
	QueueDriver       string // memory, mysql or postgres
	QueueDSN          string
	WorkerConcurrency int
	PollInterval      time.Duration

	// ffmpeg
	FFmpegPath       string
	FFprobePath      string
	TranscodeTimeout time.Duration
	SplitThreshold   int64

	Pipeline pipeline.Config
	STT      STTOpts
	Outputs  types.BackendConfig
	Events   events.Config

	ShutdownTimeout time.Duration
}

// STTOpts selects and tunes the speech-to-text provider.
type STTOpts struct {
	Provider  string // openai or mock
	OpenAI    stt.OpenAIConfig
	Retry     stt.RetryConfig
	RPS       float64
	Burst     int
	RedisAddr string // shares the rate limit between servers when set
	MockDelay time.Duration
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the upload and transcription server",
	Long: `Start the zapscribe HTTP server. It stores uploaded chunks, assembles them
into media files and runs transcription jobs on a background worker.`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()

	// Network binding
	f.String("bind_addr", "0.0.0.0", "Interface to listen on")
	f.Int("http_port", 3001, "API HTTP port")
	f.Int("debug_port", 3010, "Debug/metrics HTTP port")

	// Storage
	f.String("data_dir", filepath.Join(os.TempDir(), "zapscribe"), "Base directory for chunks, media, scratch space and history")
	f.String("chunk_dir", "", "Chunk staging directory (default <data_dir>/chunks)")
	f.String("media_dir", "", "Assembled media directory (default <data_dir>/media)")
	f.String("work_dir", "", "Per-job scratch directory (default <data_dir>/work)")
	f.String("history_dir", "", "LevelDB job history directory (default <data_dir>/history, \"none\" keeps it in memory)")
	f.String("max_chunk_size", "64MiB", "Largest accepted chunk")
	f.String("min_free_space", "1GiB", "Reject uploads that would leave less free space (bytes or percent, e.g. 5%)")
	f.Duration("chunk_max_age", chunkstore.DefaultMaxAge, "Remove staged chunks of uploads idle for longer than this")
	f.Duration("sweep_interval", chunkstore.DefaultSweepInterval, "How often abandoned uploads are swept")

	// Task queue
	f.String("queue_driver", "memory", "Pipeline task queue: memory, mysql or postgres")
	f.String("queue_dsn", "", "Database DSN for the mysql and postgres queue drivers")
	f.Int("worker_concurrency", 2, "Transcription jobs run at once")
	f.Duration("poll_interval", time.Second, "Task queue poll interval")

	// ffmpeg
	f.String("ffmpeg_path", "ffmpeg", "Path to the ffmpeg binary")
	f.String("ffprobe_path", "ffprobe", "Path to the ffprobe binary")
	f.Duration("transcode_timeout", media.DefaultTranscodeTimeout, "Audio extraction timeout")
	f.String("split_threshold", "24MiB", "Audio files above this size are split into segments")

	// Pipeline
	f.Int("segment_seconds", pipeline.DefaultSegmentSeconds, "Length of each audio segment in seconds")
	f.Int("batch_size", pipeline.DefaultBatchSize, "Segments transcribed concurrently")
	f.Duration("batch_pause", pipeline.DefaultBatchPause, "Pause between segment batches")
	f.Bool("keep_work_dir", false, "Keep extracted audio and segments after a job")

	// Speech-to-text
	f.String("stt_provider", "openai", "Speech-to-text provider: openai or mock")
	f.String("openai_api_key", "", "OpenAI API key (env ZAPSCRIBE_OPENAI_API_KEY)")
	f.String("openai_base_url", "", "OpenAI compatible base URL")
	f.String("openai_model", "whisper-1", "Transcription model")
	f.String("stt_language", "", "Spoken language hint (ISO-639-1)")
	f.Int("stt_attempts", stt.DefaultAttempts, "Attempts per segment")
	f.Duration("stt_attempt_timeout", stt.DefaultAttemptTimeout, "Timeout of one transcription attempt")
	f.Float64("stt_rps", 0, "Transcription requests per second (0 = unlimited)")
	f.Int("stt_burst", 1, "Transcription request burst")
	f.String("stt_redis_addr", "", "Redis address for a rate limit shared between servers")
	f.Duration("stt_mock_delay", 0, "Simulated latency of the mock provider")

	// Outputs
	f.String("output_type", string(types.StorageTypeLocal), "Transcript storage: local, s3 or memory")
	f.String("output_dir", "", "Transcript directory for local storage (default <data_dir>/outputs)")
	f.String("output_bucket", "", "S3 bucket for transcripts")
	f.String("output_prefix", "", "S3 key prefix for transcripts")
	f.String("output_region", "", "S3 region")
	f.String("output_endpoint", "", "S3 endpoint for S3-compatible stores")

	f.Duration("shutdown_timeout", 30*time.Second, "How long running jobs may take to finish on shutdown")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	opts := loadServerOpts(cmd)

	debug.SetNotReady()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := chunkstore.NewStore(chunkstore.Config{
		ChunkDir:     opts.ChunkDir,
		MediaDir:     opts.MediaDir,
		MaxChunkSize: opts.MaxChunkSize,
		MinFreeSpace: opts.MinFreeSpace,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chunk store")
	}
	debug.AddReadyCheck("chunk_dir", func() error { return utils.TestWritableFile(opts.ChunkDir) })
	debug.AddReadyCheck("media_dir", func() error { return utils.TestWritableFile(opts.MediaDir) })

	queue, db, err := openQueue(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", opts.QueueDriver).Msg("failed to open task queue")
	}
	if db != nil {
		defer db.Close()
		debug.AddReadyCheck("queue_db", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		})
	}

	history, err := openHistory(opts.HistoryDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", opts.HistoryDir).Msg("failed to open job history")
	}
	defer history.Close()

	outputs, err := backend.New(opts.Outputs)
	if err != nil {
		logger.Fatal().Err(err).Str("type", string(opts.Outputs.Type)).Msg("failed to create output storage")
	}
	defer outputs.Close()

	var publishers []events.Publisher
	if opts.Events.Enabled {
		publishers, err = events.NewPublishers(opts.Events)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create event publishers")
		}
		if len(publishers) == 0 {
			logger.Warn().Msg("events enabled but no publisher configured")
		}
	}
	emitter := events.NewEmitter(events.EmitterConfig{
		Queue:   queue,
		Enabled: len(publishers) > 0,
		Events:  opts.Events.Events,
	})

	transcriber, closeSTT, err := newTranscriber(opts.STT)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", opts.STT.Provider).Msg("failed to create transcriber")
	}
	defer closeSTT()

	runner := media.ExecRunner{}
	prober := media.NewProber(runner, opts.FFprobePath)
	orch, err := pipeline.New(opts.Pipeline, pipeline.Deps{
		Jobs:        jobs.NewTable(history),
		Locator:     store,
		Extractor:   media.NewTranscoder(runner, opts.FFmpegPath, opts.TranscodeTimeout),
		Splitter:    media.NewSplitter(runner, opts.FFmpegPath, prober, opts.SplitThreshold),
		Transcriber: transcriber,
		Outputs:     outputs,
		Queue:       queue,
		Events:      emitter,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pipeline")
	}

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           workerID(),
		Queue:        queue,
		PollInterval: opts.PollInterval,
		Concurrency:  opts.WorkerConcurrency,
	})
	worker.RegisterHandler(pipeline.NewTranscribeHandler(orch))
	worker.RegisterHandler(chunkstore.NewCleanupHandler(store))
	var eventHandler *events.Handler
	if len(publishers) > 0 {
		eventHandler = events.NewHandler(publishers)
		worker.RegisterHandler(eventHandler)
	}
	worker.Start(ctx)

	sweeper := chunkstore.NewSweeper(store, chunkstore.SweeperConfig{
		Interval: opts.SweepInterval,
		MaxAge:   opts.ChunkMaxAge,
	})
	sweeper.Start()

	apiServer, err := api.NewServer(api.Options{
		Store:        store,
		MaxChunkSize: opts.MaxChunkSize,
		Pipeline:     orch,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create API server")
	}

	logger.Info().
		Str("chunk_dir", opts.ChunkDir).
		Str("media_dir", opts.MediaDir).
		Str("queue", opts.QueueDriver).
		Str("stt", opts.STT.Provider).
		Str("outputs", string(opts.Outputs.Type)).
		Int("publishers", len(publishers)).
		Msg("Transcription server configuration")

	httpServer := startHTTPServer(apiServer, opts.BindAddr, opts.HTTPPort)
	debugServer := startHTTPServer(debug.GetMux(), opts.BindAddr, opts.DebugPort)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancelShutdown()

	httpServer.Shutdown(shutdownCtx)
	sweeper.Stop()
	stopWorker(shutdownCtx, worker, cancel)
	if eventHandler != nil {
		if err := eventHandler.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close event publishers")
		}
	}
	queue.Close()
	debugServer.Shutdown(shutdownCtx)
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	dataDir := f.String("data_dir")
	dirOrDefault := func(name, sub string) string {
		if dir := f.String(name); dir != "" {
			return dir
		}
		return filepath.Join(dataDir, sub)
	}

	var minFree *utils.FreeSpace
	if raw := f.String("min_free_space"); raw != "" && raw != "0" {
		var err error
		if minFree, err = utils.ParseMinFreeSpace(raw); err != nil {
			logger.Fatal().Err(err).Str("min_free_space", raw).Msg("invalid min_free_space")
		}
	}

	historyDir := dirOrDefault("history_dir", "history")
	if historyDir == "none" {
		historyDir = ""
	}

	opts := ServerOpts{
		BindAddr:      f.String("bind_addr"),
		HTTPPort:      f.Int("http_port"),
		DebugPort:     f.Int("debug_port"),
		ChunkDir:      dirOrDefault("chunk_dir", "chunks"),
		MediaDir:      dirOrDefault("media_dir", "media"),
		WorkDir:       dirOrDefault("work_dir", "work"),
		HistoryDir:    historyDir,
		MaxChunkSize:  f.Size("max_chunk_size"),
		MinFreeSpace:  minFree,
		ChunkMaxAge:   f.Duration("chunk_max_age"),
		SweepInterval: f.Duration("sweep_interval"),

		QueueDriver:       f.String("queue_driver"),
		QueueDSN:          f.String("queue_dsn"),
		WorkerConcurrency: f.Int("worker_concurrency"),
		PollInterval:      f.Duration("poll_interval"),

		FFmpegPath:       f.String("ffmpeg_path"),
		FFprobePath:      f.String("ffprobe_path"),
		TranscodeTimeout: f.Duration("transcode_timeout"),
		SplitThreshold:   f.Size("split_threshold"),

		STT: STTOpts{
			Provider: f.String("stt_provider"),
			OpenAI: stt.OpenAIConfig{
				APIKey:   f.String("openai_api_key"),
				BaseURL:  f.String("openai_base_url"),
				Model:    f.String("openai_model"),
				Language: f.String("stt_language"),
			},
			Retry: stt.RetryConfig{
				Attempts:       f.Int("stt_attempts"),
				AttemptTimeout: f.Duration("stt_attempt_timeout"),
			},
			RPS:       f.Float64("stt_rps"),
			Burst:     f.Int("stt_burst"),
			RedisAddr: f.String("stt_redis_addr"),
			MockDelay: f.Duration("stt_mock_delay"),
		},

		Outputs: types.BackendConfig{
			Type:      types.StorageType(f.String("output_type")),
			Path:      dirOrDefault("output_dir", "outputs"),
			Bucket:    f.String("output_bucket"),
			Prefix:    f.String("output_prefix"),
			Region:    f.String("output_region"),
			Endpoint:  f.String("output_endpoint"),
			AccessKey: viper.GetString("output_access_key"),
			SecretKey: viper.GetString("output_secret_key"),
		},

		ShutdownTimeout: f.Duration("shutdown_timeout"),
	}

	opts.Pipeline = pipeline.Config{
		WorkDir:        opts.WorkDir,
		SegmentSeconds: f.Int("segment_seconds"),
		BatchSize:      f.Int("batch_size"),
		BatchPause:     f.Duration("batch_pause"),
		KeepWorkDir:    f.Bool("keep_work_dir"),
	}

	// [events] with its [events.redis], [events.kafka] and [events.webhook]
	// sections only comes from the config file or env.
	opts.Events = events.DefaultConfig()
	if err := viper.UnmarshalKey("events", &opts.Events); err != nil {
		logger.Fatal().Err(err).Msg("invalid [events] configuration")
	}

	return opts
}

// openQueue returns the pipeline task queue. The *sql.DB is nil for the memory driver.
func openQueue(ctx context.Context, opts ServerOpts) (taskqueue.Queue, *sql.DB, error) {
	switch opts.QueueDriver {
	case "", "memory":
		return taskqueue.NewMemoryQueue(), nil, nil
	case string(taskqueue.DriverMySQL), string(taskqueue.DriverPostgres):
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", opts.QueueDriver)
	}
	if opts.QueueDSN == "" {
		return nil, nil, fmt.Errorf("--queue_dsn is required for the %s queue", opts.QueueDriver)
	}

	driver := taskqueue.Driver(opts.QueueDriver)
	dsn := opts.QueueDSN
	if driver == taskqueue.DriverMySQL {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(driver.SQLDriverName(), dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(opts.WorkerConcurrency + 8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to queue database: %w", err)
	}

	q, err := taskqueue.NewDBQueue(taskqueue.DBQueueConfig{DB: db, Driver: driver})
	if err == nil {
		err = q.Migrate(ctx)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return q, db, nil
}

func openHistory(dir string) (jobs.History, error) {
	if dir == "" {
		logger.Warn().Msg("job history kept in memory; finished jobs are lost on restart")
		return jobs.NewMemoryHistory(), nil
	}
	return jobs.OpenLevelDBHistory(dir)
}

// newTranscriber builds the retrying, rate limited STT client. The returned
// func releases the limiter's Redis connection.
func newTranscriber(opts STTOpts) (stt.Transcriber, func(), error) {
	var inner stt.Transcriber
	switch opts.Provider {
	case "openai":
		o, err := stt.NewOpenAI(opts.OpenAI)
		if err != nil {
			return nil, nil, err
		}
		inner = o
	case "mock":
		inner = &stt.Mock{Delay: opts.MockDelay}
	default:
		return nil, nil, fmt.Errorf("unknown stt provider %q", opts.Provider)
	}

	closer := func() {}
	var limiter stt.Limiter
	switch {
	case opts.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		limiter = stt.NewRedisLimiter(client, stt.RedisLimiterConfig{
			RPS:      max(opts.RPS, 1),
			Burst:    int64(opts.Burst),
			FailOpen: true,
		})
		closer = func() { client.Close() }
	case opts.RPS > 0:
		limiter = stt.NewLocalLimiter(opts.RPS, opts.Burst)
	}
	return stt.NewRetrying(inner, opts.Provider, opts.Retry, limiter), closer, nil
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "zapscribe"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// stopWorker waits for running jobs until ctx expires, then cancels them.
func stopWorker(ctx context.Context, w *taskqueue.Worker, cancelJobs context.CancelFunc) {
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn().Msg("shutdown timeout reached, cancelling running jobs")
		cancelJobs()
		<-stopped
	}
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
