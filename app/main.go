package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rxlab/medq/app/analyzer"
	"github.com/rxlab/medq/app/cleanup"
	"github.com/rxlab/medq/app/conditions"
	"github.com/rxlab/medq/app/notify"
	"github.com/rxlab/medq/app/persistence"
	"github.com/rxlab/medq/app/queue"
	"github.com/rxlab/medq/app/status"
	"github.com/rxlab/medq/app/web"
)

var opts struct {
	Listen  string `short:"l" long:"listen" env:"MEDQ_LISTEN" default:":8080" description:"listen address"`
	Workers int    `short:"w" long:"workers" env:"MEDQ_WORKERS" default:"2" description:"number of analysis workers"`
	Dbg     bool   `long:"dbg" env:"MEDQ_DEBUG" description:"debug mode"`

	Analyzer struct {
		Command     string        `long:"command" env:"COMMAND" required:"true" description:"analysis command, gets the request json on stdin"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"10m" description:"max analysis duration per job"`
		MaxLogLines int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max stderr lines kept per job"`
	} `group:"analyzer" namespace:"analyzer" env-namespace:"MEDQ_ANALYZER"`

	DB struct {
		Host         string        `long:"host" env:"HOST" description:"postgres host, empty disables postgres"`
		Port         int           `long:"port" env:"PORT" default:"5432" description:"postgres port"`
		Name         string        `long:"name" env:"NAME" default:"medq" description:"database name"`
		User         string        `long:"user" env:"USER" default:"medq" description:"database user"`
		Password     string        `long:"password" env:"PASSWORD" description:"database password"`
		SSLMode      string        `long:"sslmode" env:"SSLMODE" default:"disable" description:"postgres sslmode"`
		File         string        `long:"file" env:"FILE" description:"sqlite database path, used when host is empty"`
		MaxConns     int           `long:"max-conns" env:"MAX_CONNS" default:"5" description:"connection pool size"`
		QueryTimeout time.Duration `long:"query-timeout" env:"QUERY_TIMEOUT" default:"5s" description:"per-query limit"`
	} `group:"db" namespace:"db" env-namespace:"MEDQ_DB"`

	Writer struct {
		QueueSize   int `long:"queue-size" env:"QUEUE_SIZE" default:"1000" description:"async write buffer size"`
		Concurrency int `long:"concurrency" env:"CONCURRENCY" default:"1" description:"async write consumers"`
	} `group:"writer" namespace:"writer" env-namespace:"MEDQ_WRITER"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed saves"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"MEDQ_REPEATER"`

	Retention struct {
		Memory         time.Duration `long:"memory" env:"MEMORY" default:"1h" description:"how long finished jobs stay in memory"`
		Days           int           `long:"days" env:"DAYS" default:"30" description:"durable retention in days, 0 disables the db sweep"`
		MemorySchedule string        `long:"memory-schedule" env:"MEMORY_SCHEDULE" default:"@every 5m" description:"cron spec for the memory sweep, 1s granularity minimum"`
		DBSchedule     string        `long:"db-schedule" env:"DB_SCHEDULE" default:"@daily" description:"cron spec for the db sweep, 1s granularity minimum"`
	} `group:"retention" namespace:"retention" env-namespace:"MEDQ_RETENTION"`

	Limits struct {
		MemoryBelow   int     `long:"memory-below" env:"MEMORY_BELOW" default:"90" description:"reject submissions above this system memory percent, 0 disables"`
		LoadBelow     float64 `long:"load-below" env:"LOAD_BELOW" description:"reject submissions above this 1m load average, 0 disables"`
		DiskFreeAbove int     `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"reject submissions below this free disk percent, 0 disables"`
		RSSBelowMB    int     `long:"rss-below-mb" env:"RSS_BELOW_MB" description:"reject submissions above this process rss in MB, 0 disables"`
		SubmitPerSec  float64 `long:"submit-per-sec" env:"SUBMIT_PER_SEC" default:"10" description:"submission rate limit, 0 disables"`
	} `group:"limits" namespace:"limits" env-namespace:"MEDQ_LIMITS"`

	Web struct {
		SyncTimeout time.Duration `long:"sync-timeout" env:"SYNC_TIMEOUT" default:"2m" description:"max wait for synchronous analysis"`
		AdminPasswd string        `long:"admin-passwd" env:"ADMIN_PASSWD" description:"password for admin endpoints, empty disables auth"`
	} `group:"web" namespace:"web" env-namespace:"MEDQ_WEB"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable notifications on completed jobs"`
		ErrorTemplate     string        `long:"err-template" env:"ERR_TEMPLATE" description:"error template file"`
		CompletTemplate   string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion template file"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS      bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail         string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails          []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		WebhookURLs       []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
	} `group:"notify" namespace:"notify" env-namespace:"MEDQ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"file" env:"FILE" default:"medq.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file (MB)"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated log files (days)"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"MEDQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("medq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	store := queue.NewStore()
	intake := queue.NewQueue()

	durable := makeDB(ctx)

	var writer *persistence.Writer
	if durable != nil {
		rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
			Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
		writer = persistence.NewWriter(durable, persistence.WriterParams{
			QueueSize:   opts.Writer.QueueSize,
			Concurrency: opts.Writer.Concurrency,
			Repeater:    rptr,
			OnSaved:     store.SetPersisted,
		})
	}

	pool := &queue.Pool{
		Workers: opts.Workers,
		Queue:   intake,
		Store:   store,
		Runner: &analyzer.CommandRunner{
			Command:     opts.Analyzer.Command,
			Timeout:     opts.Analyzer.Timeout,
			MaxLogLines: opts.Analyzer.MaxLogLines,
		},
		Notifier: makeNotifier(),
	}
	if writer != nil {
		pool.Saver = writer
	}

	sweeper := &cleanup.Service{
		Memory:           store,
		MemoryRetention:  opts.Retention.Memory,
		RetentionDays:    opts.Retention.Days,
		MemorySchedule:   opts.Retention.MemorySchedule,
		DatabaseSchedule: opts.Retention.DBSchedule,
		Degraded:         durable == nil,
	}
	if durable != nil {
		sweeper.Durable = durable
	}

	resolver := &status.Resolver{Memory: store}
	if durable != nil {
		resolver.Durable = durable
	}

	srv := &web.Server{
		Store:           store,
		Queue:           intake,
		Resolver:        resolver,
		Admission:       makeAdmission(),
		Sweeper:         sweeper,
		Workers:         opts.Workers,
		MemoryRetention: opts.Retention.Memory,
		RetentionDays:   opts.Retention.Days,
		SyncTimeout:     opts.Web.SyncTimeout,
		SubmitPerSec:    opts.Limits.SubmitPerSec,
		AuthHash:        makeAuthHash(),
		Version:         revision,
	}
	if durable != nil {
		srv.Durable = durable
	}
	if writer != nil {
		srv.Pending = writer.Pending
	}

	// the writer runs on its own context, canceled only after the pool drains.
	// workers finishing in-flight jobs during shutdown still submit results,
	// stopping the writer with the job context would drop them.
	var wg sync.WaitGroup
	writerCancel := func() {}
	if writer != nil {
		var writerCtx context.Context
		writerCtx, writerCancel = context.WithCancel(context.Background())
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Run(writerCtx)
		}()
	}

	go func() {
		if err := sweeper.Do(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] cleanup terminated, %v", err)
		}
	}()

	go func() {
		if err := srv.Run(ctx, opts.Listen); err != nil {
			log.Printf("[ERROR] web server terminated, %v", err)
			cancel()
		}
	}()

	pool.Run(ctx)  // blocks until canceled, workers drained
	writerCancel() // all results submitted, let the writer flush and stop
	wg.Wait()

	if durable != nil {
		if err := durable.Close(); err != nil {
			log.Printf("[WARN] failed to close database: %v", err)
		}
	}
}

// makeDB connects to durable storage, nil result switches the service to
// degraded mode with in-memory status only
func makeDB(ctx context.Context) *persistence.Store {
	if opts.DB.Host == "" && opts.DB.File == "" {
		log.Printf("[WARN] no database configured, running degraded with in-memory status only")
		return nil
	}

	db, err := persistence.New(persistence.Config{
		Host:         opts.DB.Host,
		Port:         opts.DB.Port,
		Name:         opts.DB.Name,
		User:         opts.DB.User,
		Password:     opts.DB.Password,
		SSLMode:      opts.DB.SSLMode,
		File:         opts.DB.File,
		MaxConns:     opts.DB.MaxConns,
		QueryTimeout: opts.DB.QueryTimeout,
	})
	if err != nil {
		log.Printf("[WARN] database unavailable, running degraded: %v", err)
		return nil
	}

	// jobs stuck in non-terminal states belong to a previous run
	if n, err := db.Reconcile(ctx); err != nil {
		log.Printf("[WARN] reconcile failed: %v", err)
	} else if n > 0 {
		log.Printf("[INFO] reconciled %d interrupted jobs", n)
	}
	return db
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}
	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletTemplate,
		},
		notify.SendersParams{
			FromEmail:    opts.Notify.FromEmail,
			SMTPHost:     opts.Notify.SMTPHost,
			SMTPPort:     opts.Notify.SMTPPort,
			SMTPUsername: opts.Notify.SMTPUsername,
			SMTPPassword: opts.Notify.SMTPPassword,
			SMTPTLS:      opts.Notify.SMTPTLS,
			SMTPStartTLS: opts.Notify.SMTPStartTLS,
			SMTPTimeOut:  opts.Notify.SMTPTimeOut,
			ToEmails:     opts.Notify.ToEmails,
			WebhookURLs:  opts.Notify.WebhookURLs,
		},
	)
}

func makeAdmission() *conditions.Checker {
	cfg := conditions.Config{DiskFreePath: "/"}
	if opts.Limits.MemoryBelow > 0 {
		cfg.MemoryBelow = &opts.Limits.MemoryBelow
	}
	if opts.Limits.LoadBelow > 0 {
		cfg.LoadAvgBelow = &opts.Limits.LoadBelow
	}
	if opts.Limits.DiskFreeAbove > 0 {
		cfg.DiskFreeAbove = &opts.Limits.DiskFreeAbove
	}
	if opts.Limits.RSSBelowMB > 0 {
		cfg.RSSBelowMB = &opts.Limits.RSSBelowMB
	}
	if cfg.MemoryBelow == nil && cfg.LoadAvgBelow == nil && cfg.DiskFreeAbove == nil && cfg.RSSBelowMB == nil {
		return nil
	}
	return &conditions.Checker{Config: cfg}
}

// makeAuthHash converts the admin password to a bcrypt hash, empty disables auth
func makeAuthHash() string {
	if opts.Web.AdminPasswd == "" {
		return ""
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Web.AdminPasswd), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[WARN] can't hash admin password, auth disabled: %v", err)
		return ""
	}
	return string(hash)
}

// setupLogs sets the logging destination and returns the writer, stdout or
// rotated file
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}
	logOpts = append(logOpts, log.Out(out))
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] signal %v received, shutting down", sig)
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
