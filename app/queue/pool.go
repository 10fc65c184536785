package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// Runner invokes the external analysis pipeline. The call is synchronous and
// may block for the whole duration of the analysis; it runs on the worker's
// own goroutine so only that worker is blocked.
type Runner interface {
	Run(ctx context.Context, input json.RawMessage) (result json.RawMessage, err error)
}

// Saver hands a finished job to the asynchronous persistence path.
// Implementations must not block the caller.
type Saver interface {
	Submit(job Job)
}

// Notifier defines notification delivery on finished executions
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(jobID, patient, errorLog string) (string, error)
	MakeCompletionHTML(jobID, patient string) (string, error)
}

// Pool runs a fixed number of workers for the lifetime of the process. Each
// worker loops: dequeue, mark processing, run the analysis, record the
// terminal state, hand the record to the saver and continue. Workers never
// talk to each other and never wait for storage I/O.
type Pool struct {
	Workers  int
	Queue    *Queue
	Store    *Store
	Runner   Runner
	Saver    Saver    // optional, nil when persistence is disabled
	Notifier Notifier // optional
}

// Run starts the workers and blocks until the context is canceled and all
// workers drained. The queue is closed on cancellation to release workers
// blocked in Dequeue.
func (p *Pool) Run(ctx context.Context) {
	if p.Workers <= 0 {
		p.Workers = 1
	}
	log.Printf("[INFO] starting %d analysis workers", p.Workers)

	go func() {
		<-ctx.Done()
		p.Queue.Close()
	}()

	gr := syncs.NewSizedGroup(p.Workers, syncs.Context(ctx), syncs.Preemptive)
	for i := 0; i < p.Workers; i++ {
		num := i + 1
		gr.Go(func(ctx context.Context) {
			log.Printf("[DEBUG] worker %d started", num)
			p.worker(ctx, num)
			log.Printf("[DEBUG] worker %d stopped", num)
		})
	}
	gr.Wait()
	log.Printf("[INFO] all analysis workers stopped")
}

func (p *Pool) worker(ctx context.Context, num int) {
	for {
		id, ok := p.Queue.Dequeue()
		if !ok {
			return
		}
		job, found := p.Store.Get(id)
		if !found {
			log.Printf("[WARN] worker %d got unknown job %s, skipped", num, id)
			continue
		}
		p.process(ctx, num, job)
	}
}

// process executes a single job. A failure of the analysis, including a
// panic, is converted to a terminal failed state and never kills the worker.
func (p *Pool) process(ctx context.Context, num int, job Job) {
	if err := p.Store.MarkProcessing(job.ID, time.Now()); err != nil {
		log.Printf("[WARN] worker %d can't start job %s: %v", num, job.ID, err)
		return
	}
	log.Printf("[INFO] worker %d processing job %s", num, job.ID)

	result, err := p.runAnalysis(ctx, job)
	completed := time.Now()

	if err != nil {
		if e := p.Store.Fail(job.ID, err.Error(), completed); e != nil {
			log.Printf("[WARN] worker %d can't fail job %s: %v", num, job.ID, e)
			return
		}
		log.Printf("[WARN] job %s failed: %v", job.ID, err)
	} else {
		if e := p.Store.Complete(job.ID, result, completed); e != nil {
			log.Printf("[WARN] worker %d can't complete job %s: %v", num, job.ID, e)
			return
		}
		log.Printf("[INFO] worker %d completed job %s in %v", num, job.ID, completed.Sub(job.CreatedAt).Round(time.Millisecond))
	}

	finished, found := p.Store.Get(job.ID)
	if !found {
		return
	}
	if p.Saver != nil {
		p.Saver.Submit(finished) // non-blocking handoff to the persistence path
	}
	p.notify(ctx, finished)
}

// runAnalysis invokes the runner with panic recovery, a crash of the external
// analysis is captured as a per-job error
func (p *Pool) runAnalysis(ctx context.Context, job Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panic: %v", r)
		}
	}()
	return p.Runner.Run(ctx, job.Request)
}

func (p *Pool) notify(ctx context.Context, job Job) {
	if p.Notifier == nil || reflect.ValueOf(p.Notifier).IsNil() {
		return
	}

	patient := patientIdentifier(job.Request)

	if job.Status == StatusFailed && p.Notifier.IsOnError() {
		msg, err := p.Notifier.MakeErrorHTML(job.ID, patient, job.Error)
		if err != nil {
			log.Printf("[WARN] can't make error notification for %s: %v", job.ID, err)
			return
		}
		if err := p.Notifier.Send(ctx, fmt.Sprintf("analysis job %s failed", job.ID), msg); err != nil {
			log.Printf("[WARN] failed to send error notification for %s: %v", job.ID, err)
		}
		return
	}

	if job.Status == StatusCompleted && p.Notifier.IsOnCompletion() {
		msg, err := p.Notifier.MakeCompletionHTML(job.ID, patient)
		if err != nil {
			log.Printf("[WARN] can't make completion notification for %s: %v", job.ID, err)
			return
		}
		if err := p.Notifier.Send(ctx, fmt.Sprintf("analysis job %s completed", job.ID), msg); err != nil {
			log.Printf("[WARN] failed to send completion notification for %s: %v", job.ID, err)
		}
	}
}

// patientIdentifier pulls the patient mrn from the submission payload,
// best effort for notification subjects only
func patientIdentifier(input json.RawMessage) string {
	var req struct {
		PatientInfo struct {
			MRN string `json:"mrn"`
		} `json:"patientInfo"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return ""
	}
	return req.PatientInfo.MRN
}
