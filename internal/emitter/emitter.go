// Package emitter is the worker-side status producer. Every fleet worker
// reports its job lifecycle through one of these: all updates for a job flow
// through a single FIFO serial queue, so concurrent call sites may race to
// enqueue but HTTP delivery never reorders or overlaps for a given job.
package emitter

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

const queueDepth = 64

// Options configures an Emitter.
type Options struct {
	CallbackURL string
	Token       string
	HTTPClient  *http.Client
	Logger      *logger.Logger
}

// Emitter posts job status callbacks. Safe for concurrent use.
type Emitter struct {
	client      *http.Client
	callbackURL string
	token       string
	log         *logger.Logger

	mu   sync.Mutex
	jobs map[string]*JobEmitter
}

func New(opts Options) *Emitter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Emitter{
		client:      client,
		callbackURL: opts.CallbackURL,
		token:       opts.Token,
		log:         log,
		jobs:        make(map[string]*JobEmitter),
	}
}

// ForJob returns the serial queue for one job, creating it on first use.
func (e *Emitter) ForJob(jobID, mediaID, engine, purpose string) *JobEmitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[jobID]; ok {
		return j
	}
	j := &JobEmitter{
		parent:  e,
		jobID:   jobID,
		mediaID: mediaID,
		engine:  engine,
		purpose: purpose,
		ch:      make(chan update, queueDepth),
		done:    make(chan struct{}),
	}
	e.jobs[jobID] = j
	go j.run()
	return j
}

type update struct {
	status string
	seq    int64
	extra  map[string]interface{}
}

// JobEmitter is the single-consumer queue for one job.
type JobEmitter struct {
	parent  *Emitter
	jobID   string
	mediaID string
	engine  string
	purpose string

	mu           sync.Mutex
	seq          int64
	latched      bool
	lastFraction float64
	lastStatus   string
	closed       bool

	ch   chan update
	done chan struct{}
}

// Progress reports a phase and a 0..1 fraction. Phase "uploading" maps to
// status "uploading", everything else to "running". Updates that keep the
// same status and do not advance the fraction are coalesced away; a status
// change always goes out.
func (j *JobEmitter) Progress(phase string, fraction float64) {
	status := string(model.TaskStatusRunning)
	if phase == "uploading" {
		status = string(model.TaskStatusUploading)
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	j.mu.Lock()
	if j.latched || j.closed {
		j.mu.Unlock()
		return
	}
	if status == j.lastStatus && fraction > 0 && fraction < j.lastFraction+0.01 {
		j.mu.Unlock()
		return
	}
	j.lastFraction = fraction
	j.lastStatus = status
	j.enqueueLocked(status, map[string]interface{}{
		"phase":    phase,
		"progress": fraction,
	})
	j.mu.Unlock()
}

// PostUpdate sends an arbitrary status update. After a terminal status has
// been enqueued the emitter latches: later non-terminal updates are silently
// dropped. Terminal delivery is not exactly-once; receivers dedup.
func (j *JobEmitter) PostUpdate(status string, extra map[string]interface{}) {
	terminal := model.TaskStatus(status).IsTerminal()

	j.mu.Lock()
	if j.closed || (j.latched && !terminal) {
		j.mu.Unlock()
		return
	}
	if terminal {
		j.latched = true
	}
	j.lastStatus = status
	j.enqueueLocked(status, extra)
	j.mu.Unlock()
}

// enqueueLocked assigns the sequence number under the lock so enqueue order
// and eventSeq order always agree.
func (j *JobEmitter) enqueueLocked(status string, extra map[string]interface{}) {
	j.seq++
	select {
	case j.ch <- update{status: status, seq: j.seq, extra: extra}:
	default:
		j.parent.log.Warnw("emitter_queue_full", "jobId", j.jobID, "status", status)
	}
}

// Close drains the queue and stops the consumer.
func (j *JobEmitter) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()
	close(j.ch)
	<-j.done

	j.parent.mu.Lock()
	delete(j.parent.jobs, j.jobID)
	j.parent.mu.Unlock()
}

func (j *JobEmitter) run() {
	defer close(j.done)
	for u := range j.ch {
		j.deliver(u)
	}
}

// deliver posts one callback. Failures are logged and swallowed, never
// surfaced to the job logic; the reconciliation loop covers lost callbacks.
func (j *JobEmitter) deliver(u update) {
	payload := map[string]interface{}{
		"schemaVersion": 2,
		"jobId":         j.jobID,
		"mediaId":       j.mediaID,
		"status":        u.status,
		"engine":        j.engine,
		"purpose":       j.purpose,
		"eventId":       j.jobID + ":" + strconv.FormatInt(u.seq, 10),
		"eventSeq":      u.seq,
		"eventTs":       time.Now().UnixMilli(),
	}
	for k, v := range u.extra {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		j.parent.log.Errorw("emitter_marshal_failed", "jobId", j.jobID, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, j.parent.callbackURL, bytes.NewReader(body))
	if err != nil {
		j.parent.log.Errorw("emitter_request_failed", "jobId", j.jobID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if j.parent.token != "" {
		req.Header.Set("X-Callback-Token", j.parent.token)
	}

	resp, err := j.parent.client.Do(req)
	if err != nil {
		j.parent.log.Warnw("emitter_callback_failed", "jobId", j.jobID, "status", u.status, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		j.parent.log.Warnw("emitter_callback_rejected", "jobId", j.jobID, "status", u.status, "httpStatus", resp.StatusCode)
	}
}
