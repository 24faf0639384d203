// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule runs cron-style photon jobs.
//
// # Description
//
// One scheduler goroutine drives a priority queue ordered by next-run time
// with a single reusable timer, instead of arming one OS timer per job. Each
// job is a small state machine (scheduled -> running -> scheduled|cancelled)
// and is unconditionally rescheduled after every run, successful or failed.
//
// Thread Safety:
//
//	Scheduler is safe for concurrent use.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the scheduler.
var (
	// ErrInvalidCron indicates an expression outside the supported dialect.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrUnitNotReady is returned by a Runner when the job's photon has no
	// loaded context. The run is skipped and the job rescheduled without
	// bookkeeping.
	ErrUnitNotReady = errors.New("photon not loaded")

	// ErrMissingField indicates a schedule request without a unit or method.
	ErrMissingField = errors.New("job requires unitName and method")
)

type jobState int

const (
	stateScheduled jobState = iota
	stateRunning
	stateCancelled
)

// Job is the scheduler's bookkeeping for one cron job.
type Job struct {
	ID         string         `json:"id"`
	Method     string         `json:"method"`
	Args       map[string]any `json:"args,omitempty"`
	Cron       string         `json:"cron"`
	UnitName   string         `json:"photonName"`
	WorkingDir string         `json:"workingDir,omitempty"`
	RunCount   int            `json:"runCount"`
	LastRun    *time.Time     `json:"lastRun,omitempty"`
	NextRun    time.Time      `json:"nextRun"`
	CreatedBy  string         `json:"createdBy,omitempty"`

	spec      CronSpec
	state     jobState
	heapIndex int
}

// JobRequest describes a job to schedule. A missing ID gets a generated one.
type JobRequest struct {
	ID         string
	Method     string
	Args       map[string]any
	Cron       string
	UnitName   string
	WorkingDir string
	CreatedBy  string
}

// RunInfo is what a Runner needs to execute one firing.
type RunInfo struct {
	JobID      string
	UnitName   string
	WorkingDir string
	Method     string
	Args       map[string]any
}

// Runner executes a job's method against its photon. Implemented by the
// daemon on top of the unit registry.
type Runner interface {
	RunJob(ctx context.Context, info RunInfo) error
}

// Publisher receives job lifecycle events. Implemented by the pub/sub bus.
type Publisher interface {
	Publish(channel string, message any, excludeID string) int
}

// Scheduler owns the job table and the timer loop.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job
	pq   jobHeap

	runner Runner
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler and starts its timer loop.
func NewScheduler(runner Runner, pub Publisher, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*Job),
		runner: runner,
		pub:    pub,
		logger: logger.With(slog.String("subsystem", "schedule")),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule validates req, stores the job and arms it.
//
// Description:
//
//	An existing job with the same id is cancelled and replaced, so there is
//	never more than one pending firing per job id. The returned Job is a
//	snapshot, safe to serialize.
func (s *Scheduler) Schedule(req JobRequest) (Job, error) {
	spec, err := ParseCron(req.Cron)
	if err != nil {
		return Job{}, err
	}
	if req.UnitName == "" || req.Method == "" {
		return Job{}, ErrMissingField
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[req.ID]; ok {
		old.state = stateCancelled
	}

	j := &Job{
		ID:         req.ID,
		Method:     req.Method,
		Args:       req.Args,
		Cron:       req.Cron,
		UnitName:   req.UnitName,
		WorkingDir: req.WorkingDir,
		CreatedBy:  req.CreatedBy,
		spec:       spec,
		state:      stateScheduled,
		NextRun:    spec.Next(s.now()),
	}
	s.jobs[req.ID] = j
	heap.Push(&s.pq, j)
	s.kick()

	s.logger.Info("job scheduled",
		"job_id", j.ID,
		"photon", j.UnitName,
		"method", j.Method,
		"cron", j.Cron,
		"next_run", j.NextRun)
	jobsScheduled.Inc()
	return snapshotOf(j), nil
}

// Unschedule cancels the job. Returns false when the id is unknown.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	j.state = stateCancelled
	delete(s.jobs, id)
	s.kick()
	s.logger.Info("job unscheduled", "job_id", id)
	return true
}

// Jobs returns a snapshot of all live jobs, ordered by next run.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, snapshotOf(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRun.Before(out[k].NextRun) })
	return out
}

// Has reports whether a job with this id exists. Used by declarative
// auto-registration to avoid duplicating ids.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Close stops the timer loop. In-flight runs finish but are not rescheduled.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single goroutine arming one timer for the earliest pending job.
func (s *Scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		s.mu.Lock()
		var wait time.Duration = -1
		for s.pq.Len() > 0 {
			next := s.pq[0]
			if next.state != stateScheduled {
				heap.Pop(&s.pq)
				continue
			}
			wait = next.NextRun.Sub(s.now())
			if wait > 0 {
				break
			}
			heap.Pop(&s.pq)
			next.state = stateRunning
			go s.run(next)
			wait = -1
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// run executes one firing and hands the job back to the queue.
func (s *Scheduler) run(j *Job) {
	err := s.runner.RunJob(context.Background(), RunInfo{
		JobID:      j.ID,
		UnitName:   j.UnitName,
		WorkingDir: j.WorkingDir,
		Method:     j.Method,
		Args:       j.Args,
	})

	switch {
	case errors.Is(err, ErrUnitNotReady):
		// Nothing ran; reschedule without touching the bookkeeping.
		s.logger.Warn("skipping job run, photon not loaded",
			"job_id", j.ID,
			"photon", j.UnitName)

	default:
		s.mu.Lock()
		j.RunCount++
		last := s.now()
		j.LastRun = &last
		runCount := j.RunCount
		s.mu.Unlock()

		event := "job-completed"
		if err != nil {
			event = "job-failed"
			s.logger.Error("job run failed",
				"job_id", j.ID,
				"photon", j.UnitName,
				"method", j.Method,
				"error", err)
		}
		payload := map[string]any{
			"event":     event,
			"jobId":     j.ID,
			"method":    j.Method,
			"runCount":  runCount,
			"timestamp": last.UnixMilli(),
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.pub.Publish("jobs:"+j.UnitName, payload, "")
		jobRuns.WithLabelValues(event).Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state == stateCancelled {
		return
	}
	j.NextRun = j.spec.Next(s.now())
	j.state = stateScheduled
	heap.Push(&s.pq, j)
	s.kick()
}

func snapshotOf(j *Job) Job {
	out := *j
	out.Args = maps.Clone(j.Args)
	if j.LastRun != nil {
		last := *j.LastRun
		out.LastRun = &last
	}
	return out
}

// jobHeap orders jobs by NextRun. Cancelled entries are skipped lazily when
// they reach the top.
type jobHeap []*Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, k int) bool { return h[i].NextRun.Before(h[k].NextRun) }
func (h jobHeap) Swap(i, k int)      { h[i], h[k] = h[k], h[i]; h[i].heapIndex = i; h[k].heapIndex = k }
func (h *jobHeap) Push(x any)        { j := x.(*Job); j.heapIndex = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	j.heapIndex = -1
	return j
}
