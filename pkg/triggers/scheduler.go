// Package triggers starts executions of workflows whose root is a schedule trigger.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/runtime"
)

// ScheduleTriggerType is the node type the scheduler looks for
const ScheduleTriggerType = "schedule_trigger"

// ErrInvalidSchedule is returned for a cron expression or time zone that cannot be parsed
var ErrInvalidSchedule = errors.New("invalid schedule")

// parser accepts six fields with seconds first; descriptors like @hourly work as well
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Starter starts workflow executions. *runtime.Orchestrator satisfies it.
type Starter interface {
	StartExecution(ctx context.Context, req runtime.StartRequest) (*runtime.StartResponse, error)
}

// WorkflowLister lists workflow definitions. storage.WorkflowStore satisfies it.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
}

// Options configures a Scheduler
type Options struct {
	Workflows WorkflowLister
	Starter   Starter
	Logger    logging.Logger

	// ResyncInterval re-scans the workflow store periodically; zero disables it
	ResyncInterval time.Duration

	// Location is the default time zone of schedules without one
	Location *time.Location
}

// Entry describes one scheduled trigger
type Entry struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	Schedule   string    `json:"schedule"`
	Timezone   string    `json:"timezone"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitempty"`
}

// job is a schedule trigger bound to its workflow
type job struct {
	workflowID string
	nodeID     string
	spec       string
	timezone   string
	payload    map[string]interface{}
}

// Scheduler fires schedule triggers through a cron runner
type Scheduler struct {
	workflows WorkflowLister
	starter   Starter
	logger    logging.Logger
	location  *time.Location
	resync    time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	entries map[cron.EntryID]job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler; nothing fires until Start
func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger.WithFields(logging.F("component", "scheduler"))
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		workflows: opts.Workflows,
		starter:   opts.Starter,
		logger:    logger,
		location:  opts.Location,
		resync:    opts.ResyncInterval,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[cron.EntryID]job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads the schedules and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.Sync(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.resync > 0 {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.resync), func() {
			if _, err := s.Sync(s.ctx); err != nil {
				s.logger.Error("failed to resync schedules", logging.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule resync: %w", err)
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", logging.F("entries", len(s.entries)))
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync replaces the scheduled entries with the schedule triggers currently stored.
// Workflows with an invalid schedule are logged and skipped.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	list, err := s.workflows.ListWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows: %w", err)
	}

	var jobs []job
	for _, wf := range list {
		jobs = append(jobs, scheduleJobs(wf)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = make(map[cron.EntryID]job, len(jobs))

	for _, j := range jobs {
		schedule, err := s.parse(j.spec, j.timezone)
		if err != nil {
			s.logger.Warn("skipping schedule trigger",
				logging.F("workflow_id", j.workflowID),
				logging.F("node_id", j.nodeID),
				logging.Err(err))
			continue
		}
		id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(s.ctx, j) }))
		s.entries[id] = j
	}

	s.logger.Debug("schedules synced", logging.F("entries", len(s.entries)))
	return len(s.entries), nil
}

// Entries lists the scheduled triggers ordered by workflow and node
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, j := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, Entry{
			WorkflowID: j.workflowID,
			NodeID:     j.nodeID,
			Schedule:   j.spec,
			Timezone:   j.timezone,
			Next:       e.Next,
			Prev:       e.Prev,
		})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].WorkflowID != out[k].WorkflowID {
			return out[i].WorkflowID < out[k].WorkflowID
		}
		return out[i].NodeID < out[k].NodeID
	})
	return out
}

// Validate checks a cron expression and optional time zone
func Validate(spec, timezone string) error {
	_, err := parseSchedule(spec, timezone, nil)
	return err
}

func (s *Scheduler) parse(spec, timezone string) (cron.Schedule, error) {
	return parseSchedule(spec, timezone, s.location)
}

func parseSchedule(spec, timezone string, fallback *time.Location) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
	}
	if timezone == "" && fallback != nil {
		timezone = fallback.String()
	}
	if timezone != "" && !strings.HasPrefix(spec, "@every") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("%w: time zone '%s': %v", ErrInvalidSchedule, timezone, err)
		}
		spec = "CRON_TZ=" + timezone + " " + spec
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return schedule, nil
}

// fire starts one scheduled execution
func (s *Scheduler) fire(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	data := make(map[string]interface{}, len(j.payload)+2)
	for k, v := range j.payload {
		data[k] = v
	}
	data["scheduled_at"] = time.Now().UTC().Format(time.RFC3339)
	data["trigger_node"] = j.nodeID

	resp, err := s.starter.StartExecution(ctx, runtime.StartRequest{
		WorkflowID:  j.workflowID,
		TriggerData: data,
		Source:      models.SourceSchedule,
	})
	if err != nil {
		s.logger.Error("scheduled execution failed to start",
			logging.F("workflow_id", j.workflowID),
			logging.F("node_id", j.nodeID),
			logging.Err(err))
		return
	}
	s.logger.Info("scheduled execution started",
		logging.F("workflow_id", j.workflowID),
		logging.F("execution_id", resp.ExecutionID))
}

// scheduleJobs collects the schedule triggers at the top level of a workflow
func scheduleJobs(wf *models.Workflow) []job {
	var out []job
	for _, n := range wf.Nodes {
		if n.Type != ScheduleTriggerType {
			continue
		}
		spec, _ := n.Config["cron"].(string)
		tz, _ := n.Config["timezone"].(string)
		payload, _ := n.Config["payload"].(map[string]interface{})
		out = append(out, job{
			workflowID: wf.ID,
			nodeID:     n.ID,
			spec:       spec,
			timezone:   tz,
			payload:    payload,
		})
	}
	return out
}

// cronLogger routes cron's own logging into the structured logger
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(kvFields(keysAndValues), logging.Err(err))...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
