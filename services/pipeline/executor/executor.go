// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs an operator graph as a three-stage pipeline.
//
// Every iteration passes through the CPU, Mixed and GPU stages. Stages hand
// iterations to each other through a queue.Policy, so while the GPU stage
// works on iteration i the CPU stage may already prepare iteration i+1 up
// to the configured lookahead. Executor issues all stages from the calling
// goroutine; AsyncExecutor gives each stage its own worker thread.
//
// The protocol is Build, Prefetch, then repeatedly Outputs, ReleaseOutputs
// and Run. Operator failures are queued and reported by the next Outputs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stagepipe/services/pipeline/checkpoint"
	"github.com/AleutianAI/stagepipe/services/pipeline/device"
	"github.com/AleutianAI/stagepipe/services/pipeline/graph"
	"github.com/AleutianAI/stagepipe/services/pipeline/queue"
	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
	"github.com/AleutianAI/stagepipe/services/pipeline/storage"
	"github.com/AleutianAI/stagepipe/services/pipeline/telemetry"
	"github.com/AleutianAI/stagepipe/services/pipeline/workerpool"
	"github.com/AleutianAI/stagepipe/services/pipeline/workspace"
)

var (
	tracer = otel.Tracer("stagepipe.executor")
	meter  = otel.Meter("stagepipe.executor")
)

// counterOutput indexes the output counter after the three stage counters.
const counterOutput = int(stage.Count)

// Driver is the staged execution protocol implemented by Executor and
// AsyncExecutor.
type Driver interface {
	Build(g *graph.Graph, outputNames []string) error
	Prefetch(ctx context.Context) error
	Run(ctx context.Context) error
	RunCPU(ctx context.Context) error
	RunMixed(ctx context.Context) error
	RunGPU(ctx context.Context) error
	Outputs(ctx context.Context) (*OutputSet, error)
	ShareOutputs(ctx context.Context) (*OutputSet, error)
	ReleaseOutputs()
	Shutdown(ctx context.Context) error

	EnableMemoryStats(enabled bool)
	GetExecutorMeta() MetaMap
	EnableCheckpointing(enabled bool) error
	GetCurrentCheckpoint() (*checkpoint.Checkpoint, error)
	RestoreStateFromCheckpoint(cpt *checkpoint.Checkpoint) error

	InputFeedCount(opName string) (int, error)
	GetOperator(name string) (graph.Operator, error)
	Counters() Counters
	State() State
}

type providerNode struct {
	node     *graph.Node
	provider graph.BatchSizeProvider
}

// iterationData is what stages of one iteration share besides buffers.
type iterationData struct {
	batchSize int
	// checkpoint holds the operator state at the start of the iteration.
	checkpoint *checkpoint.Checkpoint
}

// Executor issues every stage from the calling goroutine.
//
// Description:
//
//	Executor owns the storage of a built graph, the device streams of the
//	Mixed and GPU stages and the completion events between them. A stage
//	call takes slots from the queue policy without blocking; calling a
//	stage out of protocol order returns ErrNoFreeSlot instead of hanging.
//
// Thread Safety:
//
//	Each stage may be driven by one goroutine at a time. Distinct stages,
//	Outputs and the query methods may run concurrently, which is how
//	AsyncExecutor uses it.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	runID  string

	qp queue.Policy
	wp workspace.Policy

	// blocking selects Acquire and UseOutput over their Try forms.
	blocking bool

	buildMu sync.Mutex
	built   atomic.Bool

	graph   *graph.Graph
	outputs []graph.TensorID
	depths  queue.StageDepths
	queues  []*storage.StoreQueue
	pool    *workerpool.Pool

	dev     device.Device
	ownsDev bool
	events  *device.EventPool
	streams [stage.Count]device.Stream
	// mixedEvents holds one event per Mixed slot for every Mixed node.
	mixedEvents map[graph.NodeID][]device.Event
	// stageEvents holds one event per slot for the Mixed and GPU stages,
	// recorded when the stage finished an iteration.
	stageEvents [stage.Count][]device.Event
	// outputWait marks the stages whose events Outputs must wait on.
	outputWait [stage.Count]bool

	providers       []providerNode
	hasConditionals bool
	iterData        []iterationData

	iterations [stage.Count + 1]atomic.Int64
	issued     atomic.Bool
	busy       atomic.Int32

	mu    sync.Mutex
	state State
	errs  []error

	checkpointing atomic.Bool
	iterBase      int64

	memStats atomic.Bool
	stats    [stage.Count]statsMap

	shutdownOnce sync.Once
	shutdownErr  error
	// closed is set once Shutdown has drained every stage.
	closed atomic.Bool

	metricsOnce     sync.Once
	stageIterations metric.Int64Counter
	stageDuration   metric.Float64Histogram
	opFailures      metric.Int64Counter
	outputWaitTime  metric.Float64Histogram
	checkpoints     metric.Int64Counter
}

// New creates an executor.
//
// Inputs:
//
//	cfg - Executor settings. Depth, batch size and policies are validated.
//
// Outputs:
//
//	*Executor - The executor. Call Build before anything else.
//	error - ErrInvalidConfig or an unknown policy name.
func New(cfg Config) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qp, err := queue.New(cfg.QueuePolicy, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	wp, err := workspace.New(cfg.WorkspacePolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e := &Executor{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString()[:12],
		qp:     qp,
		wp:     wp,
	}
	for i := range e.stats {
		e.stats[i].m = make(MetaMap)
	}
	return e, nil
}

// initMetrics lazily creates the executor instruments. A failed instrument
// is logged and left nil.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.stageIterations, err = meter.Int64Counter("stagepipe_stage_iterations_total",
			metric.WithDescription("Iterations completed per stage"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_iterations: "+err.Error())
		}
		e.stageDuration, err = meter.Float64Histogram("stagepipe_stage_duration_seconds",
			metric.WithDescription("Host time spent issuing one stage of one iteration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_duration: "+err.Error())
		}
		e.opFailures, err = meter.Int64Counter("stagepipe_operator_failures_total",
			metric.WithDescription("Operator failures per stage"),
		)
		if err != nil {
			initErrors = append(initErrors, "operator_failures: "+err.Error())
		}
		e.outputWaitTime, err = meter.Float64Histogram("stagepipe_output_wait_seconds",
			metric.WithDescription("Time Outputs waited for an iteration to finish"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "output_wait: "+err.Error())
		}
		e.checkpoints, err = meter.Int64Counter("stagepipe_checkpoints_total",
			metric.WithDescription("Checkpoints returned by GetCurrentCheckpoint"),
		)
		if err != nil {
			initErrors = append(initErrors, "checkpoints: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Graph returns the built graph, nil before Build.
func (e *Executor) Graph() *graph.Graph {
	if !e.built.Load() {
		return nil
	}
	return e.graph
}

// Depths returns the per-stage queue depths, zero before Build.
func (e *Executor) Depths() queue.StageDepths {
	if !e.built.Load() {
		return queue.StageDepths{}
	}
	return e.depths
}

// Counters returns a snapshot of the iteration counters. Later stages are
// read first so the snapshot keeps Output <= GPU <= Mixed <= CPU while
// stages run.
func (e *Executor) Counters() Counters {
	var c Counters
	c.Output = e.iterations[counterOutput].Load()
	c.GPU = e.iterations[stage.GPU].Load()
	c.Mixed = e.iterations[stage.Mixed].Load()
	c.CPU = e.iterations[stage.CPU].Load()
	return c
}

// State returns the run state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetOperator returns the operator of the node named name.
func (e *Executor) GetOperator(name string) (graph.Operator, error) {
	if !e.built.Load() {
		return nil, ErrNotBuilt
	}
	node, ok := e.graph.NodeByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
	return node.Op, nil
}

// prefetchPlan returns how many full iterations and how many extra CPU
// iterations Prefetch issues. The synchronous executor keeps one CPU slot
// free so the first Run after Prefetch can start.
func (e *Executor) prefetchPlan() (full, extraCPU int) {
	if _, uniform := e.qp.(*queue.UniformPolicy); uniform {
		return e.depths[stage.CPU], 0
	}
	if e.blocking {
		return e.depths[stage.GPU], e.depths[stage.CPU]
	}
	return e.depths[stage.GPU], e.depths[stage.CPU] - 1
}

// InputFeedCount returns how many batches an input operator needs before
// Prefetch: one per CPU iteration Prefetch issues.
func (e *Executor) InputFeedCount(opName string) (int, error) {
	if !e.built.Load() {
		return 0, ErrNotBuilt
	}
	if _, ok := e.graph.NodeByName(opName); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, opName)
	}
	full, extra := e.prefetchPlan()
	return full + extra, nil
}

// Prefetch fills the pipeline up to its lookahead.
func (e *Executor) Prefetch(ctx context.Context) error {
	if !e.built.Load() {
		return ErrNotBuilt
	}
	full, extra := e.prefetchPlan()
	for i := 0; i < full; i++ {
		if err := e.Run(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < extra; i++ {
		if err := e.RunCPU(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run issues one iteration of every stage.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.RunCPU(ctx); err != nil {
		return err
	}
	if err := e.RunMixed(ctx); err != nil {
		return err
	}
	return e.RunGPU(ctx)
}

// RunCPU runs the CPU operators of the next iteration.
//
// Description:
//
//	Infers the batch size, takes a CPU slot and runs every CPU operator in
//	topological order. Operator errors are queued for Outputs and stop the
//	pipeline; RunCPU itself then returns nil. Once the pipeline stopped,
//	RunCPU does nothing.
//
// Outputs:
//
//	error - ErrNotBuilt, ErrNoFreeSlot or a context error.
func (e *Executor) RunCPU(ctx context.Context) error {
	return e.runStage(ctx, stage.CPU)
}

// RunMixed runs the Mixed operators of the oldest iteration the CPU stage
// finished. Errors behave as for RunCPU.
func (e *Executor) RunMixed(ctx context.Context) error {
	return e.runStage(ctx, stage.Mixed)
}

// RunGPU issues the GPU operators of the oldest iteration the Mixed stage
// finished. Errors behave as for RunCPU.
func (e *Executor) RunGPU(ctx context.Context) error {
	return e.runStage(ctx, stage.GPU)
}

func (e *Executor) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

func (e *Executor) acquire(ctx context.Context, s stage.Kind) (queue.Idxs, error) {
	if e.blocking {
		return e.qp.Acquire(ctx, s)
	}
	idxs, ok, err := e.qp.TryAcquire(s)
	if err != nil {
		return idxs, err
	}
	if !ok {
		return idxs, fmt.Errorf("%w: %s stage; release outputs before running the next iteration", ErrNoFreeSlot, s)
	}
	return idxs, nil
}

func (e *Executor) runStage(ctx context.Context, s stage.Kind) error {
	if !e.built.Load() {
		return ErrNotBuilt
	}
	if !e.running() {
		return nil
	}
	e.issued.Store(true)

	idxs, err := e.acquire(ctx, s)
	if err != nil {
		if errors.Is(err, queue.ErrStopped) {
			return nil
		}
		return err
	}

	e.busy.Add(1)
	defer e.busy.Add(-1)

	e.initMetrics()
	started := time.Now()
	iter := e.iterations[s].Load()
	ctx, span := tracer.Start(ctx, "executor.Run"+stageSpanName(s),
		trace.WithAttributes(
			attribute.String("pipeline", e.graph.Name()),
			attribute.Int64("iteration", e.iterBase+iter),
			attribute.String("idxs", idxs.String()),
		),
	)
	defer span.End()

	ok := e.runOperators(ctx, s, iter, idxs)
	if ok {
		ok = e.finishStage(ctx, s, iter, idxs)
	}
	if ok {
		e.iterations[s].Add(1)
		if e.stageIterations != nil {
			e.stageIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", s.String())))
		}
	} else {
		telemetry.RecordError(span, errors.New("stage failed"))
	}

	if s == stage.GPU {
		e.qp.Release(s, idxs)
		if ok {
			e.qp.QueueOutput(idxs)
		}
	} else {
		e.qp.Release(s, idxs)
	}

	if e.stageDuration != nil {
		e.stageDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("stage", s.String())))
	}
	return nil
}

func stageSpanName(s stage.Kind) string {
	switch s {
	case stage.CPU:
		return "CPU"
	case stage.Mixed:
		return "Mixed"
	default:
		return "GPU"
	}
}

// runOperators runs the nodes of stage s and reports whether all succeeded.
func (e *Executor) runOperators(ctx context.Context, s stage.Kind, iter int64, idxs queue.Idxs) bool {
	slot := &e.iterData[iter%int64(len(e.iterData))]
	if s == stage.CPU {
		bs, from, err := e.inferBatchSize()
		if err != nil {
			e.handleError(s, from, iter, err)
			return false
		}
		slot.batchSize = bs
		if e.checkpointing.Load() {
			next := &e.iterData[(iter+1)%int64(len(e.iterData))]
			next.checkpoint.Reset(e.iterBase + iter + 1)
		}
	}
	batchSize := slot.batchSize
	stream := e.streams[s]

	for _, node := range e.graph.StageNodes(s) {
		ws, err := e.wp.Get(s, idxs, node)
		if err != nil {
			e.handleError(s, node.Name, iter, err)
			return false
		}
		bs := batchSize
		if e.hasConditionals && ws.NumInput() > 0 {
			bs = ws.Input(0).NumSamples()
		}
		ws.Prepare(e.iterBase+iter, bs)

		if stream != nil {
			for _, ev := range ws.WaitEvents() {
				if err := stream.WaitEvent(ev); err != nil {
					e.handleError(s, node.Name, iter, err)
					return false
				}
			}
		}
		if err := runOperator(ctx, node, ws); err != nil {
			e.handleError(s, node.Name, iter, err)
			return false
		}
		if ev := ws.CompletionEvent(); ev != nil && stream != nil {
			if err := stream.Record(ev); err != nil {
				e.handleError(s, node.Name, iter, err)
				return false
			}
		}

		e.fillStats(s, node, ws)
		if e.checkpointing.Load() {
			if err := e.captureState(node, ws, iter); err != nil {
				e.handleError(s, node.Name, iter, err)
				return false
			}
		}
	}
	return true
}

// runOperator calls the operator, turning a panic into an error.
func runOperator(ctx context.Context, node *graph.Node, ws *workspace.Workspace) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return node.Op.Run(ctx, ws)
}

// finishStage records the stage event. The Mixed stage also waits for it
// on the host, since the CPU slot it read is freed by Release.
func (e *Executor) finishStage(ctx context.Context, s stage.Kind, iter int64, idxs queue.Idxs) bool {
	stream := e.streams[s]
	if stream == nil || len(e.stageEvents[s]) == 0 {
		return true
	}
	ev := e.stageEvents[s][idxs[s]%len(e.stageEvents[s])]
	if err := stream.Record(ev); err != nil {
		e.handleError(s, "", iter, err)
		return false
	}
	if s != stage.Mixed {
		return true
	}
	if err := ev.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.handleError(s, "", iter, err)
		return false
	}
	return true
}

// inferBatchSize asks every batch size provider for the next batch size.
// The returned name is the provider blamed for an error.
func (e *Executor) inferBatchSize() (int, string, error) {
	if len(e.providers) == 0 {
		return e.cfg.MaxBatchSize, "", nil
	}
	first := e.providers[0]
	bs := first.provider.NextBatchSize()
	for _, p := range e.providers[1:] {
		if n := p.provider.NextBatchSize(); n != bs {
			return 0, p.node.Name, fmt.Errorf("%w: %q reports %d, %q reports %d",
				ErrBatchSizeMismatch, first.node.Name, bs, p.node.Name, n)
		}
	}
	if bs < 1 || bs > e.cfg.MaxBatchSize {
		return 0, first.node.Name, fmt.Errorf("%w: %d not in (0, %d]", ErrInvalidBatchSize, bs, e.cfg.MaxBatchSize)
	}
	for _, p := range e.providers {
		p.provider.Advance()
	}
	return bs, "", nil
}

// handleError queues a StageError and stops the pipeline.
func (e *Executor) handleError(s stage.Kind, opName string, iter int64, err error) {
	if opName == "" {
		var nodeErr *graph.NodeError
		if errors.As(err, &nodeErr) {
			opName = nodeErr.NodeName
		}
	}
	serr := &StageError{Operator: opName, Stage: s, Iteration: e.iterBase + iter, Err: err}

	e.mu.Lock()
	e.errs = append(e.errs, serr)
	e.state = StateFailed
	e.mu.Unlock()
	e.qp.SignalStop()

	e.logger.Error("operator failed",
		slog.String("run_id", e.runID),
		slog.String("stage", s.String()),
		slog.String("operator", opName),
		slog.Int64("iteration", serr.Iteration),
		slog.String("error", err.Error()),
	)
	e.initMetrics()
	if e.opFailures != nil {
		e.opFailures.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("stage", s.String()),
			attribute.String("operator", opName),
		))
	}
}

// pendingError returns the oldest queued error, or the stop condition.
func (e *Executor) pendingError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return err
	}
	switch e.state {
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrStopped, ErrFailed)
	case StateStopping:
		return ErrStopped
	default:
		return nil
	}
}

// stop moves a running executor to Stopping and wakes every waiter.
func (e *Executor) stop() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateStopping
	}
	e.mu.Unlock()
	e.qp.SignalStop()
}

// fail queues err as a stage error raised outside a stage call.
func (e *Executor) fail(s stage.Kind, iter int64, err error) {
	e.handleError(s, "", iter, err)
}

// Outputs releases the output held by the caller, if any, and shares the
// next one.
func (e *Executor) Outputs(ctx context.Context) (*OutputSet, error) {
	e.ReleaseOutputs()
	return e.ShareOutputs(ctx)
}

// ShareOutputs returns the oldest finished iteration.
//
// Description:
//
//	Reports the oldest queued error first. Otherwise takes the next output,
//	waits until the device finished it and returns its buffers. The buffers
//	stay valid until ReleaseOutputs.
//
// Outputs:
//
//	*OutputSet - The outputs of the iteration.
//	error - A *StageError, ErrStopped (joined with ErrFailed after a failure),
//	        ErrNoOutput or ErrNotBuilt.
func (e *Executor) ShareOutputs(ctx context.Context) (*OutputSet, error) {
	if !e.built.Load() {
		return nil, ErrNotBuilt
	}
	if err := e.pendingError(); err != nil {
		return nil, err
	}
	e.initMetrics()
	started := time.Now()

	var idxs queue.Idxs
	if e.blocking {
		var err error
		idxs, err = e.qp.UseOutput(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrStopped) {
				if perr := e.pendingError(); perr != nil {
					return nil, perr
				}
				return nil, ErrStopped
			}
			return nil, err
		}
	} else {
		got, ok, err := e.qp.TryUseOutput()
		if err != nil {
			if perr := e.pendingError(); perr != nil {
				return nil, perr
			}
			return nil, ErrStopped
		}
		if !ok {
			return nil, fmt.Errorf("%w: call Run first", ErrNoOutput)
		}
		idxs = got
	}

	iter := e.iterations[counterOutput].Load()
	for _, s := range []stage.Kind{stage.Mixed, stage.GPU} {
		if !e.outputWait[s] {
			continue
		}
		ev := e.stageEvents[s][idxs[s]%len(e.stageEvents[s])]
		if err := ev.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.fail(s, iter, err)
			return nil, e.pendingError()
		}
	}
	if e.outputWaitTime != nil {
		e.outputWaitTime.Record(ctx, time.Since(started).Seconds())
	}

	set := &OutputSet{Iteration: e.iterBase + iter, Outputs: make([]Output, 0, len(e.outputs))}
	for _, tid := range e.outputs {
		t := e.graph.Tensor(tid)
		producer := e.graph.Producer(tid)
		set.Outputs = append(set.Outputs, Output{
			Name:   t.Name,
			Tensor: tid,
			Device: t.Device,
			Data:   e.queues[tid].Slot(idxs[producer.Stage]),
		})
	}
	e.iterations[counterOutput].Add(1)
	return set, nil
}

// ReleaseOutputs returns the slots of the oldest shared output.
func (e *Executor) ReleaseOutputs() {
	if !e.built.Load() {
		return
	}
	e.qp.ReleaseOutput()
}

// Shutdown stops the pipeline, drains the device and frees its resources.
// Outputs returns ErrStopped afterwards. Safe to call more than once.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.stop()
		defer e.closed.Store(true)
		if !e.built.Load() {
			return
		}
		e.shutdownErr = e.releaseDevice(ctx)
		e.logger.Info("executor shut down",
			slog.String("run_id", e.runID),
			slog.String("pipeline", e.graph.Name()),
			slog.Int64("outputs", e.iterations[counterOutput].Load()),
		)
	})
	return e.shutdownErr
}

// releaseDevice waits for the streams and returns device resources.
func (e *Executor) releaseDevice(ctx context.Context) error {
	if e.dev == nil {
		return nil
	}
	var errs []error
	if err := e.syncDevice(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range e.streams {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, evs := range e.mixedEvents {
		for _, ev := range evs {
			e.events.Put(ev)
		}
	}
	for _, evs := range e.stageEvents {
		for _, ev := range evs {
			e.events.Put(ev)
		}
	}
	e.events.Close()
	if e.ownsDev {
		if err := e.dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Driver = (*Executor)(nil)
