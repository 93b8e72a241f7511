package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/stratix/stratix-go/workflow/emit"
	"github.com/stratix/stratix-go/workflow/store"
)

// dispatchNode runs one node of any type: condition check, type-specific
// execution, then context merge and checkpoint for top-level nodes.
// extra carries iteration-scoped variables when the node runs inside a
// loop body.
func (e *Engine) dispatchNode(ctx context.Context, inst *store.Instance, def *store.Definition, node *store.NodeDefinition, parentID int64, extra map[string]any) error {
	env := e.templateEnv(inst, extra)

	if node.Condition != "" {
		ok, err := e.cond.Evaluate(node.Condition, env)
		if err != nil {
			return WrapError(KindValidation, fmt.Sprintf("node %q condition", node.NodeID), err).WithCode("condition_eval")
		}
		if !ok {
			ni := e.newNodeInstance(inst, node, parentID)
			ni.Status = store.NodeSkipped
			now := time.Now().UTC()
			ni.CompletedAt = &now
			if err := e.store.CreateNodeInstance(ctx, ni); err != nil {
				return WrapError(KindDatabase, "persist skipped node", err)
			}
			e.publish(emit.Event{Type: emit.EventNodeSkipped, WorkflowInstanceID: inst.ID,
				NodeInstanceID: ni.ID, NodeID: node.NodeID,
				Payload: map[string]any{"condition": node.Condition}})
			return nil
		}
	}

	var (
		ni  *store.NodeInstance
		err error
	)
	switch node.NodeType {
	case store.NodeSimple, store.NodeTask:
		ni, err = e.runExecutorNode(ctx, inst, node, parentID, env)
	case store.NodeParallel:
		ni, err = e.runParallelNode(ctx, inst, def, node, parentID, extra)
	case store.NodeLoop:
		ni, err = e.runLoopNode(ctx, inst, def, node, parentID, env, extra)
	case store.NodeSubprocess:
		ni, err = e.runSubprocessNode(ctx, inst, node, parentID, env)
	default:
		return Errorf(KindValidation, "node %q has unknown type %q", node.NodeID, node.NodeType).WithCode("unknown_node_type")
	}
	if err != nil {
		return err
	}

	// Top-level output merges into the context bag under the node id and
	// checkpoints, so later nodes (and recovery) see it.
	if parentID == 0 && ni != nil && ni.OutputData != nil {
		if inst.ContextData == nil {
			inst.ContextData = map[string]any{}
		}
		inst.ContextData[node.NodeID] = ni.OutputData
		inst.CurrentNodeID = node.NodeID
		if err := e.store.SaveInstanceProgress(ctx, inst); err != nil {
			return WrapError(KindDatabase, "checkpoint progress", err)
		}
	}
	return nil
}

// claimNodeRow returns the node instance row a dispatch will run under.
// A rewound top-level row (left pending by instance retry or crash
// recovery) is reused so the node keeps one row of history; otherwise a
// fresh row is created.
func (e *Engine) claimNodeRow(ctx context.Context, inst *store.Instance, node *store.NodeDefinition, parentID int64) (*store.NodeInstance, error) {
	if parentID == 0 {
		rows, err := e.store.ListNodeInstances(ctx, inst.ID)
		if err != nil {
			return nil, WrapError(KindDatabase, "list node instances", err)
		}
		for _, existing := range rows {
			if existing.ParentNodeInstanceID == 0 && existing.NodeID == node.NodeID &&
				existing.Status == store.NodePending {
				return existing, nil
			}
		}
	}
	ni := e.newNodeInstance(inst, node, parentID)
	if err := e.store.CreateNodeInstance(ctx, ni); err != nil {
		return nil, WrapError(KindDatabase, "persist node instance", err)
	}
	return ni, nil
}

func (e *Engine) newNodeInstance(inst *store.Instance, node *store.NodeDefinition, parentID int64) *store.NodeInstance {
	return &store.NodeInstance{
		WorkflowInstanceID:   inst.ID,
		NodeID:               node.NodeID,
		ParentNodeInstanceID: parentID,
		NodeType:             node.NodeType,
		Status:               store.NodePending,
	}
}

// runExecutorNode runs a simple/task node through its registered executor
// with the retry and timeout policy applied.
func (e *Engine) runExecutorNode(ctx context.Context, inst *store.Instance, node *store.NodeDefinition, parentID int64, env map[string]any) (*store.NodeInstance, error) {
	exec, err := e.registry.Get(node.Executor)
	if err != nil {
		return nil, err
	}

	config, missing, err := e.resolver.ResolveMap(node.InputData, env)
	if err != nil {
		return nil, WrapError(KindValidation, fmt.Sprintf("node %q input resolution", node.NodeID), err).WithCode("template_resolution")
	}
	if len(missing) > 0 {
		e.log.Debug().Int64("instance", inst.ID).Str("node", node.NodeID).
			Strs("missing", missing).Msg("unresolved template variables")
	}
	if cv, ok := exec.(ConfigValidator); ok {
		if verr := cv.ValidateConfig(config); verr != nil {
			return nil, WrapError(KindValidation, fmt.Sprintf("node %q config", node.NodeID), verr).WithCode("config_invalid")
		}
	}

	ni, err := e.claimNodeRow(ctx, inst, node, parentID)
	if err != nil {
		return nil, err
	}
	ni.InputData = config

	ec := &ExecutionContext{
		Instance:       inst,
		NodeInstance:   ni,
		Node:           node,
		PreviousOutput: e.previousOutput(inst, node),
		Config:         config,
		Progress: func(percent int, message string) {
			e.appendLog(inst.ID, ni.ID, "info",
				fmt.Sprintf("progress %d%%: %s", percent, message), nil)
		},
	}

	policy := DefaultRetryPolicy(node.MaxRetries)
	maxAttempts := policy.MaxAttempts
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter, not crypto
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := time.Now().UTC()
		ni.Status = store.NodeRunning
		ni.RetryCount = attempt
		ni.ErrorMessage = ""
		if ni.StartedAt == nil {
			ni.StartedAt = &now
		}
		if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
			return nil, WrapError(KindDatabase, "mark node running", err)
		}
		if attempt == 0 {
			e.publish(emit.Event{Type: emit.EventNodeStarted, WorkflowInstanceID: inst.ID,
				NodeInstanceID: ni.ID, NodeID: node.NodeID,
				Payload: map[string]any{"executor": node.Executor}})
		}
		if h, ok := exec.(Hooks); ok {
			h.OnStart(ctx, ec)
		}

		started := time.Now()
		result, execErr := e.invokeWithTimeout(ctx, exec, ec, node)
		elapsed := time.Since(started)
		e.metrics.ObserveNode(string(node.NodeType), execErr == nil && result != nil && result.Success, elapsed)

		// A cancellation that landed mid-flight discards the result.
		if ctx.Err() != nil {
			ni.Status = store.NodeCancelled
			completedAt := time.Now().UTC()
			ni.CompletedAt = &completedAt
			if uerr := e.store.UpdateNodeInstance(ctx, ni); uerr != nil && !errors.Is(uerr, store.ErrTerminal) {
				e.log.Warn().Err(uerr).Int64("node_instance", ni.ID).Msg("mark node cancelled")
			}
			return nil, WrapError(KindStateTransition, fmt.Sprintf("node %q cancelled", node.NodeID), ctx.Err())
		}

		if result != nil {
			for _, line := range result.Logs {
				e.appendLog(inst.ID, ni.ID, "info", line, nil)
			}
		}

		if execErr == nil && result != nil && result.Success {
			if h, ok := exec.(Hooks); ok {
				h.OnSuccess(ctx, ec, result)
			}
			completedAt := time.Now().UTC()
			ni.Status = store.NodeCompleted
			ni.OutputData = result.Data
			ni.CompletedAt = &completedAt
			if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
				return nil, WrapError(KindDatabase, "mark node completed", err)
			}
			e.publish(emit.Event{Type: emit.EventNodeCompleted, WorkflowInstanceID: inst.ID,
				NodeInstanceID: ni.ID, NodeID: node.NodeID,
				Payload: map[string]any{"duration_ms": elapsed.Milliseconds()}})
			return ni, nil
		}

		lastErr = execFailure(node, result, execErr)
		retryable := IsRetryable(lastErr)
		if node.ErrorHandling == store.ErrorRetry {
			// Forced-retry policy: even non-retryable classifications
			// re-enter the loop until attempts run out.
			retryable = true
		}
		var retryDelay time.Duration
		if result != nil {
			if result.ShouldRetry != nil {
				retryable = *result.ShouldRetry
			}
			retryDelay = result.RetryDelay
		}

		if retryable && attempt+1 < maxAttempts {
			e.metrics.IncRetry(string(node.NodeType))
			delay := retryDelay
			if delay <= 0 {
				delay = computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, rng)
			}
			e.publish(emit.Event{Type: emit.EventNodeRetrying, WorkflowInstanceID: inst.ID,
				NodeInstanceID: ni.ID, NodeID: node.NodeID,
				Payload: map[string]any{"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "error": lastErr.Error()}})
			select {
			case <-ctx.Done():
				return nil, WrapError(KindStateTransition, fmt.Sprintf("node %q cancelled", node.NodeID), ctx.Err())
			case <-time.After(delay):
			}
			continue
		}
		break
	}

	completedAt := time.Now().UTC()
	ni.Status = store.NodeFailed
	ni.ErrorMessage = lastErr.Error()
	ni.CompletedAt = &completedAt
	if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
		return nil, WrapError(KindDatabase, "mark node failed", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeFailed, WorkflowInstanceID: inst.ID,
		NodeInstanceID: ni.ID, NodeID: node.NodeID,
		Payload: map[string]any{"error": lastErr.Error(), "retries": ni.RetryCount}})
	e.appendLog(inst.ID, ni.ID, "error", lastErr.Error(), nil)
	return ni, lastErr
}

// invokeWithTimeout calls the executor under the node's timeout (or the
// engine default). An executor that cannot observe the context keeps
// running in its goroutine; its eventual result is dropped.
func (e *Engine) invokeWithTimeout(ctx context.Context, exec Executor, ec *ExecutionContext, node *store.NodeDefinition) (*ExecutionResult, error) {
	timeout := e.cfg.defaultTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		return exec.Execute(ctx, ec)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := exec.Execute(runCtx, ec)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Errorf(KindTimeout, "node %q exceeded %s", node.NodeID, timeout).AsRetryable()
	}
}

// execFailure normalizes the three failure shapes (Go error, unsuccessful
// result, nil result) into one error.
func execFailure(node *store.NodeDefinition, result *ExecutionResult, execErr error) error {
	if execErr != nil {
		var we *Error
		if errors.As(execErr, &we) {
			return we
		}
		// Plain executor errors stay in the retry loop.
		return WrapError(KindExecutorFailed, fmt.Sprintf("node %q", node.NodeID), execErr).AsRetryable()
	}
	if result != nil && result.Error != "" {
		return Errorf(KindExecutorFailed, "node %q: %s", node.NodeID, result.Error).
			AsRetryable().WithDetails(result.ErrorDetails)
	}
	return Errorf(KindExecutorFailed, "node %q returned no result", node.NodeID)
}

// previousOutput is the single dependency's output when the node has
// exactly one dependency with output in the context bag.
func (e *Engine) previousOutput(inst *store.Instance, node *store.NodeDefinition) map[string]any {
	if len(node.DependsOn) != 1 {
		return nil
	}
	out, _ := inst.ContextData[node.DependsOn[0]].(map[string]any)
	return out
}

// runParallelNode runs children concurrently, bounded by maxConcurrency,
// and joins per joinType: all (default) requires every child to complete,
// any completes on the first success and cancels the rest, none completes
// regardless of child outcomes.
func (e *Engine) runParallelNode(ctx context.Context, inst *store.Instance, def *store.Definition, node *store.NodeDefinition, parentID int64, extra map[string]any) (*store.NodeInstance, error) {
	parent := e.newNodeInstance(inst, node, parentID)
	now := time.Now().UTC()
	parent.Status = store.NodeRunning
	parent.StartedAt = &now
	if err := e.store.CreateNodeInstance(ctx, parent); err != nil {
		return nil, WrapError(KindDatabase, "persist parallel node", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeStarted, WorkflowInstanceID: inst.ID,
		NodeInstanceID: parent.ID, NodeID: node.NodeID,
		Payload: map[string]any{"children": len(node.Children), "joinType": string(joinType(node))}})

	limit := node.MaxConcurrency
	if limit <= 0 || limit > len(node.Children) {
		limit = len(node.Children)
	}

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	type childResult struct {
		nodeID string
		ni     *store.NodeInstance
		err    error
	}
	results := make([]childResult, len(node.Children))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	var winnerOnce sync.Once
	var winner string

	for i := range node.Children {
		i := i
		child := &node.Children[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-childCtx.Done():
				results[i] = childResult{nodeID: child.NodeID, err: childCtx.Err()}
				return
			}
			ni, err := e.runChild(childCtx, inst, def, child, parent.ID, extra)
			results[i] = childResult{nodeID: child.NodeID, ni: ni, err: err}
			if err == nil && joinType(node) == store.JoinAny {
				winnerOnce.Do(func() {
					winner = child.NodeID
					cancelChildren()
				})
			}
		}()
	}
	wg.Wait()

	output := map[string]any{}
	var firstErr error
	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil && !errors.Is(r.err, context.Canceled) {
				firstErr = r.err
			}
			continue
		}
		succeeded++
		if r.ni != nil && r.ni.OutputData != nil {
			output[r.nodeID] = r.ni.OutputData
		}
	}

	var joined bool
	switch joinType(node) {
	case store.JoinAny:
		joined = succeeded > 0
		if winner != "" {
			output["winner"] = winner
		}
	case store.JoinNone:
		joined = true
	default: // all
		joined = firstErr == nil && succeeded == len(node.Children)
	}

	completedAt := time.Now().UTC()
	parent.CompletedAt = &completedAt
	if joined {
		parent.Status = store.NodeCompleted
		parent.OutputData = output
		if err := e.store.UpdateNodeInstance(ctx, parent); err != nil {
			return nil, WrapError(KindDatabase, "complete parallel node", err)
		}
		e.publish(emit.Event{Type: emit.EventNodeCompleted, WorkflowInstanceID: inst.ID,
			NodeInstanceID: parent.ID, NodeID: node.NodeID,
			Payload: map[string]any{"succeeded": succeeded}})
		return parent, nil
	}

	if firstErr == nil {
		firstErr = Errorf(KindExecutorFailed, "parallel node %q: no branch succeeded", node.NodeID)
	}
	parent.Status = store.NodeFailed
	parent.ErrorMessage = firstErr.Error()
	if err := e.store.UpdateNodeInstance(ctx, parent); err != nil {
		return nil, WrapError(KindDatabase, "fail parallel node", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeFailed, WorkflowInstanceID: inst.ID,
		NodeInstanceID: parent.ID, NodeID: node.NodeID,
		Payload: map[string]any{"error": firstErr.Error()}})
	return parent, firstErr
}

func joinType(node *store.NodeDefinition) store.JoinType {
	if node.JoinType == "" {
		return store.JoinAll
	}
	return node.JoinType
}

// runChild dispatches one composite-node child, honoring the child's own
// errorHandling: a continue child absorbs its failure.
func (e *Engine) runChild(ctx context.Context, inst *store.Instance, def *store.Definition, child *store.NodeDefinition, parentID int64, extra map[string]any) (*store.NodeInstance, error) {
	env := e.templateEnv(inst, extra)
	if child.Condition != "" {
		ok, err := e.cond.Evaluate(child.Condition, env)
		if err != nil {
			return nil, WrapError(KindValidation, fmt.Sprintf("node %q condition", child.NodeID), err).WithCode("condition_eval")
		}
		if !ok {
			ni := e.newNodeInstance(inst, child, parentID)
			ni.Status = store.NodeSkipped
			now := time.Now().UTC()
			ni.CompletedAt = &now
			if cerr := e.store.CreateNodeInstance(ctx, ni); cerr != nil {
				return nil, WrapError(KindDatabase, "persist skipped node", cerr)
			}
			return ni, nil
		}
	}

	var (
		ni  *store.NodeInstance
		err error
	)
	switch child.NodeType {
	case store.NodeSimple, store.NodeTask:
		ni, err = e.runExecutorNode(ctx, inst, child, parentID, env)
	case store.NodeParallel:
		ni, err = e.runParallelNode(ctx, inst, def, child, parentID, extra)
	case store.NodeLoop:
		ni, err = e.runLoopNode(ctx, inst, def, child, parentID, env, extra)
	case store.NodeSubprocess:
		ni, err = e.runSubprocessNode(ctx, inst, child, parentID, env)
	default:
		return nil, Errorf(KindValidation, "node %q has unknown type %q", child.NodeID, child.NodeType).WithCode("unknown_node_type")
	}
	if err != nil && child.ErrorHandling == store.ErrorContinue {
		e.log.Warn().Int64("instance", inst.ID).Str("node", child.NodeID).Err(err).
			Msg("child failed, continuing per policy")
		return ni, nil
	}
	return ni, err
}

// runLoopNode iterates a body over a static count or a resolved array,
// sequentially by default or concurrently when parallelLoop is set.
func (e *Engine) runLoopNode(ctx context.Context, inst *store.Instance, def *store.Definition, node *store.NodeDefinition, parentID int64, env, extra map[string]any) (*store.NodeInstance, error) {
	items, err := e.loopItems(node, env)
	if err != nil {
		return nil, err
	}

	parent := e.newNodeInstance(inst, node, parentID)
	now := time.Now().UTC()
	parent.Status = store.NodeRunning
	parent.StartedAt = &now
	if err := e.store.CreateNodeInstance(ctx, parent); err != nil {
		return nil, WrapError(KindDatabase, "persist loop node", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeStarted, WorkflowInstanceID: inst.ID,
		NodeInstanceID: parent.ID, NodeID: node.NodeID,
		Payload: map[string]any{"iterations": len(items), "parallel": node.ParallelLoop}})

	itemVar := node.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := node.IndexVar
	if indexVar == "" {
		indexVar = "index"
	}

	results := make([]any, len(items))
	iterErrs := make([]error, len(items))

	runIteration := func(iterCtx context.Context, i int) error {
		vars := make(map[string]any, len(extra)+2)
		for k, v := range extra {
			vars[k] = v
		}
		vars[itemVar] = items[i]
		vars[indexVar] = i

		merged := map[string]any{}
		for _, body := range e.loopBody(node) {
			ni, err := e.runChild(iterCtx, inst, def, body, parent.ID, vars)
			if err != nil {
				return err
			}
			if ni != nil && ni.OutputData != nil {
				merged[body.NodeID] = ni.OutputData
			}
		}
		results[i] = merged
		return nil
	}

	if node.ParallelLoop {
		limit := node.MaxConcurrency
		if limit <= 0 || limit > len(items) {
			limit = len(items)
		}
		if limit == 0 {
			limit = 1
		}
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		for i := range items {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				iterErrs[i] = runIteration(ctx, i)
			}()
		}
		wg.Wait()
	} else {
		for i := range items {
			iterErrs[i] = runIteration(ctx, i)
			if iterErrs[i] != nil && node.ErrorHandling != store.ErrorContinue {
				break
			}
		}
	}

	var firstErr error
	failed := 0
	for _, ierr := range iterErrs {
		if ierr != nil {
			failed++
			if firstErr == nil {
				firstErr = ierr
			}
		}
	}

	completedAt := time.Now().UTC()
	parent.CompletedAt = &completedAt
	if firstErr != nil && node.ErrorHandling != store.ErrorContinue {
		parent.Status = store.NodeFailed
		parent.ErrorMessage = firstErr.Error()
		if err := e.store.UpdateNodeInstance(ctx, parent); err != nil {
			return nil, WrapError(KindDatabase, "fail loop node", err)
		}
		e.publish(emit.Event{Type: emit.EventNodeFailed, WorkflowInstanceID: inst.ID,
			NodeInstanceID: parent.ID, NodeID: node.NodeID,
			Payload: map[string]any{"error": firstErr.Error()}})
		return parent, firstErr
	}

	parent.Status = store.NodeCompleted
	parent.OutputData = map[string]any{
		"iterations": len(items),
		"failed":     failed,
		"results":    results,
	}
	if err := e.store.UpdateNodeInstance(ctx, parent); err != nil {
		return nil, WrapError(KindDatabase, "complete loop node", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeCompleted, WorkflowInstanceID: inst.ID,
		NodeInstanceID: parent.ID, NodeID: node.NodeID,
		Payload: map[string]any{"iterations": len(items), "failed": failed}})
	return parent, nil
}

// loopItems builds the iteration slice: static loops iterate their index,
// dynamic loops resolve sourceExpression to an array.
func (e *Engine) loopItems(node *store.NodeDefinition, env map[string]any) ([]any, error) {
	if node.SourceExpression == "" {
		items := make([]any, node.LoopCount)
		for i := range items {
			items[i] = i
		}
		return items, nil
	}

	expr := node.SourceExpression
	if !strings.Contains(expr, "${") {
		expr = "${" + expr + "}"
	}
	val, missing, err := e.resolver.Resolve(expr, env)
	if err != nil {
		return nil, WrapError(KindValidation, fmt.Sprintf("loop %q source", node.NodeID), err).WithCode("loop_source")
	}
	if len(missing) > 0 {
		return nil, Errorf(KindValidation, "loop %q source references unknown variables: %s",
			node.NodeID, strings.Join(missing, ", ")).WithCode("loop_source")
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, Errorf(KindValidation, "loop %q source resolved to %T, want array", node.NodeID, val).WithCode("loop_source")
	}
	return arr, nil
}

// loopBody is the per-iteration node sequence: Children, or a synthetic
// simple node when the loop names an executor directly.
func (e *Engine) loopBody(node *store.NodeDefinition) []*store.NodeDefinition {
	if len(node.Children) > 0 {
		body := make([]*store.NodeDefinition, len(node.Children))
		for i := range node.Children {
			body[i] = &node.Children[i]
		}
		return body
	}
	return []*store.NodeDefinition{{
		NodeID:         node.NodeID + ":body",
		NodeType:       store.NodeSimple,
		Executor:       node.Executor,
		InputData:      node.InputData,
		MaxRetries:     node.MaxRetries,
		TimeoutSeconds: node.TimeoutSeconds,
	}}
}

// runSubprocessNode mints a child instance from another definition. With
// waitForCompletion the child runs inline and its outputs map back into
// the parent's context; otherwise the node completes once the child is
// created.
func (e *Engine) runSubprocessNode(ctx context.Context, inst *store.Instance, node *store.NodeDefinition, parentID int64, env map[string]any) (*store.NodeInstance, error) {
	ni := e.newNodeInstance(inst, node, parentID)
	now := time.Now().UTC()
	ni.Status = store.NodeRunning
	ni.StartedAt = &now
	if err := e.store.CreateNodeInstance(ctx, ni); err != nil {
		return nil, WrapError(KindDatabase, "persist subprocess node", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeStarted, WorkflowInstanceID: inst.ID,
		NodeInstanceID: ni.ID, NodeID: node.NodeID,
		Payload: map[string]any{"subWorkflow": node.SubWorkflowName}})

	childInputs := map[string]any{}
	for target, expr := range node.InputMapping {
		val, _, err := e.resolver.Resolve(expr, env)
		if err != nil {
			return e.failNode(ctx, inst, ni,
				WrapError(KindValidation, fmt.Sprintf("subprocess %q input %q", node.NodeID, target), err).WithCode("template_resolution"))
		}
		childInputs[target] = val
	}

	child, err := e.CreateInstance(ctx, CreateInstanceRequest{
		DefinitionName: node.SubWorkflowName,
		Version:        node.SubWorkflowVersion,
		Name:           fmt.Sprintf("%s/%s", inst.Name, node.NodeID),
		InputData:      childInputs,
		Priority:       inst.Priority,
		CreatedBy:      fmt.Sprintf("subprocess:%d", inst.ID),
	})
	if err != nil {
		return e.failNode(ctx, inst, ni, err)
	}

	if !node.WaitForCompletion {
		return e.completeNode(ctx, inst, ni, map[string]any{
			"subprocessInstanceId": child.ID,
		})
	}

	if err := e.RunInstance(ctx, child.ID); err != nil {
		return e.failNode(ctx, inst, ni, err)
	}
	child, err = e.store.GetInstance(ctx, child.ID)
	if err != nil {
		return nil, WrapError(KindDatabase, "reload subprocess instance", err)
	}
	if child.Status != store.StatusCompleted {
		return e.failNode(ctx, inst, ni,
			Errorf(KindExecutorFailed, "subprocess %q finished %s: %s", node.SubWorkflowName, child.Status, child.ErrorMessage))
	}

	output := map[string]any{"subprocessInstanceId": child.ID}
	childBag := child.OutputData
	if childBag == nil {
		childBag = child.ContextData
	}
	if len(node.OutputMapping) == 0 {
		for k, v := range child.OutputData {
			output[k] = v
		}
	} else {
		for target, expr := range node.OutputMapping {
			val, _, rerr := e.resolver.Resolve(expr, childBag)
			if rerr != nil {
				return e.failNode(ctx, inst, ni,
					WrapError(KindValidation, fmt.Sprintf("subprocess %q output %q", node.NodeID, target), rerr).WithCode("template_resolution"))
			}
			output[target] = val
		}
	}
	return e.completeNode(ctx, inst, ni, output)
}

func (e *Engine) completeNode(ctx context.Context, inst *store.Instance, ni *store.NodeInstance, output map[string]any) (*store.NodeInstance, error) {
	now := time.Now().UTC()
	ni.Status = store.NodeCompleted
	ni.OutputData = output
	ni.CompletedAt = &now
	if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
		return nil, WrapError(KindDatabase, "mark node completed", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeCompleted, WorkflowInstanceID: inst.ID,
		NodeInstanceID: ni.ID, NodeID: ni.NodeID})
	return ni, nil
}

func (e *Engine) failNode(ctx context.Context, inst *store.Instance, ni *store.NodeInstance, cause error) (*store.NodeInstance, error) {
	now := time.Now().UTC()
	ni.Status = store.NodeFailed
	ni.ErrorMessage = cause.Error()
	ni.CompletedAt = &now
	if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
		return nil, WrapError(KindDatabase, "mark node failed", err)
	}
	e.publish(emit.Event{Type: emit.EventNodeFailed, WorkflowInstanceID: inst.ID,
		NodeInstanceID: ni.ID, NodeID: ni.NodeID,
		Payload: map[string]any{"error": cause.Error()}})
	return ni, cause
}

// appendLog writes an execution log record, best effort.
func (e *Engine) appendLog(instanceID, nodeInstanceID int64, level, message string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &store.ExecutionLog{
		WorkflowInstanceID: instanceID,
		NodeInstanceID:     nodeInstanceID,
		Level:              level,
		Message:            message,
		Data:               data,
		Timestamp:          time.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, rec); err != nil {
		e.log.Warn().Err(err).Int64("instance", instanceID).Msg("append log")
	}
}
