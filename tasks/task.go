// Package tasks provides a strictly sequential, single-flight work queue.
//
// At most one Task runs at a time. Each Task carries a DeletePolicy that
// decides what happens to it when a more urgent request calls
// Queue.CancelPending: Deletable work is dropped, NonDeletable work is
// left alone unless forced, and Reschedulable work yields its place and
// moves to the tail.
package tasks

import (
	"context"
	"fmt"
)

// DeletePolicy controls how CancelPending treats a task.
type DeletePolicy int

const (
	// Deletable tasks are cancelled by CancelPending.
	Deletable DeletePolicy = iota
	// NonDeletable tasks are only cancelled when CancelPending is forced.
	NonDeletable
	// Reschedulable tasks are moved to the tail of the queue.
	Reschedulable
)

// String returns a human-readable policy name.
func (p DeletePolicy) String() string {
	switch p {
	case Deletable:
		return "Deletable"
	case NonDeletable:
		return "NonDeletable"
	case Reschedulable:
		return "Reschedulable"
	default:
		return "Unknown"
	}
}

// Task is one unit of work run by a Queue. Run must return promptly once
// ctx is cancelled.
type Task interface {
	Name() string
	DeletePolicy() DeletePolicy
	Run(ctx context.Context) error
}

type funcTask struct {
	name   string
	policy DeletePolicy
	fn     func(ctx context.Context) error
}

// Func builds a Task from a closure.
func Func(name string, policy DeletePolicy, fn func(ctx context.Context) error) Task {
	return &funcTask{name: name, policy: policy, fn: fn}
}

func (t *funcTask) Name() string                  { return t.name }
func (t *funcTask) DeletePolicy() DeletePolicy    { return t.policy }
func (t *funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// GroupTask runs its subtasks one after another as a single queue entry.
type GroupTask struct {
	name  string
	tasks []Task
}

// Group bundles tasks under one name. The group's policy is NonDeletable
// if any member is, Deletable if every member is, and Reschedulable
// otherwise.
func Group(name string, members ...Task) *GroupTask {
	return &GroupTask{name: name, tasks: members}
}

// Name returns the group name.
func (g *GroupTask) Name() string { return g.name }

// DeletePolicy folds the members' policies.
func (g *GroupTask) DeletePolicy() DeletePolicy {
	allDeletable := true
	for _, t := range g.tasks {
		switch t.DeletePolicy() {
		case NonDeletable:
			return NonDeletable
		case Reschedulable:
			allDeletable = false
		}
	}
	if allDeletable {
		return Deletable
	}
	return Reschedulable
}

// Run runs every member in order and stops at the first error.
func (g *GroupTask) Run(ctx context.Context) error {
	for _, t := range g.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Run(ctx); err != nil {
			return fmt.Errorf("%s/%s: %w", g.name, t.Name(), err)
		}
	}
	return nil
}
