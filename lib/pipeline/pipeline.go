// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of pipeline work. It should return promptly once
// ctx is done.
type Task func(ctx context.Context) error

// Pipeline runs tasks that share a context and a first error.
type Pipeline struct {
	parent context.Context
	ctx    context.Context
	group  *errgroup.Group
}

// New returns a pipeline whose tasks run under a context derived from
// ctx.
func New(ctx context.Context) *Pipeline {
	group, groupCtx := errgroup.WithContext(ctx)
	return &Pipeline{parent: ctx, ctx: groupCtx, group: group}
}

// Context returns the context passed to every task. It is cancelled
// when any task fails, when the parent is cancelled, or when Wait
// returns.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Go starts a task. The returned channel is closed when it returns.
func (p *Pipeline) Go(task Task) <-chan struct{} {
	done := make(chan struct{})
	p.group.Go(func() error {
		defer close(done)
		return task(p.ctx)
	})
	return done
}

// GoN starts n copies of task. onDone, if not nil, runs once after all
// of them have returned, whether or not they succeeded. The returned
// channel is closed after onDone.
func (p *Pipeline) GoN(n int, task Task, onDone func()) <-chan struct{} {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = task
	}
	return p.GoAll(onDone, tasks...)
}

// GoAll starts every task as one stage. onDone, if not nil, runs once
// after the last of them returns. With no tasks, onDone runs before
// GoAll returns.
func (p *Pipeline) GoAll(onDone func(), tasks ...Task) <-chan struct{} {
	done := make(chan struct{})
	finish := func() {
		if onDone != nil {
			onDone()
		}
		close(done)
	}
	if len(tasks) == 0 {
		finish()
		return done
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(tasks)))
	for _, task := range tasks {
		p.group.Go(func() error {
			defer func() {
				if remaining.Add(-1) == 0 {
					finish()
				}
			}()
			return task(p.ctx)
		})
	}
	return done
}

// Wait blocks until every task has returned. It returns the parent
// context's error if the parent was cancelled, and otherwise the first
// task error.
func (p *Pipeline) Wait() error {
	err := p.group.Wait()
	if parentErr := p.parent.Err(); parentErr != nil {
		return parentErr
	}
	return err
}
