// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline composes concurrent stages that communicate over
// channels.
//
// A [Pipeline] runs tasks on an errgroup: the first task to fail
// cancels the shared context, and [Pipeline.Wait] reports that error.
// Stages signal completion to their consumers by closing the channel
// they produce, and [Pipeline.GoN] and [Pipeline.GoAll] run a callback
// once every task of a stage has returned so that the close happens
// exactly once, after the last producer stops:
//
//	p := pipeline.New(ctx)
//	p.GoN(readers, readStage, func() { close(decoded) })
//	p.GoN(writers, writeStage, nil)
//	err := p.Wait()
//
// Every send and receive inside a task should also select on the
// task's context so that cancellation unblocks the whole pipeline.
package pipeline
