package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the leveled logging surface engine threads write to. The
// mutator path stays quiet below warn; debug output is for chain and
// freemap tracing.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress tracks one long-running device scan. Increment reports how
// many bytes the scan covered since the last call; unbounded scans (a
// cluster-sync backlog of unknown length) pass item counts instead and
// render as a spinner.
type Progress interface {
	Increment(n int64)
	Finish(success bool)
}

// ProgressReporter creates Progress trackers. A zero total produces an
// unbounded spinner.
type ProgressReporter interface {
	NewProgress(label string, total int64) Progress
}

// View combines logging with progress reporting; a mount hands one to
// the bulkfree and cluster-sync drivers.
type View interface {
	Logger
	ProgressReporter
}

// Std is the standard engine view: a dedicated logrus instance behind a
// terminal formatter, and mpb-backed progress for device scans. While
// any scan bar is live, log lines buffer so the bars render unbroken and
// replay once the last scan finishes.
type Std struct {
	Debug   bool // emit chain/freemap tracing
	NoColor bool
	NoTTY   bool // suppress progress rendering entirely

	once sync.Once
	log  *logrus.Logger

	mu        sync.Mutex
	buffer    *bytes.Buffer
	container *mpb.Progress
	active    int
}

func (s *Std) logger() *logrus.Logger {
	s.once.Do(func() {
		s.log = logrus.New()
		s.log.SetOutput(os.Stdout)
		s.log.SetFormatter(&termFormat{noColor: s.NoColor})
		if s.Debug {
			s.log.SetLevel(logrus.DebugLevel)
		}
	})
	return s.log
}

// Debugf emits engine tracing when Debug is set.
func (s *Std) Debugf(format string, x ...interface{}) {
	if s.Debug {
		s.logger().Debugf(format, x...)
	}
}

// Errorf reports a failure the engine will surface to the caller too.
func (s *Std) Errorf(format string, x ...interface{}) {
	s.logger().Errorf(format, x...)
}

// Infof reports mount-level lifecycle events.
func (s *Std) Infof(format string, x ...interface{}) {
	s.logger().Infof(format, x...)
}

// Printf always prints, regardless of level.
func (s *Std) Printf(format string, x ...interface{}) {
	s.logger().Printf(format, x...)
}

// Warnf reports recoverable anomalies: rejected header copies, fixup
// re-arms, allocator pressure.
func (s *Std) Warnf(format string, x ...interface{}) {
	s.logger().Warnf(format, x...)
}

// IsInfoEnabled reports whether Infof output is visible.
func (s *Std) IsInfoEnabled() bool {
	return s.logger().IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether engine tracing is visible.
func (s *Std) IsDebugEnabled() bool {
	return s.Debug
}

// NewProgress opens a progress bar for a device scan. Bounded scans are
// byte-denominated; a zero total renders a spinner.
func (s *Std) NewProgress(label string, total int64) Progress {

	if s.NoTTY {
		return nopProgress{}
	}

	s.mu.Lock()
	if s.container == nil {
		s.buffer = new(bytes.Buffer)
		s.logger().SetOutput(s.buffer)
		s.container = mpb.New(mpb.WithWidth(64))
	}
	s.active++

	var bar *mpb.Bar
	if total > 0 {
		bar = s.container.AddBar(total,
			mpb.PrependDecorators(decor.Name(label+" ")),
			mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
		)
	} else {
		bar = s.container.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(decor.Name(label+" ")),
		)
	}
	s.mu.Unlock()

	return &scanBar{std: s, bar: bar, total: total}
}

// release retires one scan bar; the last one out restores direct logging
// and replays whatever buffered during the scans.
func (s *Std) release() {

	s.mu.Lock()
	s.active--
	if s.active > 0 || s.container == nil {
		s.mu.Unlock()
		return
	}
	container := s.container
	buffer := s.buffer
	s.container = nil
	s.buffer = nil
	s.mu.Unlock()

	container.Wait()
	s.logger().SetOutput(os.Stdout)
	_, _ = buffer.WriteTo(os.Stdout)
}

// scanBar is one live scan's byte counter.
type scanBar struct {
	std    *Std
	bar    *mpb.Bar
	total  int64
	done   int64
	closed bool
}

// Increment advances the scan by n bytes (or items, for spinners).
func (sb *scanBar) Increment(n int64) {
	if sb.closed {
		return
	}
	sb.done += n
	sb.bar.IncrInt64(n)
}

// Finish closes the bar. An unsuccessful or short scan aborts the bar so
// it does not render as complete.
func (sb *scanBar) Finish(success bool) {

	if sb.closed {
		return
	}
	sb.closed = true

	if !success || sb.total == 0 || sb.done < sb.total {
		sb.bar.Abort(false)
	}
	sb.std.release()
}

type nopProgress struct {
}

// Increment discards the count.
func (nopProgress) Increment(n int64) {
}

// Finish does nothing.
func (nopProgress) Finish(success bool) {
}

// termFormat renders one engine log line: a padded level tag, colored
// unless disabled, then the message.
type termFormat struct {
	noColor bool
}

func (f *termFormat) Format(entry *logrus.Entry) ([]byte, error) {

	tag := "info"
	paint := color.New(color.FgCyan)

	switch entry.Level {
	case logrus.TraceLevel, logrus.DebugLevel:
		tag = "debug"
		paint = color.New(color.Faint)
	case logrus.WarnLevel:
		tag = "warn"
		paint = color.New(color.FgYellow)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		tag = "error"
		paint = color.New(color.FgRed)
	}

	if f.noColor {
		return []byte(fmt.Sprintf("%-5s %s\n", tag, entry.Message)), nil
	}
	return []byte(fmt.Sprintf("%s %s\n", paint.Sprintf("%-5s", tag), entry.Message)), nil
}
