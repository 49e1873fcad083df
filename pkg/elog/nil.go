package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// NilLogger discards everything. It exists so library callers that do not
// care about engine logging can pass something non-nil.
type NilLogger struct {
}

// Debugf does nothing.
func (log *NilLogger) Debugf(format string, x ...interface{}) {
}

// Errorf does nothing.
func (log *NilLogger) Errorf(format string, x ...interface{}) {
}

// Infof does nothing.
func (log *NilLogger) Infof(format string, x ...interface{}) {
}

// Printf does nothing.
func (log *NilLogger) Printf(format string, x ...interface{}) {
}

// Warnf does nothing.
func (log *NilLogger) Warnf(format string, x ...interface{}) {
}

// IsInfoEnabled always returns false.
func (log *NilLogger) IsInfoEnabled() bool {
	return false
}

// IsDebugEnabled always returns false.
func (log *NilLogger) IsDebugEnabled() bool {
	return false
}

// NewProgress returns a Progress that discards the scan.
func (log *NilLogger) NewProgress(label string, total int64) Progress {
	return nopProgress{}
}
