package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNilLoggerSatisfiesView(t *testing.T) {

	var v View = &NilLogger{}
	v.Debugf("dropped %d", 1)
	v.Warnf("dropped")
	assert.False(t, v.IsDebugEnabled())

	p := v.NewProgress("scan", 100)
	p.Increment(50)
	p.Finish(true)
}

func TestStdSatisfiesView(t *testing.T) {

	var v View = &Std{NoTTY: true}

	p := v.NewProgress("bulkfree", 1 << 20)
	p.Increment(1 << 20)
	p.Finish(true)

	spinner := v.NewProgress("sync backlog", 0)
	spinner.Increment(3)
	spinner.Finish(true)
}

func TestStdDebugGate(t *testing.T) {

	quiet := &Std{NoTTY: true}
	assert.False(t, quiet.IsDebugEnabled())

	loud := &Std{Debug: true, NoTTY: true}
	assert.True(t, loud.IsDebugEnabled())
	assert.True(t, loud.IsInfoEnabled())
}

func TestTermFormat(t *testing.T) {

	f := &termFormat{noColor: true}

	out, err := f.Format(&logrus.Entry{Level: logrus.InfoLevel, Message: "mounted"})
	assert.NoError(t, err)
	assert.Equal(t, "info  mounted\n", string(out))

	out, err = f.Format(&logrus.Entry{Level: logrus.WarnLevel, Message: "low space"})
	assert.NoError(t, err)
	assert.Equal(t, "warn  low space\n", string(out))

	out, err = f.Format(&logrus.Entry{Level: logrus.ErrorLevel, Message: "write failed"})
	assert.NoError(t, err)
	assert.Equal(t, "error write failed\n", string(out))
}
