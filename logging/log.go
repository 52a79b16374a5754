// Package logging is a thin glog-flavored facade used by every other
// package in this module so that log verbosity is controlled uniformly
// from config (service.log_level) rather than per-package.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package logging

import (
	"flag"
	"fmt"

	"github.com/golang/glog"
)

// Level is a glog verbosity level.
type Level int32

// SetVerbosity sets the global glog -v level. Called once at startup
// from the loaded config; safe to call again on config reload.
func SetVerbosity(v int) error {
	if !flag.Parsed() {
		flag.Parse()
	}
	return flag.Set("v", fmt.Sprintf("%d", v))
}

// V reports whether verbosity level l is enabled, mirroring glog.V.
func V(l Level) bool { return bool(glog.V(glog.Level(l))) }

func Infof(format string, args ...interface{})    { glog.Infof(format, args...) }
func Warningf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func Errorf(format string, args ...interface{})   { glog.Errorf(format, args...) }
func Fatalf(format string, args ...interface{})   { glog.Fatalf(format, args...) }

func Info(args ...interface{})    { glog.Info(args...) }
func Warning(args ...interface{}) { glog.Warning(args...) }
func Error(args ...interface{})   { glog.Error(args...) }

// Flush flushes all pending log I/O; called before process exit.
func Flush() { glog.Flush() }
