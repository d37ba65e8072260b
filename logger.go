package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var logFile *os.File

// SetupLogger 日志写入logPath，文件无法打开时输出到stderr
func SetupLogger(logPath string, level string) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	if logPath != "" {
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			logrus.SetOutput(logFile)
			logrus.SetFormatter(&logrus.JSONFormatter{})
			return
		}
	}
	logrus.SetOutput(os.Stderr)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if err != nil {
		logrus.Warnf("open log file %s fail, err = %v", logPath, err)
	}
}

func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
