package ort

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var packageLogger atomic.Pointer[loggerHolder]

type loggerHolder struct {
	logger logrus.FieldLogger
}

func init() {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.WarnLevel)
	packageLogger.Store(&loggerHolder{logger: base.WithField("component", "onnxruntime")})
}

// SetLogger replaces the logger used by the package. A nil logger discards output.
func SetLogger(logger logrus.FieldLogger) {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	packageLogger.Store(&loggerHolder{logger: logger})
}

// Logger returns the logger used by the package.
func Logger() logrus.FieldLogger {
	return packageLogger.Load().logger
}
