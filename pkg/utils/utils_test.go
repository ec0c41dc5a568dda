// pkg/utils/utils_test.go

package utils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoggerFormat(t *testing.T) {
	l := GetLogger("utils-test")
	assert.Same(t, l, GetLogger("utils-test"))

	var buf bytes.Buffer
	l.SetOutput(&buf)
	SetLogLevel(logrus.DebugLevel)
	defer SetLogLevel(logrus.InfoLevel)
	l.WithField("slabs", 2).Debugf("batched %d requests", 4)
	assert.Regexp(t, `^\d{4}/\d{2}/\d{2} [\d:.]+ utils-test\[\d+\] <DEBUG>: batched 4 requests map\[slabs:2\]\n$`, buf.String())
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, int64(3), Min(3, 7))
	assert.Equal(t, int64(7), Max(3, 7))
}
