package logging

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	std := logrus.StandardLogger()
	origLevel, origOut := std.GetLevel(), std.Out
	t.Cleanup(func() {
		std.SetLevel(origLevel)
		std.SetOutput(origOut)
	})

	cases := []struct {
		name    string
		opts    Options
		level   logrus.Level
		discard bool
	}{
		{name: "default", level: logrus.InfoLevel, discard: true},
		{name: "verbose", opts: Options{Verbose: true}, level: logrus.InfoLevel},
		{name: "quiet", opts: Options{Quiet: true, Verbose: true}, level: logrus.InfoLevel, discard: true},
		{name: "debug", opts: Options{Debug: true, Quiet: true}, level: logrus.DebugLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.opts.Output = &buf
			l := logrus.New()
			Configure(l, tc.opts)

			for _, got := range []*logrus.Logger{l, std} {
				assert.Equal(t, tc.level, got.GetLevel())
				if tc.discard {
					assert.Equal(t, io.Discard, got.Out)
				} else {
					assert.Same(t, &buf, got.Out)
				}
			}
		})
	}

	assert.NotPanics(t, func() { Configure(nil, Options{}) })
}
