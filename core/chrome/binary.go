package chrome

import (
	"context"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// ResolveBinary finds a Chromium executable: explicit path, then
// $ROD_BROWSER, then the system install, and finally a downloaded copy.
func ResolveBinary(ctx context.Context, explicit string, logger *logrus.Entry) (string, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, candidate := range []string{explicit, strings.TrimSpace(os.Getenv("ROD_BROWSER"))} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else {
			logger.Warnf("browser binary %s cannot be used: %v", candidate, err)
		}
	}

	if bin, has := launcher.LookPath(); has {
		if _, err := os.Stat(bin); err == nil {
			return bin, nil
		}
	}

	browser := launcher.NewBrowser()
	if ctx != nil {
		browser.Context = ctx
	}
	browser.Logger = log.New(io.Discard, "", 0)

	path, err := browser.Get()
	if err != nil {
		return "", err
	}
	logger.Infof("Downloaded Chromium to %s", path)
	return path, nil
}
