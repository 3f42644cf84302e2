package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/entrhq/renderd/pkg/job"
)

var (
	ErrClosed        = errors.New("browser manager closed")
	ErrNoCapacity    = errors.New("no browser instance has spare context capacity")
	ErrProcessGone   = errors.New("browser process disconnected")
	ErrEmptyArtifact = errors.New("render produced an empty artifact")
)

// Chromium net error codes that mean the target itself is unusable.
var invalidTargetMarkers = []string{
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_INVALID_URL",
	"net::ERR_UNKNOWN_URL_SCHEME",
	"net::ERR_ADDRESS_INVALID",
	"net::ERR_BLOCKED_BY_CLIENT",
	"Cannot navigate to invalid URL",
	"invalid url",
}

// Markers for a browser or page that went away underneath the job.
var instanceLostMarkers = []string{
	"Target page, context or browser has been closed",
	"Target closed",
	"Browser has been closed",
	"browser has disconnected",
	"Connection closed",
}

// ClassifyNavigation maps an error raised while loading a target to a job
// failure kind. Errors already carrying a kind keep it. Unrecognised
// navigation failures count as transient timeouts.
func ClassifyNavigation(err error) job.Kind {
	return classify(err, job.KindNavigationTimeout)
}

// ClassifyExtraction maps an error raised while producing the artifact.
func ClassifyExtraction(err error) job.Kind {
	return classify(err, job.KindExtractionError)
}

func classify(err error, fallback job.Kind) job.Kind {
	var jobErr *job.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &jobErr):
		return jobErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return job.KindDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return job.KindCanceled
	case errors.Is(err, ErrProcessGone):
		return job.KindInstanceLost
	}

	msg := err.Error()
	if containsAny(msg, instanceLostMarkers) {
		return job.KindInstanceLost
	}
	if containsAny(msg, invalidTargetMarkers) {
		return job.KindInvalidTarget
	}
	if strings.Contains(strings.ToLower(msg), "timeout") {
		return job.KindNavigationTimeout
	}
	return fallback
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// wrap attaches the classified kind unless err already carries one.
func wrap(err error, classifier func(error) job.Kind) error {
	if err == nil {
		return nil
	}
	var jobErr *job.Error
	if errors.As(err, &jobErr) {
		return err
	}
	return job.Fail(classifier(err), err)
}
