package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entrhq/renderd/pkg/job"
)

func TestClassifyNavigation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want job.Kind
	}{
		{"dns failure", errors.New("page.goto: net::ERR_NAME_NOT_RESOLVED at https://nope.invalid/"), job.KindInvalidTarget},
		{"bad scheme", errors.New("net::ERR_UNKNOWN_URL_SCHEME"), job.KindInvalidTarget},
		{"timeout", errors.New("page.goto: Timeout 30000ms exceeded."), job.KindNavigationTimeout},
		{"closed", errors.New("Target page, context or browser has been closed"), job.KindInstanceLost},
		{"process gone", ErrProcessGone, job.KindInstanceLost},
		{"deadline", context.DeadlineExceeded, job.KindDeadlineExceeded},
		{"canceled", context.Canceled, job.KindCanceled},
		{"kind kept", job.Failf(job.KindInvalidTarget, "bad"), job.KindInvalidTarget},
		{"connection reset", errors.New("net::ERR_CONNECTION_RESET"), job.KindNavigationTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyNavigation(tt.err))
		})
	}
}

func TestClassifyExtraction(t *testing.T) {
	assert.Equal(t, job.KindExtractionError, ClassifyExtraction(errors.New("failed to print pdf")))
	assert.Equal(t, job.KindInstanceLost, ClassifyExtraction(errors.New("Browser has been closed")))
	assert.Equal(t, job.Kind(""), ClassifyExtraction(nil))
}

func TestWrapKeepsExistingKind(t *testing.T) {
	orig := job.Failf(job.KindInvalidTarget, "bad")
	assert.Same(t, orig, wrap(orig, ClassifyExtraction))

	err := wrap(errors.New("boom"), ClassifyExtraction)
	assert.True(t, job.IsKind(err, job.KindExtractionError))
	assert.NoError(t, wrap(nil, ClassifyExtraction))
}
