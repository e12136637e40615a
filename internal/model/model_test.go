package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codahale/loadworker/internal/model"
)

func TestJobValidate(t *testing.T) {
	valid := model.Job{
		JobID:     "job-1",
		TargetRPS: 10,
		Duration:  time.Second,
		Target:    model.Target{URL: "http://example.com", Method: model.MethodGET},
	}
	assert.NoError(t, valid.Validate())

	cases := []model.Job{
		{},
		func() model.Job { j := valid; j.TargetRPS = 0; return j }(),
		func() model.Job { j := valid; j.Duration = 0; return j }(),
		func() model.Job { j := valid; j.Target.URL = ""; return j }(),
		func() model.Job { j := valid; j.Target.Method = "TRACE"; return j }(),
	}
	for _, c := range cases {
		assert.Error(t, c.Validate())
	}
}

func TestOutcomeRetryable(t *testing.T) {
	assert.False(t, model.Outcome{Kind: model.HTTPOk}.Retryable())
	assert.False(t, model.Outcome{Kind: model.HTTPError, Status: 404}.Retryable())
	assert.True(t, model.Outcome{Kind: model.HTTPError, Status: 503}.Retryable())
	assert.True(t, model.Outcome{Kind: model.Timeout}.Retryable())
	assert.True(t, model.Outcome{Kind: model.Connect}.Retryable())
}
