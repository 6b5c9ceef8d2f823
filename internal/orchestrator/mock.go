package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

const (
	mockPendingFor = 5 * time.Second
	mockRunningFor = 15 * time.Second
)

func (c *Client) mockLaunchJob(templateID int) LaunchResult {
	now := c.now()
	c.mu.Lock()
	id := int(now.UnixMilli() % 1000000)
	for {
		if _, taken := c.mockLaunch[id]; !taken {
			break
		}
		id = (id + 1) % 1000000
	}
	c.mockLaunch[id] = now
	c.mu.Unlock()

	slog.Info("mock orchestrator launched job", "template_id", templateID, "job_id", id)
	return LaunchResult{JobID: id, Status: data.JobPending, URL: fmt.Sprintf("/api/v2/jobs/%d/", id)}
}

// mockJobStatus walks pending -> running -> successful from the launch time.
// Job ids ending in 000-049 fail, giving a deterministic ~5% failure rate.
func (c *Client) mockJobStatus(jobID int) JobState {
	now := c.now()
	c.mu.Lock()
	launched, ok := c.mockLaunch[jobID]
	c.mu.Unlock()
	if !ok {
		launched = now.Add(-mockRunningFor)
	}
	elapsed := now.Sub(launched)

	st := JobState{JobID: jobID, Elapsed: elapsed.Seconds()}
	switch {
	case jobID%1000 < 50:
		st.Status = data.JobFailed
	case elapsed < mockPendingFor:
		st.Status = data.JobPending
	case elapsed < mockRunningFor:
		st.Status = data.JobRunning
	default:
		st.Status = data.JobSuccessful
	}
	st.Finished = st.Status.Finished()
	st.Failed = st.Status == data.JobFailed
	return st
}

func mockOutput(jobID int) string {
	return fmt.Sprintf(`Mock Job Output (Job ID: %d)
========================================
PLAY [Remediation Task] ****************

TASK [Execute remediation action] ******
ok: [localhost]

PLAY RECAP *****************************
localhost                  : ok=1    changed=0    unreachable=0    failed=0
`, jobID)
}
