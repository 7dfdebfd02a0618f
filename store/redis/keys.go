package redis

import (
	"sort"

	"github.com/suriyasureshok/Pyrexis/job"
)

// Key layout: one hash per job carrying the serialized record plus a
// status field for cheap filtering, one string per result, and a
// priority-scored sorted set of pending job IDs.
const (
	keyPrefix  = "pyrexis:"
	pendingKey = keyPrefix + "jobs:pending"
)

func jobKey(jobID string) string {
	return keyPrefix + "job:" + jobID
}

func resultKey(jobID string) string {
	return keyPrefix + "result:" + jobID
}

func sortJobsByCreation(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
