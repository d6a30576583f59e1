// Package periodic triggers recurring maintenance jobs (cron expressions or
// fixed intervals). It only decides when a job runs; the job itself is
// enqueued on the task engine, next to submissions.
package periodic
