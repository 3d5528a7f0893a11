// Package governance keeps units inside their resource envelope: per-unit
// CPU and memory budgets, storage quota alerts, a per-key rate ceiling and
// the cron-driven loop that ties them together.
package governance
