// Package scheduler is the digest run coordinator.
//
// A single self-rearming timer drives evaluation passes. Each pass walks the
// cadences in order (daily, weekly, immediate), asks the evaluator whether
// each active preference is due, and for due users runs
// gather -> gate -> deliver -> record strictly in that order. When the pass
// ends the planner decides how long to sleep before the next one.
//
// Only one pass (or manual trigger) runs at a time. The service assumes it is
// the only scheduler instance working on the preference store; running more
// than one replica must be prevented by the deployment.
package scheduler
