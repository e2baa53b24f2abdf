// Package logx wraps zerolog for digestd. Console output is short and human
// readable, the optional file sink is JSON, and an alert sink can forward
// warnings above a level at a bounded rate.
package logx
