// Package logx is a thin structured-logging layer over zerolog with
// runtime-reconfigurable sinks (console, file, Slack ops channel).
package logx
