// Package stage implements the realtime collective choice service.
//
// It keeps WebSocket lifecycle, stage policy, and fan-out isolated from
// persistence: every server instance talks to a shared choice store and
// learns about writes from other instances through the store's change
// watch, so locally connected presentation sessions converge on the same
// collective state no matter which instance received a submission.
package stage
