// Package debugsrv runs the optional operator HTTP endpoint: liveness,
// engine statistics and pprof.
package debugsrv
